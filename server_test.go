package dualai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	server    *Server
	storage   *InMemoryInteractionStorage
	anthropic *MockAnthropicClient
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "get_signed_url") {
			w.Write([]byte(`{"signed_url": "wss://example/session"}`))
			return
		}
		w.Write([]byte(`{"voices": []}`))
	}))
	t.Cleanup(upstream.Close)

	cfg := testElevenLabsConfig(t)
	cfg.AnthropicAPIKey = "anthropic-key"
	cfg.AnthropicModel = "claude-3-sonnet-20240229"
	cfg.AnthropicMaxTokens = 1024
	cfg.AnthropicTemperature = 0.7
	cfg.AdminAPIToken = "admin-secret"
	cfg.PublicChatToken = "public-secret"
	cfg.DisplayMode = "floating"

	storage := NewInMemoryInteractionStorage()
	recorder := NewInteractionRecorder(storage, NewNullLogger())

	mockClient := &MockAnthropicClient{
		createMessageFunc: func(_ context.Context, _ anthropic.MessageNewParams) (*anthropic.Message, error) {
			return textMessage(t, "claude-3-sonnet-20240229", "hello back"), nil
		},
	}

	provider := NewAnthropicProvider(AnthropicProviderConfig{
		Config:   cfg,
		Client:   mockClient,
		Recorder: recorder,
	})
	elevenlabs := NewElevenLabsClient(ElevenLabsClientConfig{
		Config:   cfg,
		Recorder: recorder,
		BaseURL:  upstream.URL,
	})
	reports := NewReportsEngine(storage, nil, NewNullLogger())

	server, err := NewServer(ServerConfig{
		Config:     cfg,
		Anthropic:  provider,
		ElevenLabs: elevenlabs,
		Reports:    reports,
		Logger:     NewNullLogger(),
	})
	require.NoError(t, err)

	return &serverFixture{server: server, storage: storage, anthropic: mockClient}
}

func (f *serverFixture) do(method, path, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		if strings.Contains(path, "/admin/") {
			req.Header.Set(AdminTokenHeader, token)
		} else {
			req.Header.Set(PublicTokenHeader, token)
		}
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestServer_AdminEndpointsRejectMissingToken(t *testing.T) {
	f := newTestServer(t)

	paths := []string{
		"/api/v1/admin/reports/export",
		"/api/v1/admin/reports/statistics",
		"/api/v1/admin/reports/recent",
		"/api/v1/admin/reports/dashboard",
		"/api/v1/admin/status",
	}
	for _, path := range paths {
		rec := f.do(http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, "authorization_error", decodeJSON(t, rec)["code"], path)
	}
}

func TestServer_AdminEndpointsRejectWrongToken(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodGet, "/api/v1/admin/reports/statistics", "wrong", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_PublicTokenDoesNotGrantAdminAccess(t *testing.T) {
	f := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/status", nil)
	req.Header.Set(AdminTokenHeader, "public-secret")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code, "the public token must not open the admin trust domain")
}

func TestServer_ChatRejectsMissingToken(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodPost, "/api/v1/anthropic/chat", "", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.anthropic.callCount, "the provider must not be reached without a valid token")
}

func TestServer_ChatValidatesBody(t *testing.T) {
	f := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `not json`},
		{"missing messages", `{}`},
		{"empty messages", `{"messages":[]}`},
		{"bad role", `{"messages":[{"role":"system","content":"x"}]}`},
		{"empty content", `{"messages":[{"role":"user","content":""}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/v1/anthropic/chat", "public-secret", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_error", decodeJSON(t, rec)["code"])
		})
	}
	assert.Zero(t, f.anthropic.callCount, "invalid bodies must not reach the provider")
}

func TestServer_ChatSuccess(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodPost, "/api/v1/anthropic/chat", "public-secret", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, f.anthropic.callCount)

	// A session cookie is minted when absent.
	cookies := rec.Result().Cookies()
	var found bool
	for _, c := range cookies {
		if c.Name == SessionCookieName {
			found = true
			assert.NotEmpty(t, c.Value)
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, found, "expected a session cookie on the response")

	rows, err := f.storage.List(context.Background(), InteractionFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, InteractionChatMessage, rows[0].Type)
}

func TestServer_ChatReusesSessionCookie(t *testing.T) {
	f := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/anthropic/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set(PublicTokenHeader, "public-secret")
	req.Header.Set(UserIDHeader, "12")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "existing-session"})
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, rec.Result().Cookies(), "no new cookie when one is presented")

	rows, err := f.storage.List(context.Background(), InteractionFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "existing-session", rows[0].SessionID)
	assert.Equal(t, int64(12), rows[0].UserID)
}

func TestServer_ChatRateLimit(t *testing.T) {
	f := newTestServer(t)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/anthropic/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		req.Header.Set(PublicTokenHeader, "public-secret")
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "burst-session"})
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, send().Code, "request %d should pass", i+1)
	}

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeJSON(t, rec)["code"])
	assert.Equal(t, 5, f.anthropic.callCount, "the rejected request must not reach the provider")
}

func TestServer_ChatRateLimit_CookielessClientsShareBucket(t *testing.T) {
	f := newTestServer(t)

	send := func() *httptest.ResponseRecorder {
		// No session cookie: the bucket falls back to the client address,
		// so discarding cookies does not mint a fresh limit per request.
		req := httptest.NewRequest(http.MethodPost, "/api/v1/anthropic/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		req.Header.Set(PublicTokenHeader, "public-secret")
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, send().Code, "request %d should pass", i+1)
	}

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 5, f.anthropic.callCount)
}

func TestServer_LimiterEvictsIdleBuckets(t *testing.T) {
	f := newTestServer(t)
	current := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	f.server.now = func() time.Time { return current }

	f.server.limiterFor("stale-session")
	current = current.Add(limiterIdleTTL + time.Minute)
	f.server.limiterFor("fresh-session")

	f.server.limiterMu.Lock()
	_, staleKept := f.server.limiters["stale-session"]
	_, freshKept := f.server.limiters["fresh-session"]
	f.server.limiterMu.Unlock()

	assert.False(t, staleKept, "idle buckets should be evicted")
	assert.True(t, freshKept)
}

func TestServer_TextToSpeechValidation(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodPost, "/api/v1/elevenlabs/text-to-speech", "public-secret", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeJSON(t, rec)["code"])
}

func TestServer_SignedURL(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodGet, "/api/v1/elevenlabs/signed-url", "public-secret", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "wss://example/session", decodeJSON(t, rec)["signed_url"])
}

func TestServer_ReportFilterValidation(t *testing.T) {
	f := newTestServer(t)

	tests := []struct {
		name string
		path string
	}{
		{"bad start date", "/api/v1/admin/reports/statistics?start_date=junk"},
		{"bad end date", "/api/v1/admin/reports/statistics?end_date=2024-13-99"},
		{"bad provider", "/api/v1/admin/reports/statistics?provider=openai"},
		{"bad limit", "/api/v1/admin/reports/recent?limit=zero"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tt.path, "admin-secret", "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_error", decodeJSON(t, rec)["code"])
		})
	}
}

func TestServer_Statistics(t *testing.T) {
	f := newTestServer(t)
	seedReportRow(t, f.storage, Interaction{
		Type:      InteractionChatMessage,
		Provider:  ProviderAnthropic,
		Data:      "{}",
		Time:      time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		SessionID: "s",
	})

	rec := f.do(http.MethodGet, "/api/v1/admin/reports/statistics", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, float64(1), payload["total_interactions"])
}

func TestServer_ExportCSV(t *testing.T) {
	f := newTestServer(t)
	seedReportRow(t, f.storage, Interaction{
		Type:      InteractionChatMessage,
		Provider:  ProviderAnthropic,
		Data:      `{"input":"q","output":"a"}`,
		Time:      time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		SessionID: "s",
	})

	rec := f.do(http.MethodGet, "/api/v1/admin/reports/export", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "interactions.csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "ID,Type,Provider,Data,Time,User ID,Session ID"))
}

func TestServer_ExportCSV_NoData(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodGet, "/api/v1/admin/reports/export", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, true, payload["no_data"])
}

func TestServer_Dashboard(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodGet, "/api/v1/admin/reports/dashboard?start_date=2024-06-10&end_date=2024-06-10", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, "up", payload["trend"])
}

func TestServer_Status(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodGet, "/api/v1/admin/status", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, true, payload["anthropic_configured"])
	assert.Equal(t, true, payload["elevenlabs_configured"])
	assert.Equal(t, "floating", payload["display_mode"])
}

func TestServer_TestAnthropicEndpoint(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodPost, "/api/v1/admin/anthropic/test", "admin-secret", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payload := decodeJSON(t, rec)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "claude-3-sonnet-20240229", payload["model"])
}

func TestServer_TestElevenLabsEndpoint(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodPost, "/api/v1/admin/elevenlabs/test", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeJSON(t, rec)["success"])
}

func TestServer_UpstreamErrorPassesStatusThrough(t *testing.T) {
	f := newTestServer(t)
	f.anthropic.createMessageFunc = func(_ context.Context, _ anthropic.MessageNewParams) (*anthropic.Message, error) {
		return nil, &anthropic.Error{
			StatusCode: http.StatusTooManyRequests,
			Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
			Response:   &http.Response{StatusCode: http.StatusTooManyRequests},
		}
	}

	rec := f.do(http.MethodPost, "/api/v1/anthropic/chat", "public-secret", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "api_error", decodeJSON(t, rec)["code"])
}
