package dualai

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"
)

// Header and cookie names forming the gateway's trust boundary. The admin
// and public tokens are separate secrets guarding separate trust domains.
const (
	AdminTokenHeader  = "X-Admin-Token"
	PublicTokenHeader = "X-Chat-Token"
	UserIDHeader      = "X-User-ID"
	SessionCookieName = "dual_ai_session"
)

// limiterIdleTTL is how long a chat rate-limit bucket survives without
// traffic before it is evicted.
const limiterIdleTTL = 15 * time.Minute

// chatRequestSchema validates the public chat submission body before any
// provider client is reached.
const chatRequestSchema = `{
	"type": "object",
	"required": ["messages"],
	"properties": {
		"messages": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["role", "content"],
				"properties": {
					"role": {"type": "string", "enum": ["user", "assistant"]},
					"content": {"type": "string", "minLength": 1}
				}
			}
		},
		"product_id": {"type": "string"}
	}
}`

// Server is the HTTP gateway in front of the provider clients and the
// reports engine. It authenticates every call, builds the RequestContext
// once at the boundary and dispatches.
type Server struct {
	cfg        *Config
	anthropic  *AnthropicProvider
	elevenlabs *ElevenLabsClient
	reports    *ReportsEngine
	logger     Logger
	mux        *http.ServeMux
	schema     *gojsonschema.Schema
	now        func() time.Time

	limiterMu sync.Mutex
	limiters  map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ServerConfig holds the dependencies for a Server.
type ServerConfig struct {
	Config     *Config
	Anthropic  *AnthropicProvider
	ElevenLabs *ElevenLabsClient
	Reports    *ReportsEngine
	Logger     Logger
}

// NewServer creates the gateway and registers its routes.
func NewServer(sc ServerConfig) (*Server, error) {
	logger := sc.Logger
	if logger == nil {
		logger = NewNullLogger()
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(chatRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat request schema: %w", err)
	}

	s := &Server{
		cfg:        sc.Config,
		anthropic:  sc.Anthropic,
		elevenlabs: sc.ElevenLabs,
		reports:    sc.Reports,
		logger:     logger,
		mux:        http.NewServeMux(),
		schema:     schema,
		now:        time.Now,
		limiters:   make(map[string]*clientLimiter),
	}

	s.mux.HandleFunc("/api/v1/elevenlabs/signed-url", s.withPublicAuth(s.handleSignedURL))
	s.mux.HandleFunc("/api/v1/elevenlabs/text-to-speech", s.withPublicAuth(s.handleTextToSpeech))
	s.mux.HandleFunc("/api/v1/anthropic/chat", s.withPublicAuth(s.handleChat))

	s.mux.HandleFunc("/api/v1/admin/reports/export", s.withAdminAuth(s.handleExportCSV))
	s.mux.HandleFunc("/api/v1/admin/reports/statistics", s.withAdminAuth(s.handleStatistics))
	s.mux.HandleFunc("/api/v1/admin/reports/recent", s.withAdminAuth(s.handleRecent))
	s.mux.HandleFunc("/api/v1/admin/reports/dashboard", s.withAdminAuth(s.handleDashboard))
	s.mux.HandleFunc("/api/v1/admin/status", s.withAdminAuth(s.handleStatus))
	s.mux.HandleFunc("/api/v1/admin/anthropic/test", s.withAdminAuth(s.handleTestAnthropic))
	s.mux.HandleFunc("/api/v1/admin/elevenlabs/test", s.withAdminAuth(s.handleTestElevenLabs))

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func errorCode(err error) string {
	var (
		confErr  *ConfigurationError
		valErr   *ValidationError
		apiErr   *APIError
		decErr   *DecodeError
		storeErr *StorageError
		authErr  *AuthorizationError
	)
	switch {
	case errors.As(err, &confErr):
		return "configuration_error"
	case errors.As(err, &valErr):
		return "validation_error"
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.As(err, &decErr):
		return "decode_error"
	case errors.As(err, &storeErr):
		return "storage_error"
	case errors.As(err, &authErr):
		return "authorization_error"
	default:
		return "internal_error"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithErr(err).Error("failed to encode response")
	}
}

// writeError renders an error from the taxonomy as structured JSON. The
// message text is shown to the end user as-is; there is no separate internal
// message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatusFor(err)
	s.writeJSON(w, status, map[string]interface{}{
		"code":    errorCode(err),
		"message": err.Error(),
		"status":  status,
	})
}

func tokenMatches(supplied, expected string) bool {
	if expected == "" || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) == 1
}

// withPublicAuth guards the visitor-facing endpoints with the public chat
// token, a different secret than the admin token.
func (s *Server) withPublicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(r.Header.Get(PublicTokenHeader), s.cfg.PublicChatToken) {
			s.writeError(w, &AuthorizationError{Reason: "invalid security token"})
			return
		}
		next(w, r)
	}
}

// withAdminAuth guards the admin endpoints. Fails closed before any provider
// client is reached.
func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(r.Header.Get(AdminTokenHeader), s.cfg.AdminAPIToken) {
			s.writeError(w, &AuthorizationError{Reason: "admin privileges required"})
			return
		}
		next(w, r)
	}
}

// requestContext resolves the caller identity once per request. The user id
// comes from a header set by the fronting auth layer; the session id from a
// client cookie, minted and set on the response when absent.
func (s *Server) requestContext(w http.ResponseWriter, r *http.Request) RequestContext {
	rc := RequestContext{UserID: GuestUserID}

	if raw := r.Header.Get(UserIDHeader); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			rc.UserID = id
		}
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		rc.SessionID = cookie.Value
		return rc
	}

	rc.SessionID = uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    rc.SessionID,
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		Secure:   r.TLS != nil,
	})
	return rc
}

// limiterKey identifies the chat rate-limit bucket. The session cookie is
// used when the client presents one; otherwise the client address, so a
// caller that discards cookies cannot mint a fresh bucket per request.
func limiterKey(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiterFor returns the rate limiter for the given bucket key, creating it
// on first use. Buckets idle past limiterIdleTTL are evicted on the way so
// the map stays bounded by recent traffic.
func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	now := s.now()
	cutoff := now.Add(-limiterIdleTTL)
	for k, entry := range s.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(s.limiters, k)
		}
	}

	entry, ok := s.limiters[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rate.Every(time.Second), 5)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// parseReportFilter reads start_date, end_date and provider query params.
func parseReportFilter(r *http.Request) (InteractionFilter, error) {
	var filter InteractionFilter

	if raw := r.URL.Query().Get("start_date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, &ValidationError{Field: "start_date", Reason: "must be formatted as YYYY-MM-DD"}
		}
		filter.StartDate = t
	}
	if raw := r.URL.Query().Get("end_date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, &ValidationError{Field: "end_date", Reason: "must be formatted as YYYY-MM-DD"}
		}
		filter.EndDate = t
	}

	provider := r.URL.Query().Get("provider")
	switch provider {
	case "", ProviderAnthropic, ProviderElevenLabs:
		filter.Provider = provider
	default:
		return filter, &ValidationError{Field: "provider", Reason: "must be anthropic or elevenlabs"}
	}

	return filter, nil
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rc := s.requestContext(w, r)
	signedURL, err := s.elevenlabs.GetSignedURL(r.Context(), rc)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"signed_url": signedURL})
}

func (s *Server) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Text    string `json:"text"`
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, &ValidationError{Field: "body", Reason: "must be valid JSON"})
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		s.writeError(w, &ValidationError{Field: "text", Reason: "must not be empty"})
		return
	}

	rc := s.requestContext(w, r)
	result, err := s.elevenlabs.TextToSpeech(r.Context(), rc, body.Text, TTSOptions{VoiceID: body.VoiceID})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.limiterFor(limiterKey(r)).Allow() {
		s.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"code":    "rate_limited",
			"message": "too many chat requests, slow down",
			"status":  http.StatusTooManyRequests,
		})
		return
	}

	rc := s.requestContext(w, r)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, &ValidationError{Field: "body", Reason: "could not read request body"})
		return
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		s.writeError(w, &ValidationError{Field: "body", Reason: "must be valid JSON"})
		return
	}
	if !result.Valid() {
		s.writeError(w, &ValidationError{Field: "body", Reason: result.Errors()[0].String()})
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeError(w, &ValidationError{Field: "body", Reason: "must be valid JSON"})
		return
	}

	message, err := s.anthropic.SendChatRequest(r.Context(), rc, req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, message)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	csv, err := s.reports.GenerateCSV(r.Context(), filter)
	if errors.Is(err, ErrNoData) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"no_data": true,
			"message": "No interactions found for the selected filters",
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="interactions.csv"`)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, csv)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	stats, err := s.reports.GetStatistics(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, &ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = parsed
	}

	recent, err := s.reports.GetRecentInteractions(r.Context(), limit, filter.Provider)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	metrics, err := s.reports.DashboardMetrics(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"anthropic_configured":  s.cfg.HasAnthropicCredentials(),
		"elevenlabs_configured": s.cfg.HasElevenLabsCredentials(),
		"display_mode":          s.cfg.DisplayMode,
		"welcome_message":       s.cfg.WelcomeMessage,
		"models":                s.anthropic.Models(),
	})
}

func (s *Server) handleTestAnthropic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		APIKey string `json:"api_key"`
	}
	// The body is optional; an empty one tests the stored key.
	json.NewDecoder(r.Body).Decode(&body)

	model, err := s.anthropic.TestConnection(r.Context(), body.APIKey)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"model":   model,
		"message": "API connection successful",
	})
}

func (s *Server) handleTestElevenLabs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	voices, err := s.elevenlabs.TestConnection(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"voices":  voices,
	})
}
