package dualai

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedReportRow(t *testing.T, storage InteractionStorage, in Interaction) {
	t.Helper()
	require.NoError(t, storage.Insert(context.Background(), &in))
}

func TestReportsEngine_GetStatistics(t *testing.T) {
	storage := NewInMemoryInteractionStorage()
	day1 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)

	seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: "{}", Time: day1, UserID: 1, SessionID: "a"})
	seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: "{}", Time: day1.Add(time.Hour), UserID: 1, SessionID: "a"})
	seedReportRow(t, storage, Interaction{Type: InteractionTextToSpeech, Provider: ProviderElevenLabs, Data: "{}", Time: day2, UserID: 2, SessionID: "b"})

	engine := NewReportsEngine(storage, nil, NewNullLogger())
	stats, err := engine.GetStatistics(context.Background(), InteractionFilter{})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalInteractions)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, 2, stats.UniqueSessions)
	assert.Equal(t, map[string]int{ProviderAnthropic: 2, ProviderElevenLabs: 1}, stats.ProviderCounts)
	assert.Equal(t, map[string]int{InteractionChatMessage: 2, InteractionTextToSpeech: 1}, stats.InteractionTypes)
	assert.Equal(t, map[string]int{"2024-06-01": 2, "2024-06-02": 1}, stats.DailyCounts)
}

func TestReportsEngine_GetRecentInteractions(t *testing.T) {
	storage := NewInMemoryInteractionStorage()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: `{"input":"q","output":"a"}`, Time: base, UserID: 9, SessionID: "s"})
	seedReportRow(t, storage, Interaction{Type: InteractionTextToSpeech, Provider: ProviderElevenLabs, Data: `{"text_length":7}`, Time: base.Add(time.Hour), UserID: 0, SessionID: "s"})

	users := NewStaticUserDirectory(map[int64]UserInfo{
		9: {DisplayName: "Ada", Email: "ada@example.com"},
	})

	engine := NewReportsEngine(storage, users, NewNullLogger())
	recent, err := engine.GetRecentInteractions(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, recent, 2)

	// Newest first; guest rows fall back to the placeholder user.
	assert.Equal(t, "tts", recent[0].FormattedData["type"])
	assert.Equal(t, GuestUserInfo, recent[0].UserData)

	assert.Equal(t, "chat", recent[1].FormattedData["type"])
	assert.Equal(t, "q", recent[1].FormattedData["input"])
	assert.Equal(t, "Ada", recent[1].UserData.DisplayName)
}

func TestReportsEngine_GetRecentInteractions_UnknownUserFallsBackToGuest(t *testing.T) {
	storage := NewInMemoryInteractionStorage()
	seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: `{}`, Time: time.Now().UTC(), UserID: 77, SessionID: "s"})

	engine := NewReportsEngine(storage, NewStaticUserDirectory(nil), NewNullLogger())
	recent, err := engine.GetRecentInteractions(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, GuestUserInfo, recent[0].UserData)
}

func TestFormatInteractionData(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
	}{
		{"chat payload", `{"input":"q","output":"a"}`, "chat"},
		{"tts payload", `{"text_length":42}`, "tts"},
		{"voice agent payload", `{"agent_id":"agent-1"}`, "voice_agent"},
		{"unknown shape", `{"something":"else"}`, "other"},
		{"invalid json", `not json`, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatInteractionData(tt.raw)
			assert.Equal(t, tt.wantType, got["type"])
		})
	}
}

func TestSummarizeInteractionData_TruncatesChat(t *testing.T) {
	long := strings.Repeat("x", 60)
	raw := `{"input":"` + long + `","output":"short"}`

	got := summarizeInteractionData(raw)
	assert.Contains(t, got, "Q: "+strings.Repeat("x", 50)+"...")
	assert.Contains(t, got, "A: short")
}

func TestSummarizeInteractionData_TruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 60)
	raw := `{"input":"` + long + `","output":"ok"}`

	got := summarizeInteractionData(raw)
	assert.True(t, utf8.ValidString(got), "truncation must not split a multi-byte rune")
	assert.Contains(t, got, "Q: "+strings.Repeat("é", 50)+"...")
	assert.Contains(t, got, "A: ok")
}

func TestEscapeCSV(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"comma", "a,b", `"a,b"`},
		{"quote", `say "hi"`, `"say ""hi"""`},
		{"newline", "a\nb", "\"a\nb\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeCSV(tt.in))
		})
	}
}

func TestReportsEngine_GenerateCSV(t *testing.T) {
	storage := NewInMemoryInteractionStorage()
	at := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)
	seedReportRow(t, storage, Interaction{
		Type:      InteractionChatMessage,
		Provider:  ProviderAnthropic,
		Data:      `{"input":"does it ship, today?","output":"yes"}`,
		Time:      at,
		UserID:    3,
		SessionID: "session-1",
	})

	engine := NewReportsEngine(storage, nil, NewNullLogger())
	csv, err := engine.GenerateCSV(context.Background(), InteractionFilter{})
	require.NoError(t, err)

	lines := strings.Split(csv, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "ID,Type,Provider,Data,Time,User ID,Session ID", lines[0])
	assert.Contains(t, lines[1], "chat_message,anthropic")
	assert.Contains(t, lines[1], "2024-06-01 10:30:00")
	// The comma inside the question forces quoting of the data column.
	assert.Contains(t, lines[1], `"Q: does it ship, today? A: yes"`)
}

func TestReportsEngine_GenerateCSV_NoData(t *testing.T) {
	engine := NewReportsEngine(NewInMemoryInteractionStorage(), nil, NewNullLogger())

	_, err := engine.GenerateCSV(context.Background(), InteractionFilter{})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestPreviousPeriod(t *testing.T) {
	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "seven day window",
			start:     time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
			end:       time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "single day",
			start:     time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
			end:       time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd := previousPeriod(tt.start, tt.end)
			assert.True(t, gotStart.Equal(tt.wantStart), "got start %v", gotStart)
			assert.True(t, gotEnd.Equal(tt.wantEnd), "got end %v", gotEnd)
		})
	}
}

func TestReportsEngine_DashboardMetrics(t *testing.T) {
	storage := NewInMemoryInteractionStorage()
	current := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	previous := time.Date(2024, 6, 9, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 50; i++ {
		seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: "{}", Time: current, SessionID: "s"})
	}
	for i := 0; i < 25; i++ {
		seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: "{}", Time: previous, SessionID: "s"})
	}

	engine := NewReportsEngine(storage, nil, NewNullLogger())
	metrics, err := engine.DashboardMetrics(context.Background(), InteractionFilter{
		StartDate: current,
		EndDate:   current,
	})
	require.NoError(t, err)

	assert.Equal(t, 50, metrics.CurrentTotal)
	assert.Equal(t, 25, metrics.PreviousTotal)
	assert.Equal(t, 100, metrics.PercentChange)
	assert.Equal(t, TrendUp, metrics.Trend)
}

func TestReportsEngine_DashboardMetrics_EmptyPreviousPeriod(t *testing.T) {
	storage := NewInMemoryInteractionStorage()
	current := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: "{}", Time: current, SessionID: "s"})

	engine := NewReportsEngine(storage, nil, NewNullLogger())
	metrics, err := engine.DashboardMetrics(context.Background(), InteractionFilter{
		StartDate: current,
		EndDate:   current,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.CurrentTotal)
	assert.Equal(t, 0, metrics.PreviousTotal)
	assert.Equal(t, 0, metrics.PercentChange, "empty previous period reports zero change")
	assert.Equal(t, TrendUp, metrics.Trend)
}

func TestReportsEngine_DashboardMetrics_Decline(t *testing.T) {
	storage := NewInMemoryInteractionStorage()
	current := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	previous := time.Date(2024, 6, 9, 12, 0, 0, 0, time.UTC)

	seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: "{}", Time: current, SessionID: "s"})
	for i := 0; i < 4; i++ {
		seedReportRow(t, storage, Interaction{Type: InteractionChatMessage, Provider: ProviderAnthropic, Data: "{}", Time: previous, SessionID: "s"})
	}

	engine := NewReportsEngine(storage, nil, NewNullLogger())
	metrics, err := engine.DashboardMetrics(context.Background(), InteractionFilter{
		StartDate: current,
		EndDate:   current,
	})
	require.NoError(t, err)

	assert.Equal(t, -75, metrics.PercentChange)
	assert.Equal(t, TrendDown, metrics.Trend)
}

func TestReportsEngine_DashboardMetrics_DefaultWindow(t *testing.T) {
	storage := NewInMemoryInteractionStorage()
	engine := NewReportsEngine(storage, nil, NewNullLogger())
	today := time.Date(2024, 6, 14, 15, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return today }

	metrics, err := engine.DashboardMetrics(context.Background(), InteractionFilter{})
	require.NoError(t, err)

	assert.True(t, metrics.PeriodEnd.Equal(time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)))
	assert.True(t, metrics.PeriodStart.Equal(time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)), "default window is seven days")
	assert.True(t, metrics.PreviousEnd.Equal(time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)))
	assert.True(t, metrics.PreviousStart.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
}
