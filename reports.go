package dualai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Statistics is the aggregate view over the interaction log for a filter.
type Statistics struct {
	TotalInteractions int            `json:"total_interactions"`
	UniqueUsers       int            `json:"unique_users"`
	UniqueSessions    int            `json:"unique_sessions"`
	ProviderCounts    map[string]int `json:"provider_counts"`
	InteractionTypes  map[string]int `json:"interaction_types"`
	DailyCounts       map[string]int `json:"daily_counts"`
}

// FormattedInteraction is one log row annotated for admin display.
type FormattedInteraction struct {
	Interaction
	FormattedData map[string]interface{} `json:"formatted_data"`
	UserData      UserInfo               `json:"user_data"`
}

// Trend directions for the dashboard comparison.
const (
	TrendUp   = "up"
	TrendDown = "down"
)

// DashboardMetrics compares the current date range against the equal-length
// immediately preceding one.
type DashboardMetrics struct {
	CurrentTotal  int       `json:"current_total"`
	PreviousTotal int       `json:"previous_total"`
	PercentChange int       `json:"percent_change"`
	Trend         string    `json:"trend"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	PreviousStart time.Time `json:"previous_start"`
	PreviousEnd   time.Time `json:"previous_end"`
}

// ReportsEngine aggregates logged interactions into statistics, recent-item
// views and CSV exports. It only ever reads from storage.
type ReportsEngine struct {
	storage InteractionStorage
	users   UserDirectory
	logger  Logger
	now     func() time.Time
}

// NewReportsEngine creates a reports engine over the given storage. The user
// directory may be nil; all rows then resolve to the guest placeholder.
func NewReportsEngine(storage InteractionStorage, users UserDirectory, logger Logger) *ReportsEngine {
	if logger == nil {
		logger = NewNullLogger()
	}
	return &ReportsEngine{
		storage: storage,
		users:   users,
		logger:  logger,
		now:     time.Now,
	}
}

// GetStatistics returns counts and a per-day series for the filtered log.
// An absent date bound or provider means "no constraint", not "today".
func (r *ReportsEngine) GetStatistics(ctx context.Context, filter InteractionFilter) (*Statistics, error) {
	filter.Limit = 0
	rows, err := r.storage.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load interactions for statistics: %w", err)
	}

	stats := &Statistics{
		ProviderCounts:   make(map[string]int),
		InteractionTypes: make(map[string]int),
		DailyCounts:      make(map[string]int),
	}

	users := make(map[int64]struct{})
	sessions := make(map[string]struct{})

	for i := range rows {
		row := &rows[i]
		stats.TotalInteractions++
		users[row.UserID] = struct{}{}
		sessions[row.SessionID] = struct{}{}
		stats.ProviderCounts[row.Provider]++
		stats.InteractionTypes[row.Type]++
		stats.DailyCounts[row.Time.UTC().Format("2006-01-02")]++
	}

	stats.UniqueUsers = len(users)
	stats.UniqueSessions = len(sessions)

	return stats, nil
}

// formatInteractionData infers the payload shape of one row and returns a
// normalized view for display.
func formatInteractionData(raw string) map[string]interface{} {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data == nil {
		return map[string]interface{}{"type": "other", "data": raw}
	}

	_, hasInput := data["input"]
	_, hasOutput := data["output"]
	switch {
	case hasInput && hasOutput:
		return map[string]interface{}{
			"type":   "chat",
			"input":  data["input"],
			"output": data["output"],
		}
	case data["text_length"] != nil:
		return map[string]interface{}{
			"type":        "tts",
			"text_length": data["text_length"],
		}
	case data["agent_id"] != nil:
		return map[string]interface{}{
			"type":     "voice_agent",
			"agent_id": data["agent_id"],
		}
	default:
		return map[string]interface{}{"type": "other", "data": data}
	}
}

// GetRecentInteractions returns the newest rows, each annotated with a
// formatted payload view and the owning user's display info.
func (r *ReportsEngine) GetRecentInteractions(ctx context.Context, limit int, provider string) ([]FormattedInteraction, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.storage.List(ctx, InteractionFilter{Provider: provider, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to load recent interactions: %w", err)
	}

	out := make([]FormattedInteraction, 0, len(rows))
	for i := range rows {
		row := rows[i]
		formatted := FormattedInteraction{
			Interaction:   row,
			FormattedData: formatInteractionData(row.Data),
			UserData:      GuestUserInfo,
		}
		if r.users != nil && row.UserID != GuestUserID {
			if info, ok := r.users.Lookup(ctx, row.UserID); ok {
				formatted.UserData = info
			}
		}
		out = append(out, formatted)
	}

	return out, nil
}

// truncate shortens s to max runes. Cutting on a rune boundary keeps the
// output valid UTF-8 for the CSV export.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

// summarizeInteractionData produces the one-line Data column for CSV export.
func summarizeInteractionData(raw string) string {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data == nil {
		return "Invalid data"
	}

	input, hasInput := data["input"].(string)
	output, hasOutput := data["output"].(string)
	switch {
	case hasInput && hasOutput:
		return "Q: " + truncate(input, 50) + " A: " + truncate(output, 50)
	case data["text_length"] != nil:
		return fmt.Sprintf("Text length: %v chars", data["text_length"])
	case data["agent_id"] != nil:
		return fmt.Sprintf("Agent ID: %v", data["agent_id"])
	default:
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, k := range keys {
			switch data[k].(type) {
			case string, float64, bool, nil:
				fmt.Fprintf(&sb, "%s: %v; ", k, data[k])
			}
		}
		return sb.String()
	}
}

// escapeCSV doubles embedded quotes and wraps the field in quotes when it
// contains a comma, quote or line break.
func escapeCSV(s string) string {
	s = strings.ReplaceAll(s, `"`, `""`)
	if strings.ContainsAny(s, ",\"\n\r") {
		s = `"` + s + `"`
	}
	return s
}

// GenerateCSV exports the filtered log as one CSV document, newest first.
// Returns ErrNoData when nothing matches the filter; that is a signal, not a
// failure.
func (r *ReportsEngine) GenerateCSV(ctx context.Context, filter InteractionFilter) (string, error) {
	filter.Limit = 0
	rows, err := r.storage.List(ctx, filter)
	if err != nil {
		return "", fmt.Errorf("failed to load interactions for export: %w", err)
	}
	if len(rows) == 0 {
		return "", ErrNoData
	}

	header := []string{"ID", "Type", "Provider", "Data", "Time", "User ID", "Session ID"}
	lines := make([]string, 0, len(rows)+1)

	escaped := make([]string, len(header))
	for i, h := range header {
		escaped[i] = escapeCSV(h)
	}
	lines = append(lines, strings.Join(escaped, ","))

	for i := range rows {
		row := &rows[i]
		fields := []string{
			fmt.Sprintf("%d", row.ID),
			row.Type,
			row.Provider,
			summarizeInteractionData(row.Data),
			row.Time.UTC().Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d", row.UserID),
			row.SessionID,
		}
		for j, f := range fields {
			fields[j] = escapeCSV(f)
		}
		lines = append(lines, strings.Join(fields, ","))
	}

	return strings.Join(lines, "\n"), nil
}

// previousPeriod derives the equal-length window immediately preceding
// [start, end]. Both bounds are inclusive calendar days; the previous window
// ends the day before start.
func previousPeriod(start, end time.Time) (time.Time, time.Time) {
	days := int(dayStart(end).Sub(dayStart(start)).Hours()/24) + 1
	prevEnd := dayStart(start).AddDate(0, 0, -1)
	prevStart := prevEnd.AddDate(0, 0, -(days - 1))
	return prevStart, prevEnd
}

// DashboardMetrics computes the current-period total and its change against
// the immediately preceding equal-length window. A missing end bound means
// "through today"; a missing start bound defaults to a seven-day window.
// When the previous window is empty the percent change is zero to avoid a
// division by zero.
func (r *ReportsEngine) DashboardMetrics(ctx context.Context, filter InteractionFilter) (*DashboardMetrics, error) {
	end := filter.EndDate
	if end.IsZero() {
		end = dayStart(r.now())
	}
	start := filter.StartDate
	if start.IsZero() {
		start = dayStart(end).AddDate(0, 0, -6)
	}

	current, err := r.storage.Count(ctx, InteractionFilter{
		StartDate: start,
		EndDate:   end,
		Provider:  filter.Provider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count current period: %w", err)
	}

	prevStart, prevEnd := previousPeriod(start, end)
	previous, err := r.storage.Count(ctx, InteractionFilter{
		StartDate: prevStart,
		EndDate:   prevEnd,
		Provider:  filter.Provider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count previous period: %w", err)
	}

	percentChange := 0
	if previous > 0 {
		percentChange = int(math.Round(float64(current-previous) / float64(previous) * 100))
	}

	trend := TrendUp
	if percentChange < 0 {
		trend = TrendDown
	}

	return &DashboardMetrics{
		CurrentTotal:  current,
		PreviousTotal: previous,
		PercentChange: percentChange,
		Trend:         trend,
		PeriodStart:   dayStart(start),
		PeriodEnd:     dayStart(end),
		PreviousStart: prevStart,
		PreviousEnd:   prevEnd,
	}, nil
}
