package dualai

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InteractionFilter narrows reads from the interaction log. Zero-valued
// fields mean "no constraint". Date bounds are inclusive and cover whole
// days: StartDate == EndDate selects every interaction on that day.
type InteractionFilter struct {
	StartDate time.Time
	EndDate   time.Time
	Provider  string
	Limit     int
}

func (f InteractionFilter) matches(in *Interaction) bool {
	if f.Provider != "" && in.Provider != f.Provider {
		return false
	}
	if !f.StartDate.IsZero() && in.Time.Before(dayStart(f.StartDate)) {
		return false
	}
	if !f.EndDate.IsZero() && !in.Time.Before(dayStart(f.EndDate).AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// dayStart truncates t to midnight UTC of its calendar day.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// InteractionStorage is the append-only interaction log shared by both
// provider clients and read by the reports engine. There is no update or
// delete operation.
type InteractionStorage interface {
	// Insert appends one interaction and fills in its assigned ID.
	Insert(ctx context.Context, in *Interaction) error

	// List returns interactions matching the filter, newest first.
	List(ctx context.Context, filter InteractionFilter) ([]Interaction, error)

	// Count returns the number of interactions matching the filter,
	// ignoring any limit.
	Count(ctx context.Context, filter InteractionFilter) (int, error)

	// Close releases the underlying resources.
	Close() error
}

// InMemoryInteractionStorage is an in-memory implementation of
// InteractionStorage used in tests and single-process development setups.
type InMemoryInteractionStorage struct {
	mu     sync.RWMutex
	rows   []Interaction
	nextID int64
}

// NewInMemoryInteractionStorage creates an empty in-memory interaction log.
func NewInMemoryInteractionStorage() *InMemoryInteractionStorage {
	return &InMemoryInteractionStorage{nextID: 1}
}

// Insert appends one interaction and assigns it a monotonically increasing ID.
func (s *InMemoryInteractionStorage) Insert(ctx context.Context, in *Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in.ID = s.nextID
	s.nextID++
	if in.Time.IsZero() {
		in.Time = time.Now().UTC()
	}
	s.rows = append(s.rows, *in)
	return nil
}

// List returns matching interactions, newest first.
func (s *InMemoryInteractionStorage) List(ctx context.Context, filter InteractionFilter) ([]Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Interaction
	for i := range s.rows {
		if filter.matches(&s.rows[i]) {
			out = append(out, s.rows[i])
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID > out[j].ID
		}
		return out[i].Time.After(out[j].Time)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of matching interactions.
func (s *InMemoryInteractionStorage) Count(ctx context.Context, filter InteractionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for i := range s.rows {
		if filter.matches(&s.rows[i]) {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory implementation.
func (s *InMemoryInteractionStorage) Close() error { return nil }
