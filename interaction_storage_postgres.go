package dualai

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresInteractionStorage is a PostgreSQL implementation of
// InteractionStorage backed by lib/pq.
type PostgresInteractionStorage struct {
	db     *sql.DB
	logger Logger
}

// NewPostgresInteractionStorage wraps an existing connection pool and
// initializes the schema. The caller owns opening the pool ("postgres"
// driver) so tests can substitute a mock.
func NewPostgresInteractionStorage(db *sql.DB, logger Logger) (*PostgresInteractionStorage, error) {
	storage := &PostgresInteractionStorage{
		db:     db,
		logger: logger,
	}

	if err := storage.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresInteractionStorage) initSchema(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS interactions (
		id BIGSERIAL PRIMARY KEY,
		interaction_type TEXT NOT NULL,
		api_provider TEXT NOT NULL,
		interaction_data TEXT NOT NULL DEFAULT '{}',
		interaction_time TIMESTAMPTZ NOT NULL,
		user_id BIGINT NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL
	)`

	createTimeIndexSQL := `CREATE INDEX IF NOT EXISTS idx_interactions_time ON interactions (interaction_time)`

	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create interactions table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, createTimeIndexSQL); err != nil {
		return fmt.Errorf("failed to create interactions time index: %w", err)
	}

	return nil
}

// Insert appends one interaction row and fills in the assigned id.
func (s *PostgresInteractionStorage) Insert(ctx context.Context, in *Interaction) error {
	if in.Time.IsZero() {
		in.Time = time.Now().UTC()
	}

	insertSQL := `
	INSERT INTO interactions (interaction_type, api_provider, interaction_data, interaction_time, user_id, session_id)
	VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	err := s.db.QueryRowContext(ctx, insertSQL,
		in.Type, in.Provider, in.Data, in.Time.UTC(), in.UserID, in.SessionID).Scan(&in.ID)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	return nil
}

func (f InteractionFilter) postgresWhere() (string, []interface{}) {
	clauses := []string{"1=1"}
	var args []interface{}

	if !f.StartDate.IsZero() {
		args = append(args, dayStart(f.StartDate))
		clauses = append(clauses, fmt.Sprintf("interaction_time >= $%d", len(args)))
	}
	if !f.EndDate.IsZero() {
		args = append(args, dayStart(f.EndDate).AddDate(0, 0, 1))
		clauses = append(clauses, fmt.Sprintf("interaction_time < $%d", len(args)))
	}
	if f.Provider != "" {
		args = append(args, f.Provider)
		clauses = append(clauses, fmt.Sprintf("api_provider = $%d", len(args)))
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

// List returns matching interaction rows, newest first.
func (s *PostgresInteractionStorage) List(ctx context.Context, filter InteractionFilter) ([]Interaction, error) {
	where, args := filter.postgresWhere()
	query := `
	SELECT id, interaction_type, api_provider, interaction_data, interaction_time, user_id, session_id
	FROM interactions ` + where + ` ORDER BY interaction_time DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var in Interaction
		if err := rows.Scan(&in.ID, &in.Type, &in.Provider, &in.Data, &in.Time, &in.UserID, &in.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan interaction row: %w", err)
		}
		in.Time = in.Time.UTC()
		out = append(out, in)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating interaction rows: %w", err)
	}

	return out, nil
}

// Count returns the number of matching interaction rows.
func (s *PostgresInteractionStorage) Count(ctx context.Context, filter InteractionFilter) (int, error) {
	where, args := filter.postgresWhere()
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}

	return count, nil
}

// Close closes the database connection.
func (s *PostgresInteractionStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
