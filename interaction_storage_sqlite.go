package dualai

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteInteractionStorage is an SQLite implementation of InteractionStorage.
type SQLiteInteractionStorage struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger Logger
}

// NewSQLiteInteractionStorage opens (or creates) the SQLite database at the
// given path and initializes the schema.
func NewSQLiteInteractionStorage(databasePath string, logger Logger) (*SQLiteInteractionStorage, error) {
	db, err := sql.Open("sqlite3", databasePath+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &SQLiteInteractionStorage{
		db:     db,
		logger: logger,
	}

	if err := storage.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return storage, nil
}

// initSchema creates the interactions table and its indexes if absent.
func (s *SQLiteInteractionStorage) initSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		interaction_type TEXT NOT NULL,
		api_provider TEXT NOT NULL,
		interaction_data TEXT NOT NULL DEFAULT '{}',
		interaction_time DATETIME NOT NULL,
		user_id INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL
	);`

	createTimeIndexSQL := `
	CREATE INDEX IF NOT EXISTS idx_interactions_time ON interactions (interaction_time);
	`

	createProviderIndexSQL := `
	CREATE INDEX IF NOT EXISTS idx_interactions_provider ON interactions (api_provider);
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema init: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create interactions table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, createTimeIndexSQL); err != nil {
		return fmt.Errorf("failed to create interactions time index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, createProviderIndexSQL); err != nil {
		return fmt.Errorf("failed to create interactions provider index: %w", err)
	}

	return tx.Commit()
}

// Insert appends one interaction row and fills in the assigned id.
func (s *SQLiteInteractionStorage) Insert(ctx context.Context, in *Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.Time.IsZero() {
		in.Time = time.Now().UTC()
	}

	insertSQL := `
	INSERT INTO interactions (interaction_type, api_provider, interaction_data, interaction_time, user_id, session_id)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, insertSQL,
		in.Type, in.Provider, in.Data, in.Time.UTC(), in.UserID, in.SessionID)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted interaction id: %w", err)
	}
	in.ID = id

	return nil
}

func (f InteractionFilter) sqliteWhere() (string, []interface{}) {
	clauses := []string{"1=1"}
	var args []interface{}

	if !f.StartDate.IsZero() {
		clauses = append(clauses, "interaction_time >= ?")
		args = append(args, dayStart(f.StartDate))
	}
	if !f.EndDate.IsZero() {
		clauses = append(clauses, "interaction_time < ?")
		args = append(args, dayStart(f.EndDate).AddDate(0, 0, 1))
	}
	if f.Provider != "" {
		clauses = append(clauses, "api_provider = ?")
		args = append(args, f.Provider)
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

// List returns matching interaction rows, newest first.
func (s *SQLiteInteractionStorage) List(ctx context.Context, filter InteractionFilter) ([]Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filter.sqliteWhere()
	query := `
	SELECT id, interaction_type, api_provider, interaction_data, interaction_time, user_id, session_id
	FROM interactions ` + where + ` ORDER BY interaction_time DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
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
func (s *SQLiteInteractionStorage) Count(ctx context.Context, filter InteractionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filter.sqliteWhere()
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}

	return count, nil
}

// Close closes the database connection.
func (s *SQLiteInteractionStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
