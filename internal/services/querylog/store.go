package querylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/campus-answer-bot-go/internal/models"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const timeLayout = "2006-01-02T15:04:05.000000"

const createTable = `
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT,
	intent TEXT,
	status TEXT,
	created_at TEXT
)`

// Store persists one row per answered query.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the query log database at path and brings
// its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open query log: %w", err)
	}
	// One connection: SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragma: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(fmt.Sprintf(createTable, "query_logs")); err != nil {
		return fmt.Errorf("failed to create query_logs: %w", err)
	}

	cols, err := s.columns("query_logs")
	if err != nil {
		return err
	}
	if !cols["confidence"] {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	steps := []string{
		fmt.Sprintf(createTable, "query_logs_new"),
		`INSERT INTO query_logs_new (id, query, intent, status, created_at)
		 SELECT id, query, intent, status, created_at FROM query_logs`,
		"DROP TABLE query_logs",
		"ALTER TABLE query_logs_new RENAME TO query_logs",
	}
	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return fmt.Errorf("failed to migrate query_logs: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) columns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Record appends a row for an answered query.
func (s *Store) Record(ctx context.Context, query, intent, status string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO query_logs (query, intent, status, created_at) VALUES (?, ?, ?, ?)",
		query, intent, status, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.QueryLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, intent, status, created_at
		FROM query_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []models.QueryLog
	for rows.Next() {
		var (
			entry                 models.QueryLog
			query, intent, status sql.NullString
			createdAt             sql.NullString
		)
		if err := rows.Scan(&entry.ID, &query, &intent, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entry.Query = query.String
		entry.Intent = intent.String
		entry.Status = status.String
		entry.CreatedAt = parseTime(createdAt.String)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func parseTime(value string) time.Time {
	for _, layout := range []string{timeLayout, "2006-01-02T15:04:05", time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
