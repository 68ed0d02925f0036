// Package journal keeps an append-only record of every venue action the
// orchestrator attempted, one row per attempt. It is a second audit
// surface next to the transition log: the log tells the story, the
// journal holds the receipts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"portage/internal/migration"
)

// Store wraps a sqlite database for tick receipts.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ migration.Journal = (*Store)(nil)

// Entry is one journal row as returned to readers.
type Entry struct {
	ID           int64     `json:"id"`
	TransitionID string    `json:"transition_id"`
	PositionID   string    `json:"position_id"`
	Symbol       string    `json:"symbol"`
	Action       string    `json:"action"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Open opens or creates the sqlite database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tick_journal (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			transition_id TEXT NOT NULL,
			position_id   TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			action        TEXT NOT NULL,
			outcome       TEXT NOT NULL,
			detail        TEXT,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			ts_ms         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tick_journal_transition
			ON tick_journal(transition_id, ts_ms);
	`)
	return err
}

// Close closes the underlying db.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Record appends one attempt receipt.
func (s *Store) Record(ctx context.Context, e migration.JournalEntry) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("journal not initialized")
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tick_journal(transition_id, position_id, symbol, action, outcome, detail, duration_ms, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TransitionID, e.PositionID, e.Symbol, string(e.Action), e.Outcome, e.Detail,
		e.Duration.Milliseconds(), ts.UnixMilli())
	return err
}

// List returns the newest limit receipts for a transition, oldest
// first.
func (s *Store) List(ctx context.Context, transitionID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("journal not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, transition_id, position_id, symbol, action, outcome, COALESCE(detail, ''), duration_ms, ts_ms
		FROM tick_journal
		WHERE transition_id = ?
		ORDER BY ts_ms DESC, id DESC
		LIMIT ?`, transitionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tsMs int64
		if err := rows.Scan(&e.ID, &e.TransitionID, &e.PositionID, &e.Symbol, &e.Action,
			&e.Outcome, &e.Detail, &e.DurationMs, &tsMs); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(tsMs)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
