// Package journal keeps a durable record of hits in SQLite.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aivorynet/ipa-go/pkg/capture"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by Get for an unknown capture id.
var ErrNotFound = errors.New("hit not found")

// Store is a SQLite hit journal. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Entry is one journaled hit.
type Entry struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	Seq          uint64 `json:"seq"`
	Reason       string `json:"reason"`
	Slot         int    `json:"slot"`
	BreakpointID int    `json:"breakpoint_id,omitempty"`
	Location     int    `json:"location,omitempty"`
	Thread       int64  `json:"thread"`
	File         string `json:"file,omitempty"`
	Line         int    `json:"line,omitempty"`
	Function     string `json:"function,omitempty"`
	Exception    string `json:"exception,omitempty"`
	Fingerprint  string `json:"fingerprint"`
	CapturedAt   string `json:"captured_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	SessionID   string
	Reason      string
	Fingerprint string
	Limit       int
}

// Open creates or opens the journal at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends c. Recording the same capture twice is a no-op.
func (s *Store) Record(ctx context.Context, c *capture.HitCapture) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("record hit: %w", err)
	}

	var file, function string
	var line int
	if len(c.StackTrace) > 0 {
		top := c.StackTrace[0]
		file, function, line = top.FilePath, top.MethodName, top.LineNumber
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hits
		(id, session_id, seq, reason, slot, breakpoint_id, location, thread,
		 file, line, function, exception, fingerprint, capture, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		c.ID,
		c.SessionID,
		int64(c.Seq),
		c.Reason,
		c.Slot,
		c.BreakpointID,
		c.Location,
		c.Thread,
		file,
		line,
		function,
		c.Exception,
		c.Fingerprint,
		string(data),
		c.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("record hit: %w", err)
	}
	return nil
}

// List returns the journaled hits matching f, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, f.Reason)
	}
	if f.Fingerprint != "" {
		where = append(where, "fingerprint = ?")
		args = append(args, f.Fingerprint)
	}

	query := `SELECT id, session_id, seq, reason, slot, breakpoint_id, location, thread,
		file, line, function, exception, fingerprint, captured_at FROM hits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY captured_at, session_id, seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list hits: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var seq int64
		if err := rows.Scan(&e.ID, &e.SessionID, &seq, &e.Reason, &e.Slot, &e.BreakpointID,
			&e.Location, &e.Thread, &e.File, &e.Line, &e.Function, &e.Exception,
			&e.Fingerprint, &e.CapturedAt); err != nil {
			return nil, fmt.Errorf("list hits: %w", err)
		}
		e.Seq = uint64(seq)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list hits: %w", err)
	}
	return entries, nil
}

// Get returns the full capture recorded under id.
func (s *Store) Get(ctx context.Context, id string) (*capture.HitCapture, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT capture FROM hits WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get hit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get hit %s: %w", id, err)
	}

	var c capture.HitCapture
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("get hit %s: %w", id, err)
	}
	return &c, nil
}

// Count returns the number of journaled hits.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count hits: %w", err)
	}
	return n, nil
}
