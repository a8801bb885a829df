package audit

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a queryable index over the audit log, kept in SQLite. The
// JSONL chain stays the source of truth; the index exists so operators
// can filter by request, component, or decision without scanning every
// line.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	component   TEXT NOT NULL,
	session_id  TEXT,
	event_type  TEXT NOT NULL,
	decision    TEXT NOT NULL,
	level       TEXT,
	risk_score  INTEGER,
	line_hash   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_events(request_id);
CREATE INDEX IF NOT EXISTS idx_audit_component ON audit_events(component, ts);
CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_events(decision, ts);
`

// OpenStore opens (or creates) the index database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open index: %w", err)
	}
	// the single drain goroutine is the only writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert indexes one recorded entry under its line hash.
func (s *Store) Insert(entry Entry, lineHash string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_events (ts, request_id, component, session_id, event_type, decision, level, risk_score, line_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.RequestID, entry.Component, entry.SessionID,
		entry.EventType, entry.Decision, entry.Level, entry.RiskScore, lineHash,
	)
	if err != nil {
		return fmt.Errorf("audit: index insert: %w", err)
	}
	return nil
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	RequestID string
	Component string
	Decision  string
	EventType string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// IndexedEntry is one row from the index.
type IndexedEntry struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"ts"`
	RequestID string `json:"request_id"`
	Component string `json:"component"`
	SessionID string `json:"session_id,omitempty"`
	EventType string `json:"event_type"`
	Decision  string `json:"decision"`
	Level     string `json:"level,omitempty"`
	RiskScore int    `json:"risk_score"`
	LineHash  string `json:"line_hash"`
}

// Query returns indexed entries matching f, newest first.
func (s *Store) Query(f Filter) ([]IndexedEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.RequestID != "" {
		conds = append(conds, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.Component != "" {
		conds = append(conds, "component = ?")
		args = append(args, f.Component)
	}
	if f.Decision != "" {
		conds = append(conds, "decision = ?")
		args = append(args, f.Decision)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, f.Until.UTC().Format("2006-01-02T15:04:05.000Z"))
	}

	q := "SELECT id, ts, request_id, component, session_id, event_type, decision, level, risk_score, line_hash FROM audit_events"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: index query: %w", err)
	}
	defer rows.Close()

	var out []IndexedEntry
	for rows.Next() {
		var e IndexedEntry
		var session, level sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RequestID, &e.Component, &session, &e.EventType, &e.Decision, &level, &e.RiskScore, &e.LineHash); err != nil {
			return nil, fmt.Errorf("audit: index scan: %w", err)
		}
		e.SessionID = session.String
		e.Level = level.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the index database.
func (s *Store) Close() error { return s.db.Close() }
