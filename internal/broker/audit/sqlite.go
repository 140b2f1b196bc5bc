package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver, registered for database/sql
)

// SQLiteSink mirrors a copy of every audit event into a SQLite database,
// per SPEC_FULL.md §2's durable audit sink component. It is grounded on
// the teacher's internal/ruriko/store.New/WriteAudit: a single shared
// connection (SQLite is single-writer), WAL journaling, and a plain
// append-only table. Unlike the teacher's Store, SQLiteSink owns only the
// audit_log table — it does not run a migrations directory, since this is
// the only table the broker's durable sink needs.
//
// SQLiteSink is the authoritative store of record when present, but it is
// never the source of event ordering for in-process callers: the
// Emitter's in-memory sequence remains authoritative for that, per
// spec.md §4.2.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (creating if necessary) a SQLite database at path
// and ensures its schema exists.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: set pragma: %w", err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	event_type TEXT NOT NULL,
	trace_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	service TEXT NOT NULL,
	environment TEXT NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_trace_id ON audit_log (trace_id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Write inserts e as a new row. Redactions are folded into payload_json
// rather than given their own column, since they travel with the event
// envelope everywhere else.
func (s *SQLiteSink) Write(e Event) error {
	payload := struct {
		Payload    any     `json:"payload"`
		Redactions []any   `json:"redactions"`
	}{Payload: e.Payload}
	for _, r := range e.Redactions {
		payload.Redactions = append(payload.Redactions, r)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO audit_log (event_id, occurred_at, event_type, trace_id, request_id, requester_id, service, environment, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EventID, e.OccurredAt, e.EventType, e.TraceID, e.RequestID, e.RequesterID, e.Service, e.Environment, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
