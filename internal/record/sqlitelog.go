package record

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLog implements Log on SQLite, for deployments that want the plan
// history queryable rather than one file per plan.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (creating if needed) a SQLite-backed record log.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	log := &SQLiteLog{db: db}
	if err := log.init(); err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

// init creates the database schema.
func (l *SQLiteLog) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		plan_id TEXT PRIMARY KEY,
		session_id TEXT,
		description TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		plan_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		step_id TEXT,
		capability TEXT,
		status TEXT,
		pass INTEGER,
		content TEXT,
		error TEXT,
		duration_ms INTEGER,
		PRIMARY KEY (plan_id, seq),
		FOREIGN KEY (plan_id) REFERENCES plans(plan_id)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
	CREATE INDEX IF NOT EXISTS idx_plans_created ON plans(created_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Create registers a plan.
func (l *SQLiteLog) Create(h Header) error {
	_, err := l.db.Exec(`
		INSERT INTO plans (plan_id, session_id, description, created_at)
		VALUES (?, ?, ?, ?)
	`, h.PlanID, h.SessionID, h.Description, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	return nil
}

// Append inserts an entry.
func (l *SQLiteLog) Append(planID string, e Entry) error {
	_, err := l.db.Exec(`
		INSERT INTO entries (plan_id, seq, type, timestamp, step_id, capability, status, pass, content, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, planID, e.Seq, e.Type, e.Timestamp, e.StepID, e.Capability, e.Status, e.Pass, e.Content, e.Error, e.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// Read loads a plan's record in sequence order.
func (l *SQLiteLog) Read(planID string) (Header, []Entry, error) {
	var h Header
	err := l.db.QueryRow(`
		SELECT plan_id, session_id, description, created_at FROM plans WHERE plan_id = ?
	`, planID).Scan(&h.PlanID, &h.SessionID, &h.Description, &h.CreatedAt)
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to load plan: %w", err)
	}

	rows, err := l.db.Query(`
		SELECT seq, type, timestamp, step_id, capability, status, pass, content, error, duration_ms
		FROM entries WHERE plan_id = ? ORDER BY seq
	`, planID)
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{PlanID: planID}
		if err := rows.Scan(&e.Seq, &e.Type, &e.Timestamp, &e.StepID, &e.Capability, &e.Status, &e.Pass, &e.Content, &e.Error, &e.DurationMs); err != nil {
			return Header{}, nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return h, entries, rows.Err()
}

// List returns all plan headers, newest first.
func (l *SQLiteLog) List() ([]Header, error) {
	rows, err := l.db.Query(`
		SELECT plan_id, session_id, description, created_at FROM plans ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var headers []Header
	for rows.Next() {
		var h Header
		if err := rows.Scan(&h.PlanID, &h.SessionID, &h.Description, &h.CreatedAt); err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
