package delegate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandRecord is a persisted, completed delegation kept for history
// and debugging.
type CommandRecord struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	Tool        string          `json:"tool"`
	Args        json.RawMessage `json:"args,omitempty"`
	State       State           `json:"state"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMs  int64           `json:"duration_ms"`
}

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRecordNotFound is returned by [CommandStore.Get] for an unknown id.
var ErrRecordNotFound = errors.New("command record not found")

// CommandStore persists completed command records in SQLite. It shares
// the caller's [sql.DB] and creates its own table on initialization.
type CommandStore struct {
	db *sql.DB
}

// NewCommandStore creates a command store on db, creating the commands
// table if it does not already exist.
func NewCommandStore(db *sql.DB) (*CommandStore, error) {
	s := &CommandStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("command store migrate: %w", err)
	}
	return s, nil
}

func (s *CommandStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS commands (
			id           TEXT PRIMARY KEY,
			device_id    TEXT NOT NULL,
			tool         TEXT NOT NULL,
			args         TEXT,
			state        TEXT NOT NULL,
			result       TEXT,
			error        TEXT,
			created_at   TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			duration_ms  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_commands_device
			ON commands(device_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_commands_created
			ON commands(created_at DESC);
	`)
	return err
}

// Record inserts a completed command. Recording the same id twice
// replaces the earlier row.
func (s *CommandStore) Record(rec *CommandRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO commands (
			id, device_id, tool, args, state, result, error,
			created_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.Tool,
		nullJSON(rec.Args), string(rec.State), nullJSON(rec.Result), rec.Error,
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.CompletedAt.UTC().Format(timeLayout),
		rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("record command %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a single command record by id.
func (s *CommandStore) Get(id string) (*CommandRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, device_id, tool, args, state, result, error,
			created_at, completed_at, duration_ms
		FROM commands WHERE id = ?`, id)
	rec, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// Recent returns command records newest-first. If limit is 0, all
// records are returned.
func (s *CommandStore) Recent(limit int) ([]*CommandRecord, error) {
	return s.list("", limit)
}

// ByDevice returns the records for one device, newest-first.
func (s *CommandStore) ByDevice(deviceID string, limit int) ([]*CommandRecord, error) {
	return s.list(deviceID, limit)
}

func (s *CommandStore) list(deviceID string, limit int) ([]*CommandRecord, error) {
	query := `
		SELECT id, device_id, tool, args, state, result, error,
			created_at, completed_at, duration_ms
		FROM commands`
	var args []any
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CommandRecord
	for rows.Next() {
		rec, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(s scanner) (*CommandRecord, error) {
	var rec CommandRecord
	var args, result, errStr sql.NullString
	var state, createdAt, completedAt string

	err := s.Scan(
		&rec.ID, &rec.DeviceID, &rec.Tool,
		&args, &state, &result, &errStr,
		&createdAt, &completedAt, &rec.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	rec.State = State(state)
	rec.Error = errStr.String
	if args.Valid && args.String != "" {
		rec.Args = json.RawMessage(args.String)
	}
	if result.Valid && result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.CompletedAt, _ = time.Parse(timeLayout, completedAt)

	return &rec, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
