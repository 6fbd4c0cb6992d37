package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS command_history (
	id            TEXT PRIMARY KEY,
	seq           INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	source        TEXT,
	status        TEXT NOT NULL,
	comment       TEXT,
	enqueued_at   TEXT NOT NULL,
	started_at    TEXT,
	finished_at   TEXT
);

CREATE TABLE IF NOT EXISTS provenance_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id   TEXT NOT NULL,
	trigger_type  TEXT NOT NULL,
	record_json   TEXT,
	outcome       TEXT NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watchdog (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	last_bark     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS device_state (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	state_json    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct

// Store persists command history, decision provenance, the watchdog
// timestamp and the last device state in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region commands

// RecordCommand upserts a command by ID.
func (s *Store) RecordCommand(ctx context.Context, cmd queue.Command) error {
	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO command_history (id, seq, kind, payload_json, source, status, comment, enqueued_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			comment = excluded.comment,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		cmd.ID, cmd.Seq, string(cmd.Kind), string(payload), nullIfEmpty(cmd.Source),
		string(cmd.Status), nullIfEmpty(cmd.Comment),
		formatTime(cmd.EnqueuedAt), nullTime(cmd.StartedAt), nullTime(cmd.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

// ListCommands returns the most recent commands, newest first. A non-empty
// kind filters by command kind.
func (s *Store) ListCommands(ctx context.Context, kind string, limit int) ([]queue.Command, error) {
	query := `SELECT id, seq, kind, payload_json, source, status, comment, enqueued_at, started_at, finished_at
		FROM command_history`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY enqueued_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []queue.Command
	for rows.Next() {
		var cmd queue.Command
		var kindStr, payload, status, enqueued string
		var source, comment, started, finished sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Seq, &kindStr, &payload, &source, &status, &comment, &enqueued, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &cmd.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		cmd.Kind = queue.Kind(kindStr)
		cmd.Status = queue.Status(status)
		cmd.Source = source.String
		cmd.Comment = comment.String
		cmd.EnqueuedAt = parseTime(enqueued)
		cmd.StartedAt = parseTime(started.String)
		cmd.FinishedAt = parseTime(finished.String)
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// #endregion commands

// #region watchdog

// LastBark returns the zero time when the watchdog never fired.
func (s *Store) LastBark(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT last_bark FROM watchdog WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last bark: %w", err)
	}
	return parseTime(raw), nil
}

func (s *Store) RecordBark(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watchdog (id, last_bark) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET last_bark = excluded.last_bark`,
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("record bark: %w", err)
	}
	return nil
}

// #endregion watchdog

// #region device-state

// SaveDeviceState keeps the latest device state so a restart does not
// begin blind.
func (s *Store) SaveDeviceState(ctx context.Context, st pump.DeviceState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal device state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_state (id, state_json, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		string(raw), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save device state: %w", err)
	}
	return nil
}

// LoadDeviceState returns false when no state was saved yet.
func (s *Store) LoadDeviceState(ctx context.Context) (pump.DeviceState, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM device_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return pump.DeviceState{}, false, nil
	}
	if err != nil {
		return pump.DeviceState{}, false, fmt.Errorf("load device state: %w", err)
	}
	var st pump.DeviceState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return pump.DeviceState{}, false, fmt.Errorf("unmarshal device state: %w", err)
	}
	return st, true, nil
}

// #endregion device-state

// #region decisions

// ListDecisions returns the most recent provenance rows, newest first. A
// non-empty outcome filters by outcome.
func (s *Store) ListDecisions(ctx context.Context, outcome string, limit int) ([]DecisionRow, error) {
	query := `SELECT id, decision_id, trigger_type, record_json, outcome, reason, created_at FROM provenance_log`
	args := []any{}
	if outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, outcome)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var r DecisionRow
		var record, reason sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &r.DecisionID, &r.TriggerType, &record, &r.Outcome, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.RecordJSON = record.String
		r.Reason = reason.String
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion decisions

// #region helpers

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
