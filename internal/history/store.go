// Package history is a local diagnostics ledger: a bounded
// record of recent poll cycles and task dispatches, kept strictly for
// operator inspection via the "kraken-agent history" subcommand. Nothing
// in the agent ever reads it back to make a scheduling decision. It is a
// migrate-then-query store wrapping *sql.DB against modernc.org/sqlite,
// with one exported method per access pattern rather than a general
// query builder.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

// PollEvent is a single recorded poll cycle outcome.
type PollEvent struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Status    model.AgentStatus `json:"status"`
	State     model.AgentState  `json:"state"`
	Outcome   string            `json:"outcome"`
}

// DispatchEvent is a single recorded task dispatch.
type DispatchEvent struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	TaskType  model.TaskType `json:"taskType"`
	TaskID    string         `json:"taskId"`
	Success   bool           `json:"success"`
	Detail    string         `json:"detail,omitempty"`
}

// Store is the diagnostics ledger. It retains at most maxRows of each kind,
// pruning the oldest on every insert so the database file never grows
// unbounded over the agent's lifetime.
type Store struct {
	db      *sql.DB
	maxRows int
}

// Open opens (creating if absent) a SQLite database at path and migrates
// its schema. maxRows bounds how many poll/dispatch rows are retained
// (cmd/kraken-agent passes 2000); a value <= 0 disables pruning.
func Open(path string, maxRows int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db, maxRows: maxRows}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS poll_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		outcome TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS dispatch_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		task_type TEXT NOT NULL,
		task_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		detail TEXT
	);`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// RecordPoll appends a poll-cycle outcome and prunes older rows beyond
// maxRows.
func (s *Store) RecordPoll(ctx context.Context, ev PollEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_events (timestamp, status, state, outcome) VALUES (?, ?, ?, ?)`,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Status), string(ev.State), ev.Outcome,
	)
	if err != nil {
		return fmt.Errorf("history: record poll: %w", err)
	}
	return s.prune(ctx, "poll_events")
}

// RecordDispatch appends a task dispatch result and prunes older rows
// beyond maxRows.
func (s *Store) RecordDispatch(ctx context.Context, ev DispatchEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_events (timestamp, task_type, task_id, success, detail) VALUES (?, ?, ?, ?, ?)`,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.TaskType), ev.TaskID, boolToInt(ev.Success), ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("history: record dispatch: %w", err)
	}
	return s.prune(ctx, "dispatch_events")
}

func (s *Store) prune(ctx context.Context, table string) error {
	if s.maxRows <= 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT ?)`, table, table)
	_, err := s.db.ExecContext(ctx, query, s.maxRows)
	return err
}

// RecentPolls returns up to limit of the most recent poll events, newest
// first.
func (s *Store) RecentPolls(ctx context.Context, limit int) ([]PollEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, status, state, outcome FROM poll_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query polls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PollEvent
	for rows.Next() {
		var ev PollEvent
		var ts string
		var status, state string
		if err := rows.Scan(&ev.ID, &ts, &status, &state, &ev.Outcome); err != nil {
			return nil, fmt.Errorf("history: scan poll: %w", err)
		}
		ev.Status, ev.State = model.AgentStatus(status), model.AgentState(state)
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentDispatches returns up to limit of the most recent task dispatches,
// newest first.
func (s *Store) RecentDispatches(ctx context.Context, limit int) ([]DispatchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, task_type, task_id, success, detail FROM dispatch_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query dispatches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DispatchEvent
	for rows.Next() {
		var ev DispatchEvent
		var ts, taskType string
		var success int
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ts, &taskType, &ev.TaskID, &success, &detail); err != nil {
			return nil, fmt.Errorf("history: scan dispatch: %w", err)
		}
		ev.TaskType = model.TaskType(taskType)
		ev.Success = success != 0
		ev.Detail = detail.String
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AsJSON renders a history snapshot for the CLI subcommand's output.
func AsJSON(polls []PollEvent, dispatches []DispatchEvent) ([]byte, error) {
	return json.MarshalIndent(struct {
		Polls      []PollEvent     `json:"polls"`
		Dispatches []DispatchEvent `json:"dispatches"`
	}{polls, dispatches}, "", "  ")
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
