package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/ratchet/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT,
	input_prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	result_summary TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	stage_name TEXT,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_task_created ON event_log(task_id, created_at);

CREATE TABLE IF NOT EXISTS agent_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	stage_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	output_summary TEXT
);
CREATE INDEX IF NOT EXISTS idx_agent_run_task_started ON agent_runs(task_id, started_at);
`

// SQLiteStore is the reference Durable Store backing, using the pure-Go
// modernc.org/sqlite driver (no cgo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// applies the schema. A single open connection is enforced to avoid
// SQLITE_BUSY errors from concurrent writers, matching the reference
// backing's expected write pattern: short-lived, one-at-a-time writes
// from many task Workers.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SQLiteStore) CreateTask(ctx context.Context, id, title, inputPrompt string) (*Task, error) {
	if id == "" {
		id = newID()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, input_prompt, status, result_summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, ?)`,
		id, title, inputPrompt, string(event.StatusPending), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &Task{
		ID:          id,
		Title:       title,
		InputPrompt: inputPrompt,
		Status:      event.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var t Task
	var status string
	var createdAt, updatedAt string
	if err := sc.Scan(&t.ID, &t.Title, &t.InputPrompt, &status, &t.ResultSummary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = event.Status(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func (s *SQLiteStore) FetchTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, input_prompt, status, result_summary, created_at, updated_at FROM tasks WHERE id = ?`,
		taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, title, input_prompt, status, result_summary, created_at, updated_at FROM tasks`)
	var args []any
	if filter.Status != nil {
		b.WriteString(` WHERE status = ?`)
		args = append(args, string(*filter.Status))
	}
	b.WriteString(` ORDER BY created_at DESC`)
	if filter.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			b.WriteString(` OFFSET ?`)
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status event.Status, resultSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result_summary = ?, updated_at = ? WHERE id = ?`,
		string(status), resultSummary, time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskTitle(ctx context.Context, taskID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("update task title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task title: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, taskID string, kind event.Kind, stageName string, payload event.Payload) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log (task_id, kind, stage_name, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, string(kind), stageName, string(payloadJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) FetchEvents(ctx context.Context, taskID string, sinceID int64, limit int) ([]StoredEvent, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, task_id, kind, stage_name, payload, created_at FROM event_log WHERE task_id = ?`)
	args := []any{taskID}
	if sinceID > 0 {
		b.WriteString(` AND id > ?`)
		args = append(args, sinceID)
	}
	b.WriteString(` ORDER BY created_at ASC, id ASC`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var kind, payloadJSON, createdAt string
		var stageName sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &kind, &stageName, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = event.Kind(kind)
		e.StageName = stageName.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StartAgentRun(ctx context.Context, taskID, stageName string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (task_id, stage_name, status, started_at) VALUES (?, ?, ?, ?)`,
		taskID, stageName, string(AgentRunStarted), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("start agent run: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) FinishAgentRun(ctx context.Context, runID int64, status AgentRunStatus, outputSummary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, finished_at = ?, output_summary = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), outputSummary, runID,
	)
	if err != nil {
		return fmt.Errorf("finish agent run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAgentRuns(ctx context.Context, taskID string) ([]AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, stage_name, status, started_at, finished_at, output_summary FROM agent_runs WHERE task_id = ? ORDER BY started_at ASC, id ASC`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	var out []AgentRun
	for rows.Next() {
		var r AgentRun
		var status, startedAt string
		var finishedAt, outputSummary sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.StageName, &status, &startedAt, &finishedAt, &outputSummary); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		r.Status = AgentRunStatus(status)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.OutputSummary = outputSummary.String
		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
			if err == nil {
				r.FinishedAt = &t
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
