// Package store defines the Durable Store: the append-only event log, the
// task record, and the per-stage-run record, plus a SQLite reference
// implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/GoCodeAlone/ratchet/event"
)

// ErrNotFound is returned when a task identifier does not exist.
var ErrNotFound = errors.New("not found")

// Task is the durable task record. The Worker never reads fields other
// than ID and InputPrompt; every other field is owned by the store and
// mutated only through UpdateTaskStatus and UpdateTaskTitle.
type Task struct {
	ID            string       `json:"id"`
	Title         string       `json:"title,omitempty"`
	InputPrompt   string       `json:"input_prompt"`
	Status        event.Status `json:"status"`
	ResultSummary string       `json:"result_summary,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// AgentRunStatus mirrors the per-stage-invocation lifecycle.
type AgentRunStatus string

const (
	AgentRunStarted   AgentRunStatus = "STARTED"
	AgentRunRunning   AgentRunStatus = "RUNNING"
	AgentRunCompleted AgentRunStatus = "COMPLETED"
	AgentRunFailed    AgentRunStatus = "FAILED"
	AgentRunCancelled AgentRunStatus = "CANCELLED"
)

// AgentRun is one durable record of a single stage invocation.
type AgentRun struct {
	ID            int64          `json:"id"`
	TaskID        string         `json:"task_id"`
	StageName     string         `json:"stage_name"`
	Status        AgentRunStatus `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	OutputSummary string         `json:"output_summary,omitempty"`
}

// StoredEvent is one durable event-log row.
type StoredEvent struct {
	ID        int64         `json:"id"`
	TaskID    string        `json:"task_id"`
	Kind      event.Kind    `json:"kind"`
	StageName string        `json:"stage_name,omitempty"`
	Payload   event.Payload `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status *event.Status
	Limit  int
	Offset int
}

// Store is the shape the engine requires of a durable backing. The
// reference implementation is a relational database (see sqlite.go);
// any implementation must be safe for concurrent use from multiple
// goroutines with no shared session state.
type Store interface {
	// CreateTask inserts a new task record in PENDING status.
	CreateTask(ctx context.Context, id, title, inputPrompt string) (*Task, error)
	// FetchTask returns the task record, or an error wrapping ErrNotFound
	// (match it with errors.Is).
	FetchTask(ctx context.Context, taskID string) (*Task, error)
	// ListTasks returns tasks matching filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// DeleteTask removes a task and cascades to its events and agent runs.
	DeleteTask(ctx context.Context, taskID string) error
	// UpdateTaskStatus transitions a task's status and optionally sets a
	// result or error summary. UpdatedAt is advanced unconditionally.
	UpdateTaskStatus(ctx context.Context, taskID string, status event.Status, resultSummary string) error
	// UpdateTaskTitle renames a task. UpdatedAt is advanced unconditionally.
	UpdateTaskTitle(ctx context.Context, taskID, title string) error

	// InsertEvent appends one durable event-log row and returns its
	// assigned durable ID. It is independent of the in-memory event_id:
	// the reference implementation draws it from one sequence shared by
	// all tasks, so it differs from event_id once more than one task has
	// events.
	InsertEvent(ctx context.Context, taskID string, kind event.Kind, stageName string, payload event.Payload) (int64, error)
	// FetchEvents returns events for a task in insertion order, optionally
	// filtered to those after sinceID and capped at limit (0 = no cap).
	FetchEvents(ctx context.Context, taskID string, sinceID int64, limit int) ([]StoredEvent, error)

	// StartAgentRun creates an AgentRun row in STARTED status.
	StartAgentRun(ctx context.Context, taskID, stageName string) (int64, error)
	// FinishAgentRun finalizes an AgentRun row.
	FinishAgentRun(ctx context.Context, runID int64, status AgentRunStatus, outputSummary string) error
	// ListAgentRuns returns the per-stage runs for a task in start order.
	ListAgentRuns(ctx context.Context, taskID string) ([]AgentRun, error)
}
