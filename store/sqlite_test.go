package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/GoCodeAlone/ratchet/event"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "ratchet-store-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndFetchTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, "t1", "Build a widget", "build me a widget")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != event.StatusPending {
		t.Errorf("new task status = %q, want PENDING", task.Status)
	}

	got, err := st.FetchTask(ctx, "t1")
	if err != nil {
		t.Fatalf("FetchTask: %v", err)
	}
	if got.InputPrompt != "build me a widget" {
		t.Errorf("InputPrompt = %q, want %q", got.InputPrompt, "build me a widget")
	}
}

func TestFetchTaskNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.FetchTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchTask(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateTask(ctx, "t1", "", "prompt"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := st.UpdateTaskStatus(ctx, "t1", event.StatusSucceeded, "all done"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	got, err := st.FetchTask(ctx, "t1")
	if err != nil {
		t.Fatalf("FetchTask: %v", err)
	}
	if got.Status != event.StatusSucceeded {
		t.Errorf("Status = %q, want SUCCEEDED", got.Status)
	}
	if got.ResultSummary != "all done" {
		t.Errorf("ResultSummary = %q, want %q", got.ResultSummary, "all done")
	}
}

func TestUpdateTaskTitle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateTask(ctx, "t1", "original", "prompt"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := st.UpdateTaskTitle(ctx, "t1", "renamed"); err != nil {
		t.Fatalf("UpdateTaskTitle: %v", err)
	}

	got, err := st.FetchTask(ctx, "t1")
	if err != nil {
		t.Fatalf("FetchTask: %v", err)
	}
	if got.Title != "renamed" {
		t.Errorf("Title = %q, want %q", got.Title, "renamed")
	}
	if got.Status != event.StatusPending {
		t.Errorf("Status = %q, want unchanged PENDING", got.Status)
	}
}

func TestUpdateTaskTitleNotFound(t *testing.T) {
	st := newTestStore(t)
	if err := st.UpdateTaskTitle(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateTaskTitle error = %v, want ErrNotFound", err)
	}
}

func TestListTasksFilterByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	st.CreateTask(ctx, "t1", "", "p1")
	st.CreateTask(ctx, "t2", "", "p2")
	st.UpdateTaskStatus(ctx, "t2", event.StatusFailed, "boom")

	failed := event.StatusFailed
	tasks, err := st.ListTasks(ctx, TaskFilter{Status: &failed})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Fatalf("ListTasks(FAILED) = %+v, want only t2", tasks)
	}
}

func TestInsertAndFetchEventsOrderedWithSinceID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	st.CreateTask(ctx, "t1", "", "prompt")

	var lastID int64
	for i := 0; i < 3; i++ {
		id, err := st.InsertEvent(ctx, "t1", event.KindLog, "", event.Payload{Message: "step"})
		if err != nil {
			t.Fatalf("InsertEvent #%d: %v", i, err)
		}
		lastID = id
	}

	all, err := st.FetchEvents(ctx, "t1", 0, 0)
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("FetchEvents returned %d events, want 3", len(all))
	}

	since, err := st.FetchEvents(ctx, "t1", all[0].ID, 0)
	if err != nil {
		t.Fatalf("FetchEvents(sinceID): %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("FetchEvents(since first id) returned %d, want 2", len(since))
	}
	if since[len(since)-1].ID != lastID {
		t.Fatalf("last fetched event ID = %d, want %d", since[len(since)-1].ID, lastID)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	st.CreateTask(ctx, "t1", "", "prompt")
	st.InsertEvent(ctx, "t1", event.KindLog, "", event.Payload{Message: "hi"})
	st.StartAgentRun(ctx, "t1", "PM")

	if err := st.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	if _, err := st.FetchTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchTask after delete = %v, want ErrNotFound", err)
	}
	events, err := st.FetchEvents(ctx, "t1", 0, 0)
	if err != nil {
		t.Fatalf("FetchEvents after delete: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("FetchEvents after delete = %d rows, want 0 (cascade)", len(events))
	}
}

func TestStartAndFinishAgentRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	st.CreateTask(ctx, "t1", "", "prompt")

	runID, err := st.StartAgentRun(ctx, "t1", "Architect")
	if err != nil {
		t.Fatalf("StartAgentRun: %v", err)
	}
	if err := st.FinishAgentRun(ctx, runID, AgentRunCompleted, "designed the system"); err != nil {
		t.Fatalf("FinishAgentRun: %v", err)
	}

	runs, err := st.ListAgentRuns(ctx, "t1")
	if err != nil {
		t.Fatalf("ListAgentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].Status != AgentRunCompleted {
		t.Errorf("Status = %q, want COMPLETED", runs[0].Status)
	}
	if runs[0].FinishedAt == nil {
		t.Error("FinishedAt is nil, want set after FinishAgentRun")
	}
}
