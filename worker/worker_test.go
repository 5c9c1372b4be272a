package worker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/GoCodeAlone/ratchet/bus"
	"github.com/GoCodeAlone/ratchet/event"
	"github.com/GoCodeAlone/ratchet/provider"
	"github.com/GoCodeAlone/ratchet/stage"
	"github.com/GoCodeAlone/ratchet/store"
)

// failingProvider always errors, letting worker tests exercise a genuine
// stage failure without a stage that sleeps or shells out.
type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }

func (failingProvider) Chat(context.Context, []provider.Message) (*provider.Response, error) {
	return nil, errors.New("provider unavailable")
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "ratchet-worker-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	st, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestWorkerRunSucceedsAndEmitsEventsInOrder(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	ctx := context.Background()
	st.CreateTask(ctx, "t1", "", "build a widget")

	var tail []event.Event
	w, handle := New(Config{
		TaskID:      "t1",
		Prompt:      "build a widget",
		Pipeline:    stage.NewSimulatedPipeline(),
		Store:       st,
		Bus:         b,
		MaxDuration: 10 * time.Second,
		OnEvent:     func(ev event.Event) { tail = append(tail, ev) },
	})

	w.Run(context.Background())

	if handle.State().Status != event.StatusSucceeded {
		t.Fatalf("final status = %q, want SUCCEEDED", handle.State().Status)
	}
	if handle.State().Progress != 1.0 {
		t.Fatalf("final progress = %v, want 1.0", handle.State().Progress)
	}

	if len(tail) == 0 {
		t.Fatal("no events were emitted")
	}
	for i, ev := range tail {
		if ev.EventID != int64(i+1) {
			t.Fatalf("event at index %d has EventID %d, want %d (ids must be strictly monotonic from 1)", i, ev.EventID, i+1)
		}
	}

	last := tail[len(tail)-1]
	if last.Kind != event.KindResult {
		t.Fatalf("last event kind = %q, want RESULT", last.Kind)
	}

	var stageStarts, stageCompletes int
	for _, ev := range tail {
		switch ev.Kind {
		case event.KindStageStart:
			stageStarts++
		case event.KindStageComplete:
			stageCompletes++
		}
	}
	if stageStarts != 3 || stageCompletes != 3 {
		t.Fatalf("stage starts=%d completes=%d, want 3/3 for the PM/Architect/Engineer pipeline", stageStarts, stageCompletes)
	}
}

func TestWorkerRunCancelledMidStageReportsCancelled(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	ctx := context.Background()
	st.CreateTask(ctx, "t1", "", "prompt")

	w, handle := New(Config{
		TaskID:      "t1",
		Prompt:      "prompt",
		Pipeline:    stage.NewSimulatedPipeline(),
		Store:       st,
		Bus:         b,
		MaxDuration: 30 * time.Second,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond) // let the PM stage start
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if handle.State().Status != event.StatusCancelled {
		t.Fatalf("final status = %q, want CANCELLED", handle.State().Status)
	}
	if handle.State().Progress == 1.0 {
		t.Fatal("progress snapped to 1.0 on a cancelled run; it must hold its last fractional value")
	}
	if handle.State().CurrentStage != "" {
		t.Fatalf("CurrentStage = %q, want cleared on a cancelled run", handle.State().CurrentStage)
	}

	runs, err := st.ListAgentRuns(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListAgentRuns: %v", err)
	}
	if len(runs) == 0 {
		t.Fatal("no agent runs were recorded")
	}
	last := runs[len(runs)-1]
	if last.Status != store.AgentRunCancelled {
		t.Fatalf("last agent run status = %q, want CANCELLED", last.Status)
	}
}

func TestWorkerRunDeadlineExceededReportsFailed(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	ctx := context.Background()
	st.CreateTask(ctx, "t1", "", "prompt")

	var tail []event.Event
	w, handle := New(Config{
		TaskID:      "t1",
		Prompt:      "prompt",
		Pipeline:    stage.NewSimulatedPipeline(),
		Store:       st,
		Bus:         b,
		MaxDuration: 10 * time.Millisecond,
		OnEvent:     func(ev event.Event) { tail = append(tail, ev) },
	})

	w.Run(context.Background())

	if handle.State().Status != event.StatusFailed {
		t.Fatalf("final status = %q, want FAILED", handle.State().Status)
	}
	if handle.State().CurrentStage != "" {
		t.Fatalf("CurrentStage = %q, want cleared on a deadline-exceeded run", handle.State().CurrentStage)
	}

	var sawExceeded bool
	for _, ev := range tail {
		if ev.Kind == event.KindError && ev.Payload.Message == "exceeded maximum duration" {
			sawExceeded = true
		}
	}
	if !sawExceeded {
		t.Fatal("no ERROR event reporting the exceeded duration was emitted")
	}
}

func TestWorkerRunStageErrorReportsFailedAndClearsCurrentStage(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	ctx := context.Background()
	st.CreateTask(ctx, "t1", "", "prompt")

	w, handle := New(Config{
		TaskID:      "t1",
		Prompt:      "prompt",
		Pipeline:    stage.NewProviderPipeline(failingProvider{}),
		Store:       st,
		Bus:         b,
		MaxDuration: 10 * time.Second,
	})

	w.Run(context.Background())

	if handle.State().Status != event.StatusFailed {
		t.Fatalf("final status = %q, want FAILED", handle.State().Status)
	}
	if handle.State().CurrentStage != "" {
		t.Fatalf("CurrentStage = %q, want cleared on a stage-error run", handle.State().CurrentStage)
	}

	runs, err := st.ListAgentRuns(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListAgentRuns: %v", err)
	}
	if len(runs) == 0 {
		t.Fatal("no agent runs were recorded")
	}
	if runs[0].Status != store.AgentRunFailed {
		t.Fatalf("agent run status = %q, want FAILED", runs[0].Status)
	}
}
