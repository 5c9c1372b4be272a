// Package worker implements the per-task Worker: the background
// execution unit that drives the Stage Pipeline, emits events, updates
// task state, dual-writes to the Durable Store and Subscription Bus, and
// guarantees teardown on every exit path.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/ratchet/bus"
	"github.com/GoCodeAlone/ratchet/event"
	"github.com/GoCodeAlone/ratchet/stage"
	"github.com/GoCodeAlone/ratchet/store"
)

// Handle is the Registry's view of a running Worker: enough to cancel it
// and read its live state without touching the Worker's internals.
type Handle struct {
	TaskID string
	Cancel context.CancelFunc

	mu    sync.RWMutex
	state event.TaskState
}

// State returns a copy of the Worker's current snapshot.
func (h *Handle) State() event.TaskState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Clone()
}

func (h *Handle) setState(s event.TaskState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Worker drives exactly one task's pipeline to completion.
type Worker struct {
	taskID      string
	prompt      string
	pipeline    *stage.Pipeline
	store       store.Store
	bus         *bus.Bus
	logger      *slog.Logger
	maxDuration time.Duration

	handle *Handle

	emitMu sync.Mutex
	nextID int64
	tailFn func(event.Event) // Registry's tail-buffer append callback
}

// Config bundles a Worker's collaborators. It replaces what would, in a
// framework-based design, live on a shared agent.Config: every field a
// Worker actually needs to drive one task, named explicitly instead of
// threaded through a service registry.
type Config struct {
	TaskID      string
	Prompt      string
	Pipeline    *stage.Pipeline
	Store       store.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
	MaxDuration time.Duration
	// OnEvent is invoked synchronously, in emission order, for every
	// event this Worker emits. The Registry uses it to maintain its
	// tail buffer. May be nil.
	OnEvent func(event.Event)
}

// New constructs a Worker and its Handle. The Worker does not start
// running until Run is called on its own goroutine.
func New(cfg Config) (*Worker, *Handle) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handle := &Handle{
		TaskID: cfg.TaskID,
		state: event.TaskState{
			TaskID:    cfg.TaskID,
			Status:    event.StatusPending,
			StartedAt: time.Now().UTC(),
		},
	}
	w := &Worker{
		taskID:      cfg.TaskID,
		prompt:      cfg.Prompt,
		pipeline:    cfg.Pipeline,
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      logger.With("task_id", cfg.TaskID),
		maxDuration: cfg.MaxDuration,
		handle:      handle,
		tailFn:      cfg.OnEvent,
	}
	return w, handle
}

// Run executes the task end to end. It must be called on its own
// goroutine by the caller (typically the Registry); Run blocks until the
// task reaches a terminal state or is cancelled, and guarantees teardown
// on every exit path before returning.
func (w *Worker) Run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, w.maxDuration)
	w.handle.Cancel = cancel
	defer cancel()

	defer w.teardown()

	w.setStatus(event.StatusRunning, "")
	w.emit(ctx, event.KindLog, "", event.Payload{Message: "Starting task"})

	result, stageErr := w.runPipeline(ctx)

	switch {
	case stageErr == nil:
		w.setProgress(1.0)
		w.setStatus(event.StatusSucceeded, "")
		w.emit(ctx, event.KindResult, "", event.Payload{Result: result})
	case ctx.Err() == context.DeadlineExceeded:
		w.setCurrentStage("")
		w.setStatus(event.StatusFailed, "exceeded maximum duration")
		w.emit(ctx, event.KindError, "", event.Payload{Message: "exceeded maximum duration"})
	case ctx.Err() == context.Canceled:
		w.setCurrentStage("")
		w.setStatus(event.StatusCancelled, "cancelled")
		w.emit(ctx, event.KindError, "", event.Payload{Message: "cancelled"})
	default:
		w.setCurrentStage("")
		w.setStatus(event.StatusFailed, stageErr.Error())
		w.emit(ctx, event.KindError, "", event.Payload{Message: "stage error", Detail: stageErr.Error()})
	}
}

// runPipeline walks the Stage Pipeline in order, returning the aggregate
// result on success or the first stage error.
func (w *Worker) runPipeline(ctx context.Context) (map[string]any, error) {
	n := len(w.pipeline.Stages)
	input := w.prompt
	artifacts := make(map[string]string, n)
	var lastExecOutput string

	for i, st := range w.pipeline.Stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := st.Name()
		w.setCurrentStage(name)
		w.emit(ctx, event.KindStageStart, name, event.Payload{Message: fmt.Sprintf("%s started working", name)})

		runID, runErr := w.store.StartAgentRun(context.WithoutCancel(ctx), w.taskID, name)
		if runErr != nil {
			w.logger.Warn("persist agent run start failed", "stage", name, "error", runErr)
		}

		sctx := &stage.Context{
			StageName: name,
			Emit: func(kind event.Kind, payload event.Payload) {
				w.emit(ctx, kind, name, payload)
			},
		}

		out, err := st.Run(ctx, input, sctx)
		if err != nil {
			if runErr == nil {
				runStatus := store.AgentRunFailed
				if ctx.Err() == context.Canceled {
					runStatus = store.AgentRunCancelled
				}
				w.finishAgentRun(runID, runStatus, err.Error())
			}
			return nil, err
		}

		if runErr == nil {
			w.finishAgentRun(runID, store.AgentRunCompleted, fmt.Sprintf("%s completed successfully", name))
		}

		artifacts[name] = out.Artifact
		if out.ExecutionOutput != "" {
			lastExecOutput = out.ExecutionOutput
		}
		input = out.Artifact

		w.emit(ctx, event.KindStageComplete, name, event.Payload{Message: fmt.Sprintf("%s completed", name)})
		w.setProgress(float64(i+1) / float64(n))
	}

	w.setCurrentStage("")
	result := map[string]any{
		"artifacts": artifacts,
	}
	if lastExecOutput != "" {
		result["execution_result"] = lastExecOutput
	}
	return result, nil
}

func (w *Worker) finishAgentRun(runID int64, status store.AgentRunStatus, summary string) {
	if err := w.store.FinishAgentRun(context.Background(), runID, status, summary); err != nil {
		w.logger.Warn("persist agent run finish failed", "run_id", runID, "error", err)
	}
}

// emit is the single entrypoint for producing an Event: it assigns the
// monotonic per-task event_id under the emission lock, appends to the
// Registry's tail buffer, attempts a durable write (non-fatal on
// failure), and fans out via the Subscription Bus, in that order, per
// the Worker contract.
func (w *Worker) emit(ctx context.Context, kind event.Kind, stageName string, payload event.Payload) {
	w.emitMu.Lock()
	w.nextID++
	id := w.nextID
	w.emitMu.Unlock()

	ev := event.Event{
		EventID:   id,
		TaskID:    w.taskID,
		Timestamp: time.Now().UTC(),
		StageName: stageName,
		Kind:      kind,
		Payload:   payload,
	}

	if w.tailFn != nil {
		w.tailFn(ev)
	}

	if _, err := w.store.InsertEvent(context.WithoutCancel(ctx), w.taskID, kind, stageName, payload); err != nil {
		w.logger.Warn("durable event write failed", "event_id", id, "error", err)
	}

	w.bus.Publish(ev)
}

func (w *Worker) setStatus(status event.Status, resultSummary string) {
	s := w.handle.State()
	s.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}
	w.handle.setState(s)

	if err := w.store.UpdateTaskStatus(context.Background(), w.taskID, status, resultSummary); err != nil {
		w.logger.Warn("durable status update failed", "status", status, "error", err)
	}
}

func (w *Worker) setProgress(p float64) {
	s := w.handle.State()
	if p > s.Progress {
		s.Progress = p
	}
	w.handle.setState(s)
}

func (w *Worker) setCurrentStage(name string) {
	s := w.handle.State()
	s.CurrentStage = name
	if name != "" {
		s.LastMessage = fmt.Sprintf("%s is working", name)
	}
	w.handle.setState(s)
}

// teardown runs unconditionally on Run's return, regardless of exit path:
// it is the Worker's guaranteed release point. Removing the Worker's
// handle from the Registry is the Registry's own responsibility (it owns
// the map); the Worker's contribution to teardown is limited to what it
// alone owns — its scheduling loop already exited by the time this runs,
// since teardown is deferred at the top of Run.
func (w *Worker) teardown() {
	w.logger.Debug("worker teardown complete")
}
