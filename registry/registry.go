// Package registry implements the Task Registry: the process-wide
// mapping from task_id to running Worker handle, with lookup,
// cancellation, current-state snapshots, and an in-memory tail buffer of
// recently emitted events per task.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/ratchet/bus"
	"github.com/GoCodeAlone/ratchet/event"
	"github.com/GoCodeAlone/ratchet/stage"
	"github.com/GoCodeAlone/ratchet/store"
	"github.com/GoCodeAlone/ratchet/worker"
)

// ErrAlreadyRunning is returned by Start when a Worker for task_id is
// already tracked by the Registry.
var ErrAlreadyRunning = errors.New("task already running")

// tailCapacity bounds the in-memory event tail kept per task, mirroring
// the bounded-history trim pattern used for the in-process message bus
// this codebase's teacher ships elsewhere.
const tailCapacity = 256

type entry struct {
	handle *worker.Handle
	cancel context.CancelFunc

	mu   sync.Mutex
	tail []event.Event
}

// Registry is the single process-wide source of truth for "is task T
// running?" and "what is T's current snapshot?". Its map is guarded by a
// mutex; every method is short and non-blocking.
type Registry struct {
	store   store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	newPipe func() *stage.Pipeline
	maxDur  time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Registry. newPipeline is called once per Start to
// build a fresh Stage Pipeline for that task; pass stage.NewSimulatedPipeline
// for test mode.
func New(st store.Store, b *bus.Bus, logger *slog.Logger, maxDuration time.Duration, newPipeline func() *stage.Pipeline) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   st,
		bus:     b,
		logger:  logger,
		newPipe: newPipeline,
		maxDur:  maxDuration,
		entries: make(map[string]*entry),
	}
}

// Start spawns a Worker for taskID on its own goroutine. It fails with
// ErrAlreadyRunning if a Worker handle already exists for taskID.
func (r *Registry) Start(ctx context.Context, taskID, prompt string) error {
	r.mu.Lock()
	if _, ok := r.entries[taskID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	w, handle := worker.New(worker.Config{
		TaskID:      taskID,
		Prompt:      prompt,
		Pipeline:    r.newPipe(),
		Store:       r.store,
		Bus:         r.bus,
		Logger:      r.logger,
		MaxDuration: r.maxDur,
		OnEvent:     func(ev event.Event) { r.appendTail(taskID, ev) },
	})
	r.entries[taskID] = &entry{handle: handle, cancel: cancel}
	r.mu.Unlock()

	go func() {
		w.Run(runCtx)
		cancel()
		r.mu.Lock()
		delete(r.entries, taskID)
		r.mu.Unlock()
	}()

	return nil
}

func (r *Registry) appendTail(taskID string, ev event.Event) {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.tail = append(e.tail, ev)
	if len(e.tail) > tailCapacity {
		e.tail = e.tail[len(e.tail)-tailCapacity:]
	}
	e.mu.Unlock()
}

// StateSnapshot returns a copy of taskID's current TaskState, or false if
// no Worker is currently tracked for it.
func (r *Registry) StateSnapshot(taskID string) (event.TaskState, bool) {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return event.TaskState{}, false
	}
	return e.handle.State(), true
}

// EventsSince returns the tail-buffered events for taskID with event_id
// greater than sinceID. Callers must fall back to the Durable Store if
// the Registry no longer tracks the task or the tail has been trimmed
// past what they need.
func (r *Registry) EventsSince(taskID string, sinceID int64) []event.Event {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]event.Event, 0, len(e.tail))
	for _, ev := range e.tail {
		if ev.EventID > sinceID {
			out = append(out, ev)
		}
	}
	return out
}

// Stop signals cancellation to taskID's Worker, if one is running. It
// returns whether a Worker was actually signalled, and does not block on
// Worker exit. Calling Stop on a task that is absent or already terminal
// is a no-op returning false.
func (r *Registry) Stop(taskID string) bool {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Subscribe allocates a bounded channel registered on the Subscription
// Bus for taskID. Calling the returned func unsubscribes: it removes the
// registration from the Bus at once and closes the channel.
func (r *Registry) Subscribe(taskID string) (<-chan event.Event, func()) {
	return r.bus.Subscribe(taskID)
}

// Running reports whether the Registry currently tracks a Worker for
// taskID.
func (r *Registry) Running(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[taskID]
	return ok
}
