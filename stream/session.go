// Package stream implements the Push-Stream Session: the server side of
// the full-duplex streaming protocol clients use to observe a task's
// live event feed.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/ratchet/event"
	"github.com/GoCodeAlone/ratchet/registry"
	"github.com/GoCodeAlone/ratchet/store"
)

// Close codes for the push-stream protocol. 1000/1001 are standard
// WebSocket close codes; 4404 is an application-reserved code (the 4xxx
// range is free for private use) signalling "task not found".
const (
	CloseNormal       = websocket.CloseNormalClosure // 1000: task terminal, clean close
	CloseGoingAway    = websocket.CloseGoingAway      // 1001: idle timeout or peer gone
	CloseTaskNotFound = 4404
)

const (
	statePollInterval = 500 * time.Millisecond
	idleTimeout       = 30 * time.Second
	terminalDrain     = 300 * time.Millisecond
)

// Frame is the wire shape of every server->client message: a type
// discriminator plus a type-specific data object.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session is one client connection's live view of a task's event feed.
type Session struct {
	taskID   string
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
}

// New constructs a Session for taskID.
func New(taskID string, st store.Store, reg *registry.Registry, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{taskID: taskID, store: st, registry: reg, logger: logger.With("task_id", taskID)}
}

// Serve upgrades the HTTP request to a WebSocket connection and runs the
// session's full lifecycle: lookup, subscribe, stream, and guaranteed
// cleanup on every exit path.
func (s *Session) Serve(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.FetchTask(r.Context(), s.taskID)
	if err != nil {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		s.sendFrame(conn, "error", map[string]string{"message": "task not found"})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseTaskNotFound, "task not found"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if !s.registry.Running(s.taskID) && task.Status == event.StatusPending {
		if startErr := s.registry.Start(r.Context(), s.taskID, task.InputPrompt); startErr != nil && startErr != registry.ErrAlreadyRunning {
			s.sendFrame(conn, "error", map[string]string{"message": startErr.Error()})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "start failed"),
				time.Now().Add(time.Second))
			return
		}
	}

	events, unsubscribe := s.registry.Subscribe(s.taskID)
	defer unsubscribe()

	s.sendFrame(conn, "connected", map[string]string{
		"task_id": s.taskID,
		"message": "connected to event stream",
	})

	s.run(conn, events)
}

// run is the select-style stream loop: await either a subscription event
// or a short timeout, forwarding event/state frames, until one of the
// documented exit conditions fires.
func (s *Session) run(conn *websocket.Conn, events <-chan event.Event) {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	var lastState event.TaskState
	var haveLastState bool
	lastActivity := time.Now()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			lastActivity = time.Now()
			if err := s.sendFrame(conn, "event", ev); err != nil {
				return
			}

		case <-ticker.C:
			snap, ok := s.registry.StateSnapshot(s.taskID)
			if !ok {
				// The Registry drops a task once its Worker exits, so a
				// finished task's status is read from the durable record.
				task, err := s.store.FetchTask(context.Background(), s.taskID)
				if err != nil || !task.Status.Terminal() {
					if time.Since(lastActivity) > idleTimeout {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(CloseGoingAway, "idle timeout"),
							time.Now().Add(time.Second))
						return
					}
					continue
				}
				snap = event.TaskState{TaskID: task.ID, Status: task.Status, LastMessage: task.ResultSummary, StartedAt: task.CreatedAt}
				if task.Status == event.StatusSucceeded {
					snap.Progress = 1.0
				}
			}
			changed := !haveLastState ||
				snap.Status != lastState.Status ||
				snap.Progress != lastState.Progress ||
				snap.CurrentStage != lastState.CurrentStage
			if changed {
				if err := s.sendFrame(conn, "state", snap); err != nil {
					return
				}
				lastState = snap
				haveLastState = true
				lastActivity = time.Now()
			}

			if snap.Status.Terminal() {
				s.drainAndClose(conn, events, snap)
				return
			}

			if time.Since(lastActivity) > idleTimeout {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(CloseGoingAway, "idle timeout"),
					time.Now().Add(time.Second))
				return
			}
		}
	}
}

// drainAndClose implements the terminal exit sequence: send one final
// state frame unconditionally, drain any queued events for a short
// window, then close with the clean-termination code.
func (s *Session) drainAndClose(conn *websocket.Conn, events <-chan event.Event, snap event.TaskState) {
	_ = s.sendFrame(conn, "state", snap)

	deadline := time.After(terminalDrain)
drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			_ = s.sendFrame(conn, "event", ev)
		case <-deadline:
			break drain
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseNormal, "task completed"),
		time.Now().Add(time.Second))
}

func (s *Session) sendFrame(conn *websocket.Conn, frameType string, data any) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(Frame{Type: frameType, Data: data})
}
