package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/process"
)

// SSEHeartbeatInterval keeps intermediaries from idle-closing streams.
const SSEHeartbeatInterval = 30 * time.Second

// subscriberBufferMax bounds a slow subscriber's backlog before deltas are
// shed.
const subscriberBufferMax = 256

// sseWriter frames server-sent events with an incrementing id.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	nextID  uint64
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(eventName string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	id := s.nextID
	s.nextID++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", id, eventName, jsonData); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// eventBuffer is the subscription back-pressure policy: when full, incoming
// stream-event deltas are shed, and an essential event evicts the oldest
// buffered delta. Essential events are never dropped.
type eventBuffer struct {
	mu     sync.Mutex
	items  []process.Event
	notify chan struct{}
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{notify: make(chan struct{}, 1)}
}

func (b *eventBuffer) push(ev process.Event) {
	b.mu.Lock()
	if len(b.items) >= subscriberBufferMax {
		if ev.Kind == process.EventStreamEvent {
			b.mu.Unlock()
			return
		}
		for i, queued := range b.items {
			if queued.Kind == process.EventStreamEvent {
				b.items = append(b.items[:i], b.items[i+1:]...)
				break
			}
		}
	}
	b.items = append(b.items, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *eventBuffer) pop() (process.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return process.Event{}, false
	}
	ev := b.items[0]
	b.items = b.items[1:]
	return ev, true
}

// streamSession is the per-session SSE subscription: connected snapshot,
// committed-history replay, then the live event tail.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	p, ok := s.supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no live process for session")
		return
	}

	sseHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	// The listener registers atomically with the snapshot, so nothing falls
	// between replay and tail.
	buffer := newEventBuffer()
	snap, unsub := p.SubscribeWithSnapshot(buffer.push)
	defer unsub()

	connected := map[string]any{
		"processId":      snap.ProcessID,
		"sessionId":      snap.SessionID,
		"state":          snap.State,
		"permissionMode": snap.Mode,
		"modeVersion":    snap.ModeVersion,
	}
	if snap.PendingRequest != nil {
		connected["pendingRequest"] = snap.PendingRequest
	}
	if err := sse.writeEvent("connected", connected); err != nil {
		return
	}

	// Replay committed history in order. Sidechain records pass through with
	// their marker so clients can tell sub-agent turns apart.
	for _, rec := range snap.History {
		if err := sse.writeEvent("message", map[string]any{"record": rec, "replay": true}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-buffer.notify:
			for {
				ev, ok := buffer.pop()
				if !ok {
					break
				}
				done, err := s.writeProcessEvent(sse, ev)
				if err != nil || done {
					return
				}
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}

// writeProcessEvent maps one process event onto the SSE stream. The second
// return reports stream completion.
func (s *Server) writeProcessEvent(sse *sseWriter, ev process.Event) (bool, error) {
	switch ev.Kind {
	case process.EventStateChange:
		return false, sse.writeEvent("status", map[string]any{"state": ev.State})
	case process.EventModeChange:
		return false, sse.writeEvent("mode-change", map[string]any{
			"mode":        ev.Mode,
			"modeVersion": ev.ModeVersion,
		})
	case process.EventMessage:
		return false, sse.writeEvent("message", map[string]any{"record": ev.Record})
	case process.EventStreamEvent:
		return false, sse.writeEvent("stream-event", json.RawMessage(ev.Raw))
	case process.EventError:
		return false, sse.writeEvent("error", map[string]any{"message": ev.Err})
	case process.EventSessionIDChanged:
		return false, sse.writeEvent("session-id-changed", map[string]any{
			"oldSessionId": ev.OldSessionID,
			"newSessionId": ev.NewSessionID,
		})
	case process.EventComplete:
		err := sse.writeEvent("complete", map[string]any{"state": ev.State})
		return true, err
	default:
		return false, nil
	}
}

// busEvent is the global feed's frame shape.
type busEvent struct {
	Type       event.Type `json:"type"`
	Properties any        `json:"properties"`
}

// globalEvents streams every bus event.
func (s *Server) globalEvents(w http.ResponseWriter, r *http.Request) {
	sseHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	if err := sse.writeEvent("connected", map[string]any{}); err != nil {
		return
	}

	events := make(chan event.Event, 64)
	unsub := s.bus.SubscribeAll(func(e event.Event) {
		select {
		case events <- e:
		default:
			s.log.Warn().Str("eventType", string(e.Type)).Msg("global SSE event dropped: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := sse.writeEvent("message", busEvent{Type: e.Type, Properties: e.Data}); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
