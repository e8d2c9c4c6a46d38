package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/process"
)

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// sseReader incrementally parses an event-stream body.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(body *bufio.Scanner) *sseReader {
	return &sseReader{scanner: body}
}

func (r *sseReader) next(t *testing.T) sseEvent {
	t.Helper()
	var ev sseEvent
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if ev.Event != "" || ev.Data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("event stream ended early: %v", r.scanner.Err())
	return ev
}

// nextNamed skips frames until one with the given event name arrives.
func (r *sseReader) nextNamed(t *testing.T, name string) sseEvent {
	t.Helper()
	for i := 0; i < 100; i++ {
		ev := r.next(t)
		if ev.Event == name {
			return ev
		}
	}
	t.Fatalf("no %q event in stream", name)
	return sseEvent{}
}

func (f *fixture) openStream(t *testing.T, path string) *sseReader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return newSSEReader(bufio.NewScanner(resp.Body))
}

func TestStreamSessionReplayThenLive(t *testing.T) {
	f := newFixture(t, nil)
	_, processID := f.createSession(t, "hello")
	f.waitSettled(t, processID)
	p, _ := f.supervisor.GetProcess(processID)
	sessionID := p.SessionID()

	stream := f.openStream(t, "/sessions/"+sessionID+"/stream")

	connected := stream.next(t)
	require.Equal(t, "connected", connected.Event)
	var snap struct {
		ProcessID string `json:"processId"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal([]byte(connected.Data), &snap))
	assert.Equal(t, processID, snap.ProcessID)
	assert.Equal(t, sessionID, snap.SessionID)

	// Committed history replays first, marked so clients can tell it apart.
	replay := stream.nextNamed(t, "message")
	var frame struct {
		Replay bool `json:"replay"`
	}
	require.NoError(t, json.Unmarshal([]byte(replay.Data), &frame))
	assert.True(t, frame.Replay)

	// A send after subscription shows up live, without the replay marker.
	resp := f.do(t, http.MethodPost, "/sessions/"+sessionID+"/send", map[string]any{"message": "again"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no live message event")
		default:
		}
		ev := stream.nextNamed(t, "message")
		var live struct {
			Replay bool `json:"replay"`
			Record struct {
				Type string `json:"type"`
			} `json:"record"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &live))
		if !live.Replay {
			assert.NotEmpty(t, live.Record.Type)
			return
		}
	}
}

func TestStreamSessionEventIDsIncrement(t *testing.T) {
	f := newFixture(t, nil)
	_, processID := f.createSession(t, "hello")
	f.waitSettled(t, processID)
	p, _ := f.supervisor.GetProcess(processID)

	stream := f.openStream(t, "/sessions/"+p.SessionID()+"/stream")
	first := stream.next(t)
	second := stream.next(t)
	assert.Equal(t, "0", first.ID)
	assert.Equal(t, "1", second.ID)
}

func TestStreamUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/sessions/no-such/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGlobalEventsFeed(t *testing.T) {
	f := newFixture(t, nil)

	stream := f.openStream(t, "/events")
	require.Equal(t, "connected", stream.next(t).Event)

	_, processID := f.createSession(t, "hello")
	f.waitSettled(t, processID)

	ev := stream.nextNamed(t, "message")
	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &frame))
	assert.NotEmpty(t, frame.Type)
}

func TestEventBufferShedsDeltasFirst(t *testing.T) {
	b := newEventBuffer()

	for i := 0; i < subscriberBufferMax; i++ {
		b.push(process.Event{Kind: process.EventStreamEvent, Raw: []byte(`{}`)})
	}

	// At capacity: an incoming delta is shed outright.
	b.push(process.Event{Kind: process.EventStreamEvent, Raw: []byte(`{"dropped":true}`)})

	// An essential event evicts the oldest buffered delta instead.
	b.push(process.Event{Kind: process.EventStateChange})

	count := 0
	sawEssential := false
	for {
		ev, ok := b.pop()
		if !ok {
			break
		}
		count++
		if ev.Kind == process.EventStateChange {
			sawEssential = true
		}
	}
	assert.Equal(t, subscriberBufferMax, count)
	assert.True(t, sawEssential)
}

func TestEventBufferNotify(t *testing.T) {
	b := newEventBuffer()
	b.push(process.Event{Kind: process.EventMessage})
	b.push(process.Event{Kind: process.EventMessage})

	select {
	case <-b.notify:
	default:
		t.Fatal("expected a pending notification")
	}

	_, ok := b.pop()
	assert.True(t, ok)
	_, ok = b.pop()
	assert.True(t, ok)
	_, ok = b.pop()
	assert.False(t, ok)
}
