package relay

import (
	"bytes"
	"context"
	"net/http"
	"strings"
)

// handleApp routes one decrypted (or trusted-plaintext) application frame.
func (c *conn) handleApp(ctx context.Context, msg *appMessage) {
	switch msg.Type {
	case msgRequest:
		c.send(ctx, c.dispatch(ctx, msg))
	case msgStreamRequest:
		c.startStream(ctx, msg.ID, msg.Path)
	case msgStreamEnd:
		c.cancelStream(msg.ID)
	case msgPing:
		c.send(ctx, &appMessage{Type: msgPong, ID: msg.ID})
	case msgPong:
		// Latency probes need no reply.
	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignoring unknown tunnel frame")
	}
}

// dispatch runs one tunneled HTTP request against the internal handler.
func (c *conn) dispatch(ctx context.Context, msg *appMessage) *appMessage {
	req, err := http.NewRequestWithContext(ctx, msg.Method, msg.Path, strings.NewReader(msg.Body))
	if err != nil {
		return &appMessage{Type: msgResponse, ID: msg.ID, Status: http.StatusBadRequest}
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	// Tunneled requests carry the connection's trust, not a cookie.
	req.Header.Del("Cookie")
	req.Host = "localhost"
	req.RemoteAddr = "127.0.0.1:0"

	rec := &responseBuffer{header: make(http.Header), status: http.StatusOK}
	c.inner.ServeHTTP(rec, req)

	out := &appMessage{
		Type:   msgResponse,
		ID:     msg.ID,
		Status: rec.status,
		Body:   rec.body.String(),
	}
	if len(rec.header) > 0 {
		out.Headers = make(map[string]string, len(rec.header))
		for k := range rec.header {
			out.Headers[k] = rec.header.Get(k)
		}
	}
	return out
}

// responseBuffer captures a handler's response for the tunnel.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *responseBuffer) Header() http.Header { return r.header }

func (r *responseBuffer) WriteHeader(status int) { r.status = status }

func (r *responseBuffer) Write(p []byte) (int, error) { return r.body.Write(p) }

// startStream opens an internal SSE subscription and forwards its events as
// stream_event frames until the handler returns or the client cancels.
func (c *conn) startStream(ctx context.Context, id, path string) {
	if id == "" {
		return
	}
	sctx, cancel := context.WithCancel(ctx)

	c.streamsMu.Lock()
	if _, exists := c.streams[id]; exists {
		c.streamsMu.Unlock()
		cancel()
		return
	}
	c.streams[id] = cancel
	c.streamsMu.Unlock()

	go func() {
		defer func() {
			c.cancelStream(id)
			c.send(ctx, &appMessage{Type: msgStreamEnd, ID: id})
		}()

		req, err := http.NewRequestWithContext(sctx, http.MethodGet, path, nil)
		if err != nil {
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Host = "localhost"
		req.RemoteAddr = "127.0.0.1:0"

		w := &streamWriter{conn: c, ctx: ctx, id: id, header: make(http.Header)}
		c.inner.ServeHTTP(w, req)
	}()
}

func (c *conn) cancelStream(id string) {
	c.streamsMu.Lock()
	cancel, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.streamsMu.Unlock()
	if ok {
		cancel()
	}
}

// streamWriter adapts an SSE handler to the tunnel: it parses the
// text/event-stream framing and forwards each complete event.
type streamWriter struct {
	conn   *conn
	ctx    context.Context
	id     string
	header http.Header

	buf   bytes.Buffer
	event string
	data  []string
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(int) {}

func (w *streamWriter) Flush() {}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, ok := w.nextLine()
		if !ok {
			return len(p), nil
		}
		w.consume(line)
	}
}

func (w *streamWriter) nextLine() (string, bool) {
	raw := w.buf.Bytes()
	i := bytes.IndexByte(raw, '\n')
	if i < 0 {
		return "", false
	}
	line := strings.TrimRight(string(raw[:i]), "\r")
	w.buf.Next(i + 1)
	return line, true
}

func (w *streamWriter) consume(line string) {
	switch {
	case line == "":
		// Blank line terminates one SSE event.
		if len(w.data) > 0 || w.event != "" {
			w.conn.send(w.ctx, &appMessage{
				Type:  msgStreamEvent,
				ID:    w.id,
				Event: w.event,
				Data:  strings.Join(w.data, "\n"),
			})
		}
		w.event = ""
		w.data = nil
	case strings.HasPrefix(line, "event:"):
		w.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	case strings.HasPrefix(line, "data:"):
		w.data = append(w.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	case strings.HasPrefix(line, "id:"), strings.HasPrefix(line, ":"):
		// SSE bookkeeping; the tunnel has its own sequencing.
	}
}
