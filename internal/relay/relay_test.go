package relay

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/srp"
)

type memLookup map[string]struct{ salt, verifier []byte }

func (m memLookup) LookupVerifier(identity string) ([]byte, []byte, error) {
	cred, ok := m[identity]
	if !ok {
		return nil, nil, errors.New("no such identity")
	}
	return cred.salt, cred.verifier, nil
}

// testBackend is a stand-in for the internal API router.
func testBackend() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"method":%q}`, r.Method)
	})
	mux.HandleFunc("/v1/echo", func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 256)
		n, _ := r.Body.Read(body)
		_, _ = w.Write(body[:n])
	})
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "id: 0\nevent: connected\ndata: {\"ok\":true}\n\n")
		_, _ = fmt.Fprint(w, "id: 1\nevent: message\ndata: {\"n\":1}\n\n")
	})
	return mux
}

type relayFixture struct {
	server   *httptest.Server
	identity string
	password string
}

func newFixture(t *testing.T, remoteEnabled bool) *relayFixture {
	t.Helper()

	identity, password := "operator", "hunter2"
	salt, verifier, err := srp.ComputeVerifier(identity, password)
	require.NoError(t, err)

	sessions, err := srp.NewSessionStore("")
	require.NoError(t, err)
	authenticator := srp.NewAuthenticator(memLookup{identity: {salt, verifier}}, sessions)
	policer := auth.NewPolicer(remoteEnabled, "", nil)

	h := New(policer, authenticator, testBackend())
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	return &relayFixture{server: server, identity: identity, password: password}
}

func (f *relayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func writeJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func readFrame(t *testing.T, ws *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	require.NoError(t, err)
	return typ, data
}

func readControl(t *testing.T, ws *websocket.Conn) *controlMessage {
	t.Helper()
	typ, data := readFrame(t, ws)
	require.Equal(t, websocket.MessageText, typ)
	var msg controlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

// expectClose drains the socket until it closes and asserts the close code.
func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := ws.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusCode(code), websocket.CloseStatus(err))
			return
		}
	}
}

// clientSession is the client half of an established relay transport.
type clientSession struct {
	ws         *websocket.Conn
	transport  cipher.AEAD
	base       cipher.AEAD
	trafficKey []byte
	sessionID  string
	sendSeq    uint64
}

// authenticate runs the full SRP handshake from the client side.
func authenticate(t *testing.T, f *relayFixture, ws *websocket.Conn) *clientSession {
	t.Helper()

	client, err := srp.NewClientExchange(f.identity, f.password)
	require.NoError(t, err)

	writeJSON(t, ws, &controlMessage{Type: msgSRPHello, Identity: f.identity})
	challenge := readControl(t, ws)
	require.Equal(t, msgSRPChallenge, challenge.Type)

	salt, err := unb64(challenge.Salt)
	require.NoError(t, err)
	serverB, err := unb64(challenge.B)
	require.NoError(t, err)

	m1, rawKey, err := client.ComputeProof(salt, serverB)
	require.NoError(t, err)
	writeJSON(t, ws, &controlMessage{Type: msgSRPProof, A: b64(client.PublicA()), M1: b64(m1)})

	verify := readControl(t, ws)
	require.Equal(t, msgSRPVerify, verify.Type)

	m2, err := unb64(verify.M2)
	require.NoError(t, err)
	require.NoError(t, client.VerifyServerProof(m2, m1, rawKey))

	trafficKey, err := srp.TrafficKey(rawKey)
	require.NoError(t, err)
	verifyNonce, err := unb64(verify.Nonce)
	require.NoError(t, err)
	transportKey, err := srp.TransportKey(trafficKey, verifyNonce)
	require.NoError(t, err)

	transport, err := srp.NewAEAD(transportKey)
	require.NoError(t, err)
	base, err := srp.NewAEAD(trafficKey)
	require.NoError(t, err)

	return &clientSession{
		ws:         ws,
		transport:  transport,
		base:       base,
		trafficKey: trafficKey,
		sessionID:  verify.SessionID,
	}
}

func (s *clientSession) sendEncrypted(t *testing.T, msg *appMessage) {
	t.Helper()
	s.sendSealed(t, s.transport, msg)
}

func (s *clientSession) sendSealed(t *testing.T, aead cipher.AEAD, msg *appMessage) {
	t.Helper()
	seq := s.sendSeq
	s.sendSeq++
	msg.Seq = &seq
	frame, err := sealBinary(aead, msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.ws.Write(ctx, websocket.MessageBinary, frame))
}

func (s *clientSession) readEncrypted(t *testing.T, aead cipher.AEAD) *appMessage {
	t.Helper()
	typ, data := readFrame(t, s.ws)
	require.Equal(t, websocket.MessageBinary, typ)
	msg, err := openBinary(aead, data)
	require.NoError(t, err)
	return msg
}

func TestPlaintextTunnelWhenTrusted(t *testing.T) {
	f := newFixture(t, false) // remote access disabled → local_unrestricted
	ws := f.dial(t)

	writeJSON(t, ws, &appMessage{Type: msgRequest, ID: "r1", Method: "GET", Path: "/v1/hello"})

	typ, data := readFrame(t, ws)
	require.Equal(t, websocket.MessageText, typ)
	var resp appMessage
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, msgResponse, resp.Type)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"method":"GET"}`, resp.Body)
}

func TestPlaintextRejectedWhenSRPRequired(t *testing.T) {
	f := newFixture(t, true) // remote access enabled, no cookie → srp_required
	ws := f.dial(t)

	writeJSON(t, ws, &appMessage{Type: msgRequest, ID: "r1", Method: "GET", Path: "/v1/hello"})
	expectClose(t, ws, CloseAuthRequired)
}

func TestEncryptedBeforeHandshakeRejected(t *testing.T) {
	f := newFixture(t, true)
	ws := f.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, []byte{envelopeVersion, 1, 2, 3}))
	expectClose(t, ws, CloseAuthRequired)
}

func TestHandshakeAndEncryptedRequest(t *testing.T) {
	f := newFixture(t, true)
	sess := authenticate(t, f, f.dial(t))

	sess.sendEncrypted(t, &appMessage{Type: msgRequest, ID: "r1", Method: "GET", Path: "/v1/hello"})

	resp := sess.readEncrypted(t, sess.transport)
	assert.Equal(t, msgResponse, resp.Type)
	assert.Equal(t, "r1", resp.ID)
	assert.JSONEq(t, `{"method":"GET"}`, resp.Body)
	// Outbound sequencing starts at 0.
	require.NotNil(t, resp.Seq)
	assert.Equal(t, uint64(0), *resp.Seq)
}

func TestWrongPasswordClosesConnection(t *testing.T) {
	f := newFixture(t, true)
	ws := f.dial(t)

	client, err := srp.NewClientExchange(f.identity, "wrong")
	require.NoError(t, err)

	writeJSON(t, ws, &controlMessage{Type: msgSRPHello, Identity: f.identity})
	challenge := readControl(t, ws)
	salt, _ := unb64(challenge.Salt)
	serverB, _ := unb64(challenge.B)
	m1, _, err := client.ComputeProof(salt, serverB)
	require.NoError(t, err)

	writeJSON(t, ws, &controlMessage{Type: msgSRPProof, A: b64(client.PublicA()), M1: b64(m1)})

	errMsg := readControl(t, ws)
	assert.Equal(t, msgSRPError, errMsg.Type)
	expectClose(t, ws, CloseAuthRequired)
}

func TestFirstSeqMustBeZero(t *testing.T) {
	f := newFixture(t, true)
	sess := authenticate(t, f, f.dial(t))

	sess.sendSeq = 5
	sess.sendEncrypted(t, &appMessage{Type: msgPing, ID: "p1"})
	expectClose(t, sess.ws, CloseReplay)
}

func TestReplayedSeqCloses(t *testing.T) {
	f := newFixture(t, true)
	sess := authenticate(t, f, f.dial(t))

	sess.sendEncrypted(t, &appMessage{Type: msgPing, ID: "p1"})
	pong := sess.readEncrypted(t, sess.transport)
	require.Equal(t, msgPong, pong.Type)

	// Re-send seq 0.
	sess.sendSeq = 0
	sess.sendEncrypted(t, &appMessage{Type: msgPing, ID: "p2"})
	expectClose(t, sess.ws, CloseReplay)
}

func TestPlaintextAfterHandshakeCloses(t *testing.T) {
	f := newFixture(t, true)
	sess := authenticate(t, f, f.dial(t))

	writeJSON(t, sess.ws, &appMessage{Type: msgPing, ID: "p1"})
	expectClose(t, sess.ws, ClosePlaintext)
}

func TestLegacyKeyFallback(t *testing.T) {
	f := newFixture(t, true)
	sess := authenticate(t, f, f.dial(t))

	// A client that skipped the verify-nonce mix encrypts with the base key.
	sess.sendSealed(t, sess.base, &appMessage{Type: msgPing, ID: "p1"})

	// The server falls back, resets its outbound counter, and answers under
	// the base key.
	pong := sess.readEncrypted(t, sess.base)
	assert.Equal(t, msgPong, pong.Type)
	require.NotNil(t, pong.Seq)
	assert.Equal(t, uint64(0), *pong.Seq)
}

func TestLegacyFallbackDuringActiveStream(t *testing.T) {
	f := newFixture(t, true)
	sess := authenticate(t, f, f.dial(t))

	// Start a stream under the transport key, then switch to the base key
	// mid-flight. The stream goroutine keeps stamping outbound frames while
	// the server swaps keys and resets its counters.
	sess.sendEncrypted(t, &appMessage{Type: msgStreamRequest, ID: "st1", Path: "/v1/stream"})
	sess.sendSeq = 0
	sess.sendSealed(t, sess.base, &appMessage{Type: msgPing, ID: "p1"})

	// Frames before the swap are transport-sealed, frames after are
	// base-sealed; the connection must survive with both arriving intact.
	sawPong, sawEnd := false, false
	for i := 0; i < 20 && !(sawPong && sawEnd); i++ {
		typ, data := readFrame(t, sess.ws)
		require.Equal(t, websocket.MessageBinary, typ)
		msg, err := openBinary(sess.transport, data)
		if err != nil {
			msg, err = openBinary(sess.base, data)
			require.NoError(t, err)
		}
		switch msg.Type {
		case msgPong:
			sawPong = true
		case msgStreamEnd:
			sawEnd = true
		}
	}
	assert.True(t, sawPong)
	assert.True(t, sawEnd)
}

func TestResumeInheritsTrafficKey(t *testing.T) {
	f := newFixture(t, true)
	first := authenticate(t, f, f.dial(t))
	require.NotEmpty(t, first.sessionID)
	_ = first.ws.CloseNow()

	ws := f.dial(t)
	writeJSON(t, ws, &controlMessage{Type: msgSRPResumeInit, SessionID: first.sessionID, Identity: f.identity})
	challenge := readControl(t, ws)
	require.Equal(t, msgSRPResumeChallenge, challenge.Type)

	nonce, err := unb64(challenge.Nonce)
	require.NoError(t, err)
	proof, err := srp.SealResumeProof(first.trafficKey, first.sessionID, nonce, time.Now())
	require.NoError(t, err)
	writeJSON(t, ws, &controlMessage{Type: msgSRPResume, SessionID: first.sessionID, Identity: f.identity, Proof: b64(proof)})

	resumed := readControl(t, ws)
	require.Equal(t, msgSRPResumed, resumed.Type)
	assert.Equal(t, first.sessionID, resumed.SessionID)

	// The resumed transport runs on the stored traffic key.
	sess := &clientSession{ws: ws, transport: first.base, base: first.base}
	sess.sendEncrypted(t, &appMessage{Type: msgRequest, ID: "r1", Method: "GET", Path: "/v1/hello"})
	resp := sess.readEncrypted(t, first.base)
	assert.Equal(t, msgResponse, resp.Type)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestResumeWithBadProofIsGeneric(t *testing.T) {
	f := newFixture(t, true)
	ws := f.dial(t)

	writeJSON(t, ws, &controlMessage{Type: msgSRPResumeInit, SessionID: "no-such-session", Identity: f.identity})
	challenge := readControl(t, ws)
	require.Equal(t, msgSRPResumeChallenge, challenge.Type)

	writeJSON(t, ws, &controlMessage{Type: msgSRPResume, SessionID: "no-such-session", Identity: f.identity, Proof: b64([]byte("garbage"))})
	invalid := readControl(t, ws)
	assert.Equal(t, msgSRPInvalid, invalid.Type)
	expectClose(t, ws, CloseAuthRequired)
}

func TestStreamRequest(t *testing.T) {
	f := newFixture(t, false)
	ws := f.dial(t)

	writeJSON(t, ws, &appMessage{Type: msgStreamRequest, ID: "s1", Path: "/v1/stream"})

	var events []appMessage
	for {
		typ, data := readFrame(t, ws)
		require.Equal(t, websocket.MessageText, typ)
		var msg appMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgStreamEnd {
			assert.Equal(t, "s1", msg.ID)
			break
		}
		require.Equal(t, msgStreamEvent, msg.Type)
		events = append(events, msg)
	}

	require.Len(t, events, 2)
	assert.Equal(t, "connected", events[0].Event)
	assert.JSONEq(t, `{"ok":true}`, events[0].Data)
	assert.Equal(t, "message", events[1].Event)
	assert.JSONEq(t, `{"n":1}`, events[1].Data)
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, false)
	ws := f.dial(t)

	writeJSON(t, ws, &appMessage{Type: msgPing, ID: "p1"})
	typ, data := readFrame(t, ws)
	require.Equal(t, websocket.MessageText, typ)
	var msg appMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, msgPong, msg.Type)
	assert.Equal(t, "p1", msg.ID)
}
