package relay

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/srp"
)

// readLimit bounds a single websocket frame.
const readLimit = 4 << 20

// writeTimeout bounds a single outbound frame.
const writeTimeout = 10 * time.Second

// Handler is the /relay websocket endpoint. Tunneled requests are dispatched
// against the inner HTTP handler.
type Handler struct {
	policer *auth.Policer
	auth    *srp.Authenticator
	inner   http.Handler
	log     zerolog.Logger
}

// New builds the relay endpoint.
func New(policer *auth.Policer, authenticator *srp.Authenticator, inner http.Handler) *Handler {
	return &Handler{
		policer: policer,
		auth:    authenticator,
		inner:   inner,
		log:     logging.Component("relay"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	policy := h.policer.Classify(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin is enforced by the host allowlist middleware
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	ws.SetReadLimit(readLimit)

	c := &conn{
		ws:      ws,
		inner:   h.inner,
		auth:    h.auth,
		policy:  policy,
		log:     h.log.With().Str("policy", string(policy)).Logger(),
		streams: make(map[string]context.CancelFunc),
	}
	c.run(r.Context())
}

// conn is one relay websocket connection.
type conn struct {
	ws     *websocket.Conn
	inner  http.Handler
	auth   *srp.Authenticator
	policy auth.ConnectionPolicy
	log    zerolog.Logger

	handshake      *srp.Handshake
	handshakeTimer *time.Timer

	authenticated         bool
	aead                  cipher.AEAD
	baseAEAD              cipher.AEAD
	usingLegacyTrafficKey bool
	relaySessionID        string

	lastInboundSeq *uint64

	writeMu         sync.Mutex
	nextOutboundSeq uint64

	streamsMu sync.Mutex
	streams   map[string]context.CancelFunc
}

func (c *conn) run(ctx context.Context) {
	defer c.teardown()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			if !c.handleText(ctx, data) {
				return
			}
		case websocket.MessageBinary:
			if !c.handleBinary(ctx, data) {
				return
			}
		}
	}
}

func (c *conn) teardown() {
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.streamsMu.Lock()
	for _, cancel := range c.streams {
		cancel()
	}
	c.streams = make(map[string]context.CancelFunc)
	c.streamsMu.Unlock()
	_ = c.ws.CloseNow()
}

// handleText processes a plaintext text frame. Returns false to drop the
// connection.
func (c *conn) handleText(ctx context.Context, data []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.closeWith(CloseAuthRequired, "malformed frame")
		return false
	}

	if isControlType(probe.Type) {
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.closeWith(CloseAuthRequired, "malformed control frame")
			return false
		}
		return c.handleControl(ctx, &msg)
	}

	if probe.Type == msgEncrypted {
		// Legacy JSON envelope rides on a text frame.
		if !c.authenticated {
			c.closeWith(CloseAuthRequired, "encrypted frame before handshake")
			return false
		}
		var env appMessage
		if err := json.Unmarshal(data, &env); err != nil {
			c.closeWith(CloseReplay, "malformed envelope")
			return false
		}
		msg, ok := c.open(func(aead cipher.AEAD) (*appMessage, error) {
			return openLegacy(aead, &env)
		})
		if !ok {
			return false
		}
		return c.acceptApp(ctx, msg)
	}

	// Plaintext application frame.
	if c.authenticated {
		c.closeWith(ClosePlaintext, "plaintext after handshake")
		return false
	}
	if !c.policy.Trusted() {
		c.closeWith(CloseAuthRequired, "authentication required")
		return false
	}
	var msg appMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.closeWith(CloseAuthRequired, "malformed frame")
		return false
	}
	c.handleApp(ctx, &msg)
	return true
}

// handleBinary processes an encrypted binary envelope.
func (c *conn) handleBinary(ctx context.Context, data []byte) bool {
	if !c.authenticated {
		c.closeWith(CloseAuthRequired, "encrypted frame before handshake")
		return false
	}
	msg, ok := c.open(func(aead cipher.AEAD) (*appMessage, error) {
		return openBinary(aead, data)
	})
	if !ok {
		return false
	}
	return c.acceptApp(ctx, msg)
}

// open decrypts with the transport key, permitting a single fallback to the
// base session key for clients that never mixed the verify nonce.
func (c *conn) open(decrypt func(cipher.AEAD) (*appMessage, error)) (*appMessage, bool) {
	msg, err := decrypt(c.aead)
	if err == nil {
		return msg, true
	}
	if !c.usingLegacyTrafficKey && c.baseAEAD != nil {
		if msg, legacyErr := decrypt(c.baseAEAD); legacyErr == nil {
			// Stream goroutines stamp outbound frames under writeMu; the key
			// swap and counter reset must not interleave with one.
			c.writeMu.Lock()
			c.usingLegacyTrafficKey = true
			c.aead = c.baseAEAD
			c.lastInboundSeq = nil
			c.nextOutboundSeq = 0
			c.writeMu.Unlock()
			c.log.Warn().Msg("peer is using the legacy traffic key; sequence counters reset")
			return msg, true
		}
	}
	c.closeWith(CloseReplay, "decryption failed")
	return nil, false
}

// acceptApp enforces the sequence discipline on a decrypted frame, then
// handles it.
func (c *conn) acceptApp(ctx context.Context, msg *appMessage) bool {
	if !c.checkSeq(msg.Seq) {
		c.closeWith(CloseReplay, "replay detected")
		return false
	}
	c.handleApp(ctx, msg)
	return true
}

// checkSeq enforces: first sequenced frame carries 0; later frames strictly
// increase; unsequenced frames are tolerated only before the first sequenced
// one.
func (c *conn) checkSeq(seq *uint64) bool {
	if seq == nil {
		return c.lastInboundSeq == nil
	}
	if c.lastInboundSeq == nil {
		if *seq != 0 {
			return false
		}
	} else if *seq <= *c.lastInboundSeq {
		return false
	}
	v := *seq
	c.lastInboundSeq = &v
	return true
}

func isControlType(t string) bool {
	switch t {
	case msgSRPHello, msgSRPChallenge, msgSRPProof, msgSRPVerify,
		msgSRPResumeInit, msgSRPResumeChallenge, msgSRPResume,
		msgSRPResumed, msgSRPInvalid, msgSRPError:
		return true
	}
	return false
}

// handleControl drives the SRP handshake. Returns false to drop the
// connection.
func (c *conn) handleControl(ctx context.Context, msg *controlMessage) bool {
	switch msg.Type {
	case msgSRPHello:
		if c.authenticated {
			c.closeWith(ClosePlaintext, "already authenticated")
			return false
		}
		if c.handshake == nil {
			c.handshake = c.auth.NewHandshake()
		}
		salt, serverB, err := c.handshake.Hello(msg.Identity)
		if err != nil {
			return c.handshakeFailed(ctx, err)
		}
		c.armHandshakeTimer()
		c.sendControl(ctx, &controlMessage{
			Type:     msgSRPChallenge,
			Identity: msg.Identity,
			Salt:     b64(salt),
			B:        b64(serverB),
		})
		return true

	case msgSRPProof:
		if c.handshake == nil {
			c.closeWith(CloseAuthRequired, "proof before hello")
			return false
		}
		clientA, errA := unb64(msg.A)
		clientM1, errM1 := unb64(msg.M1)
		if errA != nil || errM1 != nil {
			c.closeWith(CloseAuthRequired, "malformed proof")
			return false
		}
		result, err := c.handshake.Proof(clientA, clientM1)
		if err != nil {
			return c.handshakeFailed(ctx, err)
		}
		if !c.establish(result.TransportKey, result.BaseSessionKey, result.SessionID) {
			return false
		}
		c.sendControl(ctx, &controlMessage{
			Type:      msgSRPVerify,
			M2:        b64(result.M2),
			Nonce:     b64(result.VerifyNonce),
			SessionID: result.SessionID,
		})
		return true

	case msgSRPResumeInit:
		if c.authenticated {
			c.closeWith(ClosePlaintext, "already authenticated")
			return false
		}
		nonce, err := c.auth.Sessions().Challenge(msg.SessionID)
		if err != nil {
			c.closeWith(CloseAuthRequired, "challenge failed")
			return false
		}
		c.armHandshakeTimer()
		c.sendControl(ctx, &controlMessage{
			Type:      msgSRPResumeChallenge,
			SessionID: msg.SessionID,
			Nonce:     b64(nonce),
		})
		return true

	case msgSRPResume:
		proof, err := unb64(msg.Proof)
		if err != nil {
			c.sendControl(ctx, &controlMessage{Type: msgSRPInvalid})
			c.closeWith(CloseAuthRequired, "resume failed")
			return false
		}
		sess, err := c.auth.Sessions().Resume(msg.SessionID, msg.Identity, proof)
		if err != nil {
			// Deliberately uniform: the client learns nothing about why.
			c.sendControl(ctx, &controlMessage{Type: msgSRPInvalid})
			c.closeWith(CloseAuthRequired, "resume failed")
			return false
		}
		if !c.establish(sess.TrafficKey, sess.TrafficKey, sess.ID) {
			return false
		}
		c.sendControl(ctx, &controlMessage{Type: msgSRPResumed, SessionID: sess.ID})
		return true

	default:
		// Server-originated types echoed back; ignore.
		return true
	}
}

// handshakeFailed maps a handshake error to its close code.
func (c *conn) handshakeFailed(ctx context.Context, err error) bool {
	c.sendControl(ctx, &controlMessage{Type: msgSRPError, Error: "authentication failed"})
	switch {
	case errors.Is(err, srp.ErrRateLimited), errors.Is(err, srp.ErrCooldown), errors.Is(err, srp.ErrHandshakeTimeout):
		c.closeWith(CloseRateLimited, "rate limited")
	default:
		c.closeWith(CloseAuthRequired, "authentication failed")
	}
	return false
}

// establish switches the connection to encrypted operation.
func (c *conn) establish(transportKey, baseKey []byte, sessionID string) bool {
	aead, err := srp.NewAEAD(transportKey)
	if err != nil {
		c.closeWith(CloseAuthRequired, "key setup failed")
		return false
	}
	baseAEAD, err := srp.NewAEAD(baseKey)
	if err != nil {
		c.closeWith(CloseAuthRequired, "key setup failed")
		return false
	}
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.authenticated = true
	c.aead = aead
	c.baseAEAD = baseAEAD
	c.relaySessionID = sessionID
	c.lastInboundSeq = nil
	c.nextOutboundSeq = 0
	c.log.Info().Str("relaySession", sessionID).Msg("relay transport established")
	return true
}

// armHandshakeTimer closes the connection if the handshake stalls.
func (c *conn) armHandshakeTimer() {
	if c.handshakeTimer != nil {
		return
	}
	c.handshakeTimer = time.AfterFunc(srp.HandshakeDeadline, func() {
		c.closeWith(CloseRateLimited, "handshake timeout")
	})
}

func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.Close(websocket.StatusCode(code), reason)
}

// sendControl writes a plaintext control frame. Control frames are never
// encrypted.
func (c *conn) sendControl(ctx context.Context, msg *controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = c.ws.Write(wctx, websocket.MessageText, data)
}

// send writes an application frame: encrypted and sequenced once the
// transport is established, plaintext JSON for trusted local connections.
func (c *conn) send(ctx context.Context, msg *appMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if c.authenticated {
		seq := c.nextOutboundSeq
		c.nextOutboundSeq++
		msg.Seq = &seq
		frame, err := sealBinary(c.aead, msg)
		if err != nil {
			c.log.Error().Err(err).Msg("seal outbound frame")
			return
		}
		_ = c.ws.Write(wctx, websocket.MessageBinary, frame)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.ws.Write(wctx, websocket.MessageText, data)
}
