package srp

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// HandshakeDeadline bounds client_hello → client_proof.
const HandshakeDeadline = 10 * time.Second

// verifyNonceLen is the length of the nonce mixed into the transport key at
// the server-verify step.
const verifyNonceLen = 24

var (
	// ErrRateLimited is returned when a handshake bucket is empty.
	ErrRateLimited = errors.New("rate limited")

	// ErrCooldown is returned while a failure cooldown is active.
	ErrCooldown = errors.New("cooling down")

	// ErrHandshakeTimeout is returned when the proof arrives after the
	// handshake deadline.
	ErrHandshakeTimeout = errors.New("handshake deadline exceeded")

	// ErrHandshakeState is returned for out-of-order handshake messages.
	ErrHandshakeState = errors.New("unexpected handshake message")
)

// VerifierLookup resolves an identity to its stored SRP credentials.
type VerifierLookup interface {
	LookupVerifier(identity string) (salt, verifier []byte, err error)
}

// Authenticator owns the server-wide handshake state shared across
// connections: credential lookup, the resume session store, and per-identity
// rate limiting and cooldowns.
type Authenticator struct {
	lookup    VerifierLookup
	sessions  *SessionStore
	identity  *IdentityLimiter
	cooldowns *CooldownSet
}

// NewAuthenticator wires the shared handshake state.
func NewAuthenticator(lookup VerifierLookup, sessions *SessionStore) *Authenticator {
	return &Authenticator{
		lookup:    lookup,
		sessions:  sessions,
		identity:  NewIdentityLimiter(),
		cooldowns: NewCooldownSet(),
	}
}

// Sessions exposes the resume store for the relay's resume flow.
func (a *Authenticator) Sessions() *SessionStore { return a.sessions }

// NewHandshake starts per-connection handshake state.
func (a *Authenticator) NewHandshake() *Handshake {
	return &Handshake{
		auth:     a,
		limiter:  NewConnLimiter(),
		cooldown: NewCooldown(),
		now:      time.Now,
	}
}

// Result is a completed handshake: the server proof plus the negotiated keys.
type Result struct {
	M2 []byte

	// VerifyNonce travels in server_verify; the client mixes it the same
	// way to reach the transport key.
	VerifyNonce []byte

	// TransportKey encrypts this connection's traffic.
	TransportKey []byte

	// BaseSessionKey is the pre-mix traffic key, kept for the single-shot
	// legacy decryption fallback and stored for resume.
	BaseSessionKey []byte

	// SessionID names the resumable session minted for this handshake.
	SessionID string
}

// Handshake drives one connection's SRP exchange.
type Handshake struct {
	auth     *Authenticator
	limiter  *rate.Limiter
	cooldown *Cooldown

	identity string
	exchange *ServerExchange
	deadline time.Time
	now      func() time.Time
}

// Hello handles client_hello: applies rate limits and cooldowns, looks up the
// verifier, and returns the salt and server ephemeral for server_challenge.
func (h *Handshake) Hello(identity string) (salt, serverB []byte, err error) {
	if h.exchange != nil {
		return nil, nil, ErrHandshakeState
	}
	if !h.limiter.Allow() || !h.auth.identity.Allow(identity) {
		return nil, nil, ErrRateLimited
	}
	if h.cooldown.Remaining() > 0 || h.auth.cooldowns.Get(identity).Remaining() > 0 {
		return nil, nil, ErrCooldown
	}

	storedSalt, verifier, err := h.auth.lookup.LookupVerifier(identity)
	if err != nil {
		return nil, nil, ErrUnknownIdentity
	}
	exchange, err := NewServerExchange(identity, storedSalt, verifier)
	if err != nil {
		return nil, nil, err
	}

	h.identity = identity
	h.exchange = exchange
	h.deadline = h.now().Add(HandshakeDeadline)
	return exchange.Salt(), exchange.PublicB(), nil
}

// Proof handles client_proof. On success it mints a resumable session and
// returns the full key material; on failure it charges both cooldowns.
func (h *Handshake) Proof(clientA, clientM1 []byte) (*Result, error) {
	if h.exchange == nil {
		return nil, ErrHandshakeState
	}
	if h.now().After(h.deadline) {
		return nil, ErrHandshakeTimeout
	}

	m2, rawKey, err := h.exchange.VerifyProof(clientA, clientM1)
	if err != nil {
		h.cooldown.Failure()
		h.auth.cooldowns.Get(h.identity).Failure()
		return nil, err
	}

	trafficKey, err := TrafficKey(rawKey)
	if err != nil {
		return nil, err
	}
	verifyNonce := make([]byte, verifyNonceLen)
	if _, err := rand.Read(verifyNonce); err != nil {
		return nil, err
	}
	transportKey, err := TransportKey(trafficKey, verifyNonce)
	if err != nil {
		return nil, err
	}

	h.cooldown.Success()
	h.auth.cooldowns.Get(h.identity).Success()

	sessionID := uuid.NewString()
	h.auth.sessions.Put(sessionID, h.identity, trafficKey)

	// A finished exchange is one-shot.
	h.exchange = nil

	return &Result{
		M2:             m2,
		VerifyNonce:    verifyNonce,
		TransportKey:   transportKey,
		BaseSessionKey: trafficKey,
		SessionID:      sessionID,
	}, nil
}
