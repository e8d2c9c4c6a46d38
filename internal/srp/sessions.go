package srp

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sessionMaxLifetime  = 30 * 24 * time.Hour
	sessionIdleLifetime = 8 * 24 * time.Hour
	sessionsPerIdentity = 5

	challengeNonceLen = 24
	challengeLifetime = 60 * time.Second
	resumeClockSkew   = 60 * time.Second
)

// ErrResumeInvalid is the only resume failure callers see; unknown session,
// expired challenge, and bad proof are deliberately indistinguishable.
var ErrResumeInvalid = errors.New("invalid")

// Session is one resumable relay session: the identity that established it
// and the traffic key it negotiated.
type Session struct {
	ID         string    `json:"id"`
	Identity   string    `json:"identity"`
	TrafficKey []byte    `json:"trafficKey"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
}

type challenge struct {
	sessionID string
	nonce     []byte
	issuedAt  time.Time
}

// SessionStore holds resumable sessions and outstanding resume challenges.
// It is in-memory by default; pass a path to persist sessions across
// restarts.
type SessionStore struct {
	path string

	mu         sync.Mutex
	sessions   map[string]*Session
	challenges map[string]*challenge
	now        func() time.Time
}

// NewSessionStore loads persisted sessions from path when it is non-empty.
func NewSessionStore(path string) (*SessionStore, error) {
	s := &SessionStore{
		path:       path,
		sessions:   make(map[string]*Session),
		challenges: make(map[string]*challenge),
		now:        time.Now,
	}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		// Corrupt store just forces full handshakes.
		s.sessions = make(map[string]*Session)
	}
	return s, nil
}

// Put stores a freshly negotiated session, evicting the identity's
// oldest-by-last-used session when it already holds the per-identity maximum.
func (s *SessionStore) Put(sessionID, identity string, trafficKey []byte) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	var owned []*Session
	for _, sess := range s.sessions {
		if sess.Identity == identity {
			owned = append(owned, sess)
		}
	}
	for len(owned) >= sessionsPerIdentity {
		oldest := owned[0]
		for _, sess := range owned[1:] {
			if sess.LastUsed.Before(oldest.LastUsed) {
				oldest = sess
			}
		}
		delete(s.sessions, oldest.ID)
		next := owned[:0]
		for _, sess := range owned {
			if sess.ID != oldest.ID {
				next = append(next, sess)
			}
		}
		owned = next
	}

	sess := &Session{
		ID:         sessionID,
		Identity:   identity,
		TrafficKey: append([]byte(nil), trafficKey...),
		CreatedAt:  now,
		LastUsed:   now,
	}
	s.sessions[sessionID] = sess
	s.saveLocked()
	return sess
}

// Challenge issues a resume challenge for a stored session. The nonce is
// single-use and expires after 60 seconds. An unknown session still gets a
// nonce so the caller leaks nothing; the proof will simply never verify.
func (s *SessionStore) Challenge(sessionID string) ([]byte, error) {
	nonce := make([]byte, challengeNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[sessionID] = &challenge{
		sessionID: sessionID,
		nonce:     nonce,
		issuedAt:  s.now(),
	}
	return nonce, nil
}

// resumePayload is the plaintext the client seals with the stored session's
// traffic key.
type resumePayload struct {
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Nonce     string `json:"challengeNonce"` // base64
}

// SealResumeProof builds the client-side proof for a resume challenge.
func SealResumeProof(trafficKey []byte, sessionID string, challengeNonce []byte, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(resumePayload{
		Timestamp: now.Unix(),
		SessionID: sessionID,
		Nonce:     base64.StdEncoding.EncodeToString(challengeNonce),
	})
	if err != nil {
		return nil, err
	}
	aead, err := NewAEAD(trafficKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, payload, nil), nil
}

// Resume verifies a resume proof against the outstanding challenge. On
// success the challenge is consumed, the session's idle clock refreshed, and
// its traffic key returned. Every failure is ErrResumeInvalid.
func (s *SessionStore) Resume(sessionID, identity string, proof []byte) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	ch, ok := s.challenges[sessionID]
	// Single-use: the challenge is gone whether or not the proof verifies.
	delete(s.challenges, sessionID)
	if !ok || now.Sub(ch.issuedAt) > challengeLifetime {
		return nil, ErrResumeInvalid
	}

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Identity != identity {
		return nil, ErrResumeInvalid
	}

	aead, err := NewAEAD(sess.TrafficKey)
	if err != nil {
		return nil, ErrResumeInvalid
	}
	if len(proof) < chacha20poly1305.NonceSizeX {
		return nil, ErrResumeInvalid
	}
	plaintext, err := aead.Open(nil, proof[:chacha20poly1305.NonceSizeX], proof[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrResumeInvalid
	}

	var payload resumePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrResumeInvalid
	}
	if payload.SessionID != sessionID {
		return nil, ErrResumeInvalid
	}
	gotNonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil || !nonceEqual(gotNonce, ch.nonce) {
		return nil, ErrResumeInvalid
	}
	skew := now.Unix() - payload.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(resumeClockSkew/time.Second) {
		return nil, ErrResumeInvalid
	}

	sess.LastUsed = now
	s.saveLocked()
	return sess, nil
}

// Touch refreshes a session's idle clock.
func (s *SessionStore) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastUsed = s.now()
		s.saveLocked()
	}
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.sessions)
}

func nonceEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func (s *SessionStore) pruneLocked(now time.Time) {
	for id, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > sessionMaxLifetime || now.Sub(sess.LastUsed) > sessionIdleLifetime {
			delete(s.sessions, id)
		}
	}
	for id, ch := range s.challenges {
		if now.Sub(ch.issuedAt) > challengeLifetime {
			delete(s.challenges, id)
		}
	}
}

func (s *SessionStore) saveLocked() {
	if s.path == "" {
		return
	}
	data, err := json.Marshal(s.sessions)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if os.WriteFile(tmp, data, 0o600) == nil {
		_ = os.Rename(tmp, s.path)
	}
}
