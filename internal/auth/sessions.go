package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// SessionMaxLifetime caps a cookie session regardless of activity.
	SessionMaxLifetime = 30 * 24 * time.Hour

	// SessionIdleLifetime expires a cookie session that goes unused.
	SessionIdleLifetime = 8 * 24 * time.Hour

	// CookieName is the session cookie set on login.
	CookieName = "warden_session"
)

type cookieSession struct {
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// SessionManager holds cookie sessions, persisted to an owner-only file so
// logins survive server restarts.
type SessionManager struct {
	path string

	mu       sync.Mutex
	sessions map[string]*cookieSession
	now      func() time.Time
}

// NewSessionManager loads persisted sessions from path. Pass an empty path for
// a purely in-memory manager.
func NewSessionManager(path string) (*SessionManager, error) {
	m := &SessionManager{
		path:     path,
		sessions: make(map[string]*cookieSession),
		now:      time.Now,
	}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &m.sessions); err != nil {
		// A corrupt session file just forces everyone to log in again.
		m.sessions = make(map[string]*cookieSession)
	}
	return m, nil
}

// NewSession mints a fresh session token.
func (m *SessionManager) NewSession() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sessions[token] = &cookieSession{CreatedAt: now, LastUsed: now}
	m.pruneLocked(now)
	if err := m.saveLocked(); err != nil {
		return "", err
	}
	return token, nil
}

// Validate checks a token and, when valid, refreshes its idle clock.
func (m *SessionManager) Validate(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[token]
	if !ok {
		return false
	}
	now := m.now()
	if m.expired(sess, now) {
		delete(m.sessions, token)
		_ = m.saveLocked()
		return false
	}
	sess.LastUsed = now
	return true
}

// Revoke drops a session (logout).
func (m *SessionManager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; ok {
		delete(m.sessions, token)
		_ = m.saveLocked()
	}
}

// RevokeAll drops every session (password change).
func (m *SessionManager) RevokeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*cookieSession)
	_ = m.saveLocked()
}

func (m *SessionManager) expired(sess *cookieSession, now time.Time) bool {
	return now.Sub(sess.CreatedAt) > SessionMaxLifetime || now.Sub(sess.LastUsed) > SessionIdleLifetime
}

func (m *SessionManager) pruneLocked(now time.Time) {
	for token, sess := range m.sessions {
		if m.expired(sess, now) {
			delete(m.sessions, token)
		}
	}
}

func (m *SessionManager) saveLocked() error {
	if m.path == "" {
		return nil
	}
	data, err := json.Marshal(m.sessions)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
