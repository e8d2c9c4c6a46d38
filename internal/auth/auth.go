// Package auth provides local password authentication, cookie sessions, and
// the connection-policy classifier for incoming websockets.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNoAccount is returned when no local account has been set up.
	ErrNoAccount = errors.New("no account configured")

	// ErrBadCredentials is returned for a wrong password.
	ErrBadCredentials = errors.New("invalid credentials")
)

// credentials is the on-disk auth file. The SRP verifier lives alongside the
// password hash so one setup call provisions both local and relay auth.
type credentials struct {
	PasswordHash string    `json:"passwordHash"`
	SRPIdentity  string    `json:"srpIdentity,omitempty"`
	SRPSalt      string    `json:"srpSalt,omitempty"`     // base64
	SRPVerifier  string    `json:"srpVerifier,omitempty"` // base64
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store owns the credential file.
type Store struct {
	path string

	mu    sync.Mutex
	creds *credentials
}

// NewStore creates a store backed by the given file. A missing file means no
// account exists yet.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read auth file: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse auth file: %w", err)
	}
	s.creds = &creds
	return s, nil
}

// AccountExists reports whether a password has been provisioned.
func (s *Store) AccountExists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds != nil && s.creds.PasswordHash != ""
}

// Setup provisions the password hash and SRP credentials. The SRP salt and
// verifier are computed by the caller (the srp package owns the math).
func (s *Store) Setup(password, srpIdentity string, srpSalt, srpVerifier []byte) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	created := now
	if s.creds != nil && !s.creds.CreatedAt.IsZero() {
		created = s.creds.CreatedAt
	}
	s.creds = &credentials{
		PasswordHash: string(hash),
		SRPIdentity:  srpIdentity,
		SRPSalt:      base64.StdEncoding.EncodeToString(srpSalt),
		SRPVerifier:  base64.StdEncoding.EncodeToString(srpVerifier),
		CreatedAt:    created,
		UpdatedAt:    now,
	}
	return s.saveLocked()
}

// VerifyPassword checks a password against the stored hash.
func (s *Store) VerifyPassword(password string) error {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	if creds == nil || creds.PasswordHash == "" {
		return ErrNoAccount
	}
	if bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// ChangePassword verifies the current password and installs a new one. The
// caller supplies refreshed SRP credentials derived from the new password.
func (s *Store) ChangePassword(current, next, srpIdentity string, srpSalt, srpVerifier []byte) error {
	if err := s.VerifyPassword(current); err != nil {
		return err
	}
	return s.Setup(next, srpIdentity, srpSalt, srpVerifier)
}

// LookupVerifier returns the SRP salt and verifier for an identity. It
// satisfies the srp handshake's verifier lookup.
func (s *Store) LookupVerifier(identity string) (salt, verifier []byte, err error) {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	if creds == nil || creds.SRPIdentity == "" || creds.SRPIdentity != identity {
		return nil, nil, ErrNoAccount
	}
	salt, err = base64.StdEncoding.DecodeString(creds.SRPSalt)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt srp salt: %w", err)
	}
	verifier, err = base64.StdEncoding.DecodeString(creds.SRPVerifier)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt srp verifier: %w", err)
	}
	return salt, verifier, nil
}

// saveLocked writes the credential file with owner-only permissions.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
