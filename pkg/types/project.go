package types

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ErrInvalidProjectID reports a malformed project id. It marks client
// input errors so the HTTP boundary can map them to 400 rather than 500.
var ErrInvalidProjectID = errors.New("invalid project id")

// Project groups related sessions under one directory.
type Project struct {
	ID   string `json:"id"`   // base64url of Path
	Name string `json:"name"` // base name of Path
	Path string `json:"path"` // absolute filesystem path

	// SessionDir is the log directory backing this project. When the same
	// logical path was seen from multiple hostnames the remaining directories
	// are listed in MergedSessionDirs.
	SessionDir        string   `json:"sessionDir"`
	MergedSessionDirs []string `json:"mergedSessionDirs,omitempty"`

	LastActivity time.Time `json:"lastActivity,omitzero"`
	SessionCount int       `json:"sessionCount"`
}

// AllSessionDirs returns the primary session directory followed by any
// merged ones.
func (p *Project) AllSessionDirs() []string {
	return append([]string{p.SessionDir}, p.MergedSessionDirs...)
}

// SessionMeta summarizes one session log for listings.
type SessionMeta struct {
	SessionID      string    `json:"sessionId"`
	ProjectPath    string    `json:"projectPath"`
	LogPath        string    `json:"-"`
	FirstTimestamp time.Time `json:"firstTimestamp,omitzero"`
	LastTimestamp  time.Time `json:"lastTimestamp,omitzero"`
	RecordCount    int       `json:"recordCount"`
	Preview        string    `json:"preview,omitempty"`
}

// EncodeProjectID encodes an absolute path as a URL-safe project id.
func EncodeProjectID(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(path))
}

// DecodeProjectID decodes a project id back to the absolute path it encodes.
// The id must be non-empty, valid base64url, and decode to an absolute path.
func DecodeProjectID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProjectID, err)
	}
	path := string(raw)
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: does not encode an absolute path", ErrInvalidProjectID)
	}
	return path, nil
}
