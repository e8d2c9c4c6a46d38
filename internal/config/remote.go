package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RemoteAccess is the operator-editable remote access file. It lives
// outside the main config so enabling or revoking remote access never
// touches warden.json.
type RemoteAccess struct {
	Enabled  bool   `yaml:"enabled"`
	RelayURL string `yaml:"relayUrl,omitempty"`
	Identity string `yaml:"identity,omitempty"`
}

// LoadRemoteAccess reads the remote access file. A missing file means
// remote access is disabled.
func LoadRemoteAccess(path string) (*RemoteAccess, error) {
	if path == "" {
		path = RemoteAccessPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &RemoteAccess{}, nil
		}
		return nil, fmt.Errorf("read remote access file: %w", err)
	}
	var ra RemoteAccess
	if err := yaml.Unmarshal(data, &ra); err != nil {
		return nil, fmt.Errorf("parse remote access file: %w", err)
	}
	return &ra, nil
}

// SaveRemoteAccess writes the remote access file with owner-only
// permissions. The identity names the SRP account, so the file is
// treated as sensitive even though it holds no secret material.
func SaveRemoteAccess(path string, ra *RemoteAccess) error {
	if path == "" {
		path = RemoteAccessPath()
	}
	data, err := yaml.Marshal(ra)
	if err != nil {
		return fmt.Errorf("encode remote access file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
