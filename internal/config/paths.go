package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Paths holds the standard directories used by the server.
type Paths struct {
	Data   string // Session logs, auth state, install id
	Config string // Configuration files
	Cache  string // Cached data
	State  string // Runtime state (locks, persisted relay sessions)
}

// GetPaths returns the standard paths, respecting XDG environment variables.
func GetPaths() Paths {
	home, _ := os.UserHomeDir()

	paths := Paths{
		Data:   filepath.Join(home, ".local", "share", "warden"),
		Config: filepath.Join(home, ".config", "warden"),
		Cache:  filepath.Join(home, ".cache", "warden"),
		State:  filepath.Join(home, ".local", "state", "warden"),
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		paths.Data = filepath.Join(xdg, "warden")
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths.Config = filepath.Join(xdg, "warden")
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		paths.Cache = filepath.Join(xdg, "warden")
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		paths.State = filepath.Join(xdg, "warden")
	}

	// Windows fallbacks
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths.Config = filepath.Join(appData, "warden")
		}
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			paths.Data = filepath.Join(localAppData, "warden", "data")
			paths.Cache = filepath.Join(localAppData, "warden", "cache")
			paths.State = filepath.Join(localAppData, "warden", "state")
		}
	}

	return paths
}

// EnsurePaths creates all standard directories.
func EnsurePaths() error {
	paths := GetPaths()
	for _, dir := range []string{paths.Data, paths.Config, paths.Cache, paths.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// defaultDataDir returns the session data directory for a profile. The
// default profile writes directly under the data root so existing logs
// stay where earlier releases put them.
func defaultDataDir(profile string) string {
	base := GetPaths().Data
	if profile == "" {
		return filepath.Join(base, "projects")
	}
	return filepath.Join(base, "profiles", profile, "projects")
}

// AuthPath returns the path of the credential file.
func AuthPath() string {
	return filepath.Join(GetPaths().Data, "auth.json")
}

// RemoteAccessPath returns the path of the remote access file.
func RemoteAccessPath() string {
	return filepath.Join(GetPaths().Config, "remote-access.yaml")
}

// RelaySessionsPath returns where resumable relay sessions persist.
func RelaySessionsPath() string {
	return filepath.Join(GetPaths().State, "relay-sessions.json")
}

// InstallID returns the stable installation identifier, creating it on
// first use. The id never leaves the machine except in relay hellos.
func InstallID() (string, error) {
	path := filepath.Join(GetPaths().Data, "install-id")
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
