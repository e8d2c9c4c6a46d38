package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateHome points HOME (and the XDG variables) at a temp directory so
// tests never read the developer's real config.
func isolateHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("WARDEN_CONFIG", "")
	return tmpDir
}

func writeGlobalConfig(t *testing.T, home, content string) {
	t.Helper()
	configPath := filepath.Join(home, ".config", "warden", "warden.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(configPath), 0o755))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
}

func TestDefaults(t *testing.T) {
	isolateHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 4096, cfg.Port)
	assert.Equal(t, 3, cfg.PerProjectConcurrencyCap)
	assert.Equal(t, 50, cfg.MessageQueueCap)
	assert.Equal(t, 100, cfg.MaxQueueSize)
	assert.Equal(t, 5000, cfg.CacheTTLMs)
	assert.False(t, cfg.AuthEnabled)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadGlobalConfig(t *testing.T) {
	home := isolateHome(t)

	writeGlobalConfig(t, home, `{
		"port": 5000,
		"authEnabled": true,
		"remoteExecutors": ["buildbox"],
		"cacheTtlMs": 2500
	}`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Port)
	assert.True(t, cfg.AuthEnabled)
	assert.Equal(t, []string{"buildbox"}, cfg.RemoteExecutors)
	assert.Equal(t, 2500, cfg.CacheTTLMs)
	// Unset fields keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Host)
}

func TestJSONCComments(t *testing.T) {
	home := isolateHome(t)

	jsoncConfig := `{
		// listen somewhere else
		"port": 8080,
		/* multi-line
		   comment */
		"logLevel": "debug" // inline comment
	}`

	configPath := filepath.Join(home, ".config", "warden", "warden.jsonc")
	require.NoError(t, os.MkdirAll(filepath.Dir(configPath), 0o755))
	require.NoError(t, os.WriteFile(configPath, []byte(jsoncConfig), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvInterpolation(t *testing.T) {
	home := isolateHome(t)
	t.Setenv("TEST_DESKTOP_TOKEN", "interpolated-token")

	writeGlobalConfig(t, home, `{
		"desktopAuthToken": "{env:TEST_DESKTOP_TOKEN}"
	}`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "interpolated-token", cfg.DesktopAuthToken)
}

func TestFileInterpolation(t *testing.T) {
	home := isolateHome(t)

	tokenFile := filepath.Join(home, "token.txt")
	require.NoError(t, os.WriteFile(tokenFile, []byte("file-token\n"), 0o600))

	writeGlobalConfig(t, home, `{
		"desktopAuthToken": "{file:~/token.txt}"
	}`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "file-token", cfg.DesktopAuthToken)
}

func TestProfileOverridesGlobal(t *testing.T) {
	home := isolateHome(t)

	writeGlobalConfig(t, home, `{
		"port": 5000,
		"logLevel": "info"
	}`)

	profileDir := filepath.Join(home, ".config", "warden", "profiles", "work")
	require.NoError(t, os.MkdirAll(profileDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "warden.json"), []byte(`{
		"port": 6000
	}`), 0o644))

	cfg, err := Load("work")
	require.NoError(t, err)

	// Profile model should override global; untouched fields persist.
	assert.Equal(t, 6000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "work", cfg.ProfileName)
	assert.Contains(t, cfg.DataDir, filepath.Join("profiles", "work"))
}

func TestEnvVarOverride(t *testing.T) {
	home := isolateHome(t)
	t.Setenv("WARDEN_PORT", "7777")
	t.Setenv("WARDEN_AUTH_ENABLED", "true")

	writeGlobalConfig(t, home, `{
		"port": 5000
	}`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Port)
	assert.True(t, cfg.AuthEnabled)
}

func TestWARDEN_CONFIG(t *testing.T) {
	home := isolateHome(t)

	customPath := filepath.Join(home, "custom.json")
	require.NoError(t, os.WriteFile(customPath, []byte(`{
		"host": "0.0.0.0",
		"allowedHosts": "*"
	}`), 0o644))
	t.Setenv("WARDEN_CONFIG", customPath)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "*", cfg.AllowedHosts)
}

func TestValidation(t *testing.T) {
	home := isolateHome(t)

	writeGlobalConfig(t, home, `{"remoteExecutors": ["ok-host", "bad host; rm -rf"]}`)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote executor")
}

func TestSanitized(t *testing.T) {
	cfg := Default()
	cfg.DesktopAuthToken = "super-secret"

	out := cfg.Sanitized()
	assert.Equal(t, "(set)", out.DesktopAuthToken)
	assert.Equal(t, "super-secret", cfg.DesktopAuthToken)

	cfg.DesktopAuthToken = ""
	assert.Empty(t, cfg.Sanitized().DesktopAuthToken)
}

func TestRemoteAccessRoundTrip(t *testing.T) {
	home := isolateHome(t)

	path := filepath.Join(home, "remote-access.yaml")

	// Missing file reads as disabled.
	ra, err := LoadRemoteAccess(path)
	require.NoError(t, err)
	assert.False(t, ra.Enabled)

	require.NoError(t, SaveRemoteAccess(path, &RemoteAccess{
		Enabled:  true,
		RelayURL: "wss://relay.example.com/connect",
		Identity: "device-1",
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ra, err = LoadRemoteAccess(path)
	require.NoError(t, err)
	assert.True(t, ra.Enabled)
	assert.Equal(t, "wss://relay.example.com/connect", ra.RelayURL)
	assert.Equal(t, "device-1", ra.Identity)
}

func TestInstallIDStable(t *testing.T) {
	isolateHome(t)

	first, err := InstallID()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := InstallID()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
