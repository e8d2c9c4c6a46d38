package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Config is the full configuration surface of the server.
type Config struct {
	// Placement.
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	DataDir     string `json:"dataDir,omitempty"`
	ProfileName string `json:"profileName,omitempty"`

	// Local auth.
	AuthEnabled      bool   `json:"authEnabled,omitempty"`
	AuthDisabled     bool   `json:"authDisabled,omitempty"` // operator recovery: bypasses the cookie gate
	DesktopAuthToken string `json:"desktopAuthToken,omitempty"`

	// Remote execution and exposure.
	RemoteExecutors []string `json:"remoteExecutors,omitempty"`
	AllowedHosts    string   `json:"allowedHosts,omitempty"` // "*", comma list, or empty for loopback only

	// Relay session persistence.
	PersistRemoteSessionsToDisk bool `json:"persistRemoteSessionsToDisk,omitempty"`

	// Supervisor tuning.
	IdleTimeoutMs            int `json:"idleTimeoutMs,omitempty"`
	MessageQueueCap          int `json:"messageQueueCap,omitempty"`
	PerProjectConcurrencyCap int `json:"perProjectConcurrencyCap,omitempty"`
	MaxQueueSize             int `json:"maxQueueSize,omitempty"`

	// Project index.
	CacheTTLMs int `json:"cacheTtlMs,omitempty"`

	// Logging.
	LogLevel  string `json:"logLevel,omitempty"`
	LogPretty bool   `json:"logPretty,omitempty"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host:                     "127.0.0.1",
		Port:                     4096,
		MessageQueueCap:          50,
		PerProjectConcurrencyCap: 3,
		MaxQueueSize:             100,
		CacheTTLMs:               5000,
	}
}

// CacheTTL returns the project index TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// IdleTimeout returns the process idle timeout; zero disables it.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Sanitized returns a copy safe to echo over HTTP: secrets blanked.
func (c *Config) Sanitized() Config {
	out := *c
	if out.DesktopAuthToken != "" {
		out.DesktopAuthToken = "(set)"
	}
	return out
}

// Load builds the configuration (priority order):
//  1. Built-in defaults
//  2. Global config (~/.config/warden/warden.json[c])
//  3. Profile config (<config>/profiles/<name>/warden.json[c])
//  4. WARDEN_CONFIG file
//  5. Environment variables
func Load(profile string) (*Config, error) {
	// A .env alongside the working directory participates in env overrides.
	_ = godotenv.Load()

	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, cfg, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "warden.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "warden.jsonc"), globalPath)

	if profile != "" {
		cfg.ProfileName = profile
	}
	if cfg.ProfileName != "" {
		profileDir := filepath.Join(globalPath, "profiles", cfg.ProfileName)
		loadOnce(filepath.Join(profileDir, "warden.json"), profileDir)
		loadOnce(filepath.Join(profileDir, "warden.jsonc"), profileDir)
	}

	if configPath := os.Getenv("WARDEN_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	applyEnvOverrides(cfg)

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir(cfg.ProfileName)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, cfg *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	// Apply interpolation
	data = interpolate(data, baseDir)

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}

	merge(cfg, &fileCfg)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	// Handle {env:VAR_NAME} placeholders
	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	// Handle {file:path} placeholders
	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped := strings.ReplaceAll(strings.TrimSpace(string(content)), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")

		return escaped
	})

	return []byte(str)
}

// merge folds source into target. Strings and ints merge when set; bool
// fields merge with OR, so any layer can switch a feature on.
func merge(target, source *Config) {
	if source.Host != "" {
		target.Host = source.Host
	}
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.ProfileName != "" {
		target.ProfileName = source.ProfileName
	}
	if source.DesktopAuthToken != "" {
		target.DesktopAuthToken = source.DesktopAuthToken
	}
	if len(source.RemoteExecutors) > 0 {
		target.RemoteExecutors = append(target.RemoteExecutors, source.RemoteExecutors...)
	}
	if source.AllowedHosts != "" {
		target.AllowedHosts = source.AllowedHosts
	}
	if source.IdleTimeoutMs != 0 {
		target.IdleTimeoutMs = source.IdleTimeoutMs
	}
	if source.MessageQueueCap != 0 {
		target.MessageQueueCap = source.MessageQueueCap
	}
	if source.PerProjectConcurrencyCap != 0 {
		target.PerProjectConcurrencyCap = source.PerProjectConcurrencyCap
	}
	if source.MaxQueueSize != 0 {
		target.MaxQueueSize = source.MaxQueueSize
	}
	if source.CacheTTLMs != 0 {
		target.CacheTTLMs = source.CacheTTLMs
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}

	target.AuthEnabled = target.AuthEnabled || source.AuthEnabled
	target.AuthDisabled = target.AuthDisabled || source.AuthDisabled
	target.PersistRemoteSessionsToDisk = target.PersistRemoteSessionsToDisk || source.PersistRemoteSessionsToDisk
	target.LogPretty = target.LogPretty || source.LogPretty
}

// applyEnvOverrides applies WARDEN_* environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("WARDEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("WARDEN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WARDEN_PROFILE"); v != "" {
		cfg.ProfileName = v
	}
	if v := os.Getenv("WARDEN_AUTH_ENABLED"); v != "" {
		cfg.AuthEnabled = isTruthy(v)
	}
	if v := os.Getenv("WARDEN_AUTH_DISABLED"); v != "" {
		cfg.AuthDisabled = isTruthy(v)
	}
	if v := os.Getenv("WARDEN_DESKTOP_AUTH_TOKEN"); v != "" {
		cfg.DesktopAuthToken = v
	}
	if v := os.Getenv("WARDEN_ALLOWED_HOSTS"); v != "" {
		cfg.AllowedHosts = v
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// sshAliasPattern matches the host aliases accepted for remote executors.
var sshAliasPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// validate rejects configurations the server cannot run with.
func validate(cfg *Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MessageQueueCap <= 0 {
		return fmt.Errorf("messageQueueCap must be positive")
	}
	if cfg.PerProjectConcurrencyCap <= 0 {
		return fmt.Errorf("perProjectConcurrencyCap must be positive")
	}
	for _, alias := range cfg.RemoteExecutors {
		if !sshAliasPattern.MatchString(alias) {
			return fmt.Errorf("invalid remote executor alias %q", alias)
		}
	}
	return nil
}
