// Package config provides configuration loading, merging, and path management.
//
// # Configuration Loading
//
// The Load function searches for and merges configuration from multiple
// sources in priority order:
//
//  1. Built-in defaults
//  2. Global config (~/.config/warden/warden.json or warden.jsonc)
//  3. Profile config (~/.config/warden/profiles/<name>/warden.json[c])
//  4. WARDEN_CONFIG file
//  5. WARDEN_* environment variables
//
// Later sources override earlier ones field by field. Boolean fields merge
// with OR so a profile can enable a feature the global config leaves off. A
// .env file in the working directory is read before the environment pass.
//
// # Supported Formats
//
// Both JSON and JSONC (JSON with Comments) are accepted; comments are
// stripped with tidwall/jsonc before parsing.
//
// # Variable Interpolation
//
// Configuration files support two placeholder forms:
//   - {env:VAR_NAME} - expands to the environment variable's value
//   - {file:path} - expands to the file's trimmed contents, JSON-escaped
//
// File paths may be absolute, relative to the config file's directory, or
// ~/-prefixed. A placeholder whose file is missing is left as-is.
//
// Example:
//
//	{
//	  "desktopAuthToken": "{file:~/.warden-desktop-token}"
//	}
//
// # Path Management
//
// Standard directories follow the XDG Base Directory Specification:
//   - Data: ~/.local/share/warden (XDG_DATA_HOME)
//   - Config: ~/.config/warden (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/warden (XDG_CACHE_HOME)
//   - State: ~/.local/state/warden (XDG_STATE_HOME)
//
// On Windows these map onto APPDATA and LOCALAPPDATA.
//
// Session logs live under DataDir (default <data>/projects, or
// <data>/profiles/<name>/projects for a named profile). The remote access
// file lives in the config directory and is managed separately from
// warden.json so enabling or revoking relay access never rewrites the main
// config.
//
// # Environment Variable Overrides
//
//   - WARDEN_HOST, WARDEN_PORT - listen address
//   - WARDEN_DATA_DIR - session log root
//   - WARDEN_PROFILE - profile name
//   - WARDEN_AUTH_ENABLED, WARDEN_AUTH_DISABLED - auth toggles
//   - WARDEN_DESKTOP_AUTH_TOKEN - desktop bypass token
//   - WARDEN_ALLOWED_HOSTS - Host header allowlist
//   - WARDEN_CONFIG - path to an extra config file
//   - WARDEN_LOG_LEVEL - log verbosity
package config
