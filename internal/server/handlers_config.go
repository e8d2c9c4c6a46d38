package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/wardenhq/warden/internal/config"
)

// getConfig echoes the effective configuration with secrets blanked.
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sanitized())
}

// getVersion reports build and instance identity.
func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	installID, err := config.InstallID()
	if err != nil {
		installID = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   Version,
		"goVersion": runtime.Version(),
		"installId": installID,
		"uptimeMs":  time.Since(s.started).Milliseconds(),
	})
}
