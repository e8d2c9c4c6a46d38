package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/wardenhq/warden/internal/auth"
)

// hostAllowlist rejects requests whose Host header is not permitted:
// "*" allows everything, a comma list allows those names, and an empty
// setting allows loopback names only. Guards against DNS rebinding.
func (s *Server) hostAllowlist(next http.Handler) http.Handler {
	allowed := strings.TrimSpace(s.cfg.AllowedHosts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hostAllowed(allowed, r.Host) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusForbidden, ErrCodeInvalidRequest, "host not allowed")
	})
}

func hostAllowed(allowed, host string) bool {
	if allowed == "*" {
		return true
	}
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	if allowed == "" {
		return name == "localhost" || name == "127.0.0.1" || name == "::1" || name == ""
	}
	for _, entry := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(entry), name) {
			return true
		}
	}
	return false
}

// authGate requires a cookie session or desktop token when local auth is
// enabled. Auth endpoints stay reachable so login is possible; the relay
// endpoint applies its own connection policy.
func (s *Server) authGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled || s.cfg.AuthDisabled || s.authStore == nil || !s.authStore.AccountExists() {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/auth/") || r.URL.Path == "/relay" || r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}
		if s.hasCredential(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
	})
}

func (s *Server) hasCredential(r *http.Request) bool {
	if token := s.cfg.DesktopAuthToken; token != "" && r.Header.Get(auth.DesktopTokenHeader) == token {
		return true
	}
	if s.sessions == nil {
		return false
	}
	cookie, err := r.Cookie(auth.CookieName)
	if err != nil {
		return false
	}
	return s.sessions.Validate(cookie.Value)
}
