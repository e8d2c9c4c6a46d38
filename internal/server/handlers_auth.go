package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/srp"
)

// defaultSRPIdentity names the account when setup does not pick one.
const defaultSRPIdentity = "warden"

// authStatus reports whether an account exists and whether the gate is
// active.
func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	exists := s.authStore != nil && s.authStore.AccountExists()
	writeJSON(w, http.StatusOK, map[string]any{
		"accountExists": exists,
		"authRequired":  s.cfg.AuthEnabled && !s.cfg.AuthDisabled && exists,
		"bypass":        s.cfg.AuthDisabled,
	})
}

type authSetupRequest struct {
	Password string `json:"password"`
	Identity string `json:"identity,omitempty"`
}

// authSetup provisions the password hash and SRP verifier. Re-provisioning an
// existing account requires the gate to be passed first (the gate exempts
// /auth/*, so check here).
func (s *Server) authSetup(w http.ResponseWriter, r *http.Request) {
	var req authSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "password is required")
		return
	}
	if s.authStore.AccountExists() && s.cfg.AuthEnabled && !s.cfg.AuthDisabled && !s.hasCredential(r) {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	identity := req.Identity
	if identity == "" {
		identity = defaultSRPIdentity
	}
	salt, verifier, err := srp.ComputeVerifier(identity, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.authStore.Setup(req.Password, identity, salt, verifier); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "identity": identity})
}

type authLoginRequest struct {
	Password string `json:"password"`
}

// authLogin verifies the password and sets a session cookie.
func (s *Server) authLogin(w http.ResponseWriter, r *http.Request) {
	var req authLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if err := s.authStore.VerifyPassword(req.Password); err != nil {
		if errors.Is(err, auth.ErrNoAccount) {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "no account configured")
			return
		}
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, err := s.sessions.NewSession()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(auth.SessionMaxLifetime.Seconds()),
	})
	writeSuccess(w)
}

// authLogout revokes the current session cookie.
func (s *Server) authLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		s.sessions.Revoke(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeSuccess(w)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	Identity        string `json:"identity,omitempty"`
}

// authChangePassword rotates the password and SRP verifier, and revokes
// every cookie session.
func (s *Server) authChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "currentPassword and newPassword are required")
		return
	}

	identity := req.Identity
	if identity == "" {
		identity = defaultSRPIdentity
	}
	salt, verifier, err := srp.ComputeVerifier(identity, req.NewPassword)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.authStore.ChangePassword(req.CurrentPassword, req.NewPassword, identity, salt, verifier); err != nil {
		if errors.Is(err, auth.ErrBadCredentials) || errors.Is(err, auth.ErrNoAccount) {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials")
			return
		}
		writeDomainError(w, err)
		return
	}
	s.sessions.RevokeAll()
	writeSuccess(w)
}
