package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// listProjects returns every project known to the index.
func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// listProjectSessions returns session metadata for one project.
func (s *Server) listProjectSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.projects.Sessions(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// readSession returns a session's committed records, optionally only those
// after a given message id.
func (s *Server) readSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	sessionID := chi.URLParam(r, "sessionID")
	afterID := r.URL.Query().Get("afterMessageId")

	// Sessions may live in a merged cross-host directory, so resolve the
	// log through the index rather than the primary directory alone.
	meta, err := s.projects.FindSession(r.Context(), projectID, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	records, err := s.store.Read(meta.LogPath, afterID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"messages":  records,
	})
}
