package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Project index
	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.listProjects)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/sessions", s.listProjectSessions)
			r.Get("/sessions/{sessionID}", s.readSession)
		})
	})

	// Sessions
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/create", s.createSession)
		r.Get("/recent", s.recentSessions)
		r.Delete("/queue/{queueID}", s.cancelQueued)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/stream", s.streamSession)
			r.Post("/send", s.sendMessage)
			r.Post("/mode", s.setMode)
			r.Post("/permissions/{requestID}", s.respondPermission)
			r.Delete("/", s.deleteSession)
		})
	})

	// Global event feed (SSE)
	r.Get("/events", s.globalEvents)

	// Local auth
	r.Route("/auth", func(r chi.Router) {
		r.Get("/status", s.authStatus)
		r.Post("/setup", s.authSetup)
		r.Post("/login", s.authLogin)
		r.Post("/logout", s.authLogout)
		r.Post("/change-password", s.authChangePassword)
	})

	// Introspection
	r.Get("/config", s.getConfig)
	r.Get("/version", s.getVersion)
	r.Get("/debug/processes", s.debugProcesses)
}
