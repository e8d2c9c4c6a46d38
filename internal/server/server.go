// Package server provides the HTTP boundary: thin handlers over the
// supervisor, log store, and project index, plus the SSE subscription layer
// and the relay websocket mount.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/logstore"
	"github.com/wardenhq/warden/internal/project"
	"github.com/wardenhq/warden/internal/relay"
	"github.com/wardenhq/warden/internal/srp"
	"github.com/wardenhq/warden/internal/supervisor"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the HTTP server.
type Server struct {
	cfg     *config.Config
	router  *chi.Mux
	httpSrv *http.Server
	log     zerolog.Logger
	started time.Time

	supervisor *supervisor.Supervisor
	store      *logstore.Store
	projects   *project.Service
	bus        *event.Bus

	authStore *auth.Store
	sessions  *auth.SessionManager
	policer   *auth.Policer
	relay     *relay.Handler
}

// Options carries the wired components.
type Options struct {
	Config     *config.Config
	Supervisor *supervisor.Supervisor
	Store      *logstore.Store
	Projects   *project.Service
	Bus        *event.Bus
	AuthStore  *auth.Store
	Sessions   *auth.SessionManager
	SRP        *srp.Authenticator
}

// New assembles the router.
func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		router:     chi.NewRouter(),
		log:        logging.Component("server"),
		started:    time.Now(),
		supervisor: opts.Supervisor,
		store:      opts.Store,
		projects:   opts.Projects,
		bus:        opts.Bus,
		authStore:  opts.AuthStore,
		sessions:   opts.Sessions,
	}

	remoteEnabled := false
	if ra, err := config.LoadRemoteAccess(config.RemoteAccessPath()); err == nil {
		remoteEnabled = ra.Enabled
	}
	s.policer = auth.NewPolicer(remoteEnabled, opts.Config.DesktopAuthToken, opts.Sessions)

	s.setupMiddleware()
	s.setupRoutes()

	// The relay tunnels against the assembled router, so it mounts last.
	s.relay = relay.New(s.policer, opts.SRP, s.router)
	s.router.Get("/relay", s.relay.ServeHTTP)

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", auth.DesktopTokenHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Use(s.hostAllowlist)
	s.router.Use(s.authGate)
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.cfg.Addr(),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// SSE responses stay open indefinitely; no write timeout.
	}
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for tests and the relay tunnel.
func (s *Server) Router() *chi.Mux {
	return s.router
}
