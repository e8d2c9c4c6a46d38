package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/logstore"
	"github.com/wardenhq/warden/internal/project"
	"github.com/wardenhq/warden/internal/provider"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/srp"
	"github.com/wardenhq/warden/internal/supervisor"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the warden server",
	Long: `Start the supervisor and its HTTP/WebSocket API.

The server manages agent subprocesses, serves session logs and the
project index, and exposes the relay endpoint for remote access.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
}

// services bundles everything serve wires together so startup and
// shutdown stay symmetric.
type services struct {
	bus        *event.Bus
	store      *logstore.Store
	projects   *project.Service
	watcher    *project.Watcher
	supervisor *supervisor.Supervisor
	server     *server.Server
}

// buildServices assembles the component graph from the effective
// configuration.
func buildServices(cfg *config.Config) (*services, error) {
	store := logstore.New(cfg.DataDir)
	bus := event.NewBus()

	projects := project.NewService(store, bus, cfg.CacheTTL())

	// The watcher feeds FileChange events to the project index cache and
	// live session tails.
	watcher, err := project.NewWatcher(cfg.DataDir, bus)
	if err != nil {
		projects.Close()
		bus.Close()
		return nil, err
	}
	watcher.Start()

	sup := supervisor.New(store, bus, provider.DefaultRegistry(), supervisor.Config{
		PerProjectCap:   cfg.PerProjectConcurrencyCap,
		MaxQueueSize:    cfg.MaxQueueSize,
		MessageQueueCap: cfg.MessageQueueCap,
		IdleTimeout:     cfg.IdleTimeout(),
	})

	authStore, err := auth.NewStore(config.AuthPath())
	if err != nil {
		sup.Shutdown("startup-failed")
		_ = watcher.Stop()
		projects.Close()
		bus.Close()
		return nil, err
	}
	sessions, err := auth.NewSessionManager(filepath.Join(config.GetPaths().State, "sessions.json"))
	if err != nil {
		sup.Shutdown("startup-failed")
		_ = watcher.Stop()
		projects.Close()
		bus.Close()
		return nil, err
	}

	relaySessionsPath := ""
	if cfg.PersistRemoteSessionsToDisk {
		relaySessionsPath = config.RelaySessionsPath()
	}
	relaySessions, err := srp.NewSessionStore(relaySessionsPath)
	if err != nil {
		sup.Shutdown("startup-failed")
		_ = watcher.Stop()
		projects.Close()
		bus.Close()
		return nil, err
	}

	srv := server.New(server.Options{
		Config:     cfg,
		Supervisor: sup,
		Store:      store,
		Projects:   projects,
		Bus:        bus,
		AuthStore:  authStore,
		Sessions:   sessions,
		SRP:        srp.NewAuthenticator(authStore, relaySessions),
	})

	return &services{
		bus:        bus,
		store:      store,
		projects:   projects,
		watcher:    watcher,
		supervisor: sup,
		server:     srv,
	}, nil
}

// shutdown tears components down in reverse dependency order: processes
// first, then the watcher, then the index and bus.
func (s *services) shutdown(reason string) {
	s.supervisor.Shutdown(reason)
	_ = s.watcher.Stop()
	s.projects.Close()
	s.bus.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if err := config.EnsurePaths(); err != nil {
		return err
	}

	server.Version = Version
	log := logging.Component("main")
	log.Info().Str("version", Version).Str("dataDir", cfg.DataDir).Msg("starting warden")

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}

	go func() {
		if err := svc.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	svc.shutdown("server-shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}
