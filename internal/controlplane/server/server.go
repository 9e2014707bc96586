// Package server wires together all control-plane subsystems and exposes the
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/analyzer"
	"github.com/packpool/packpool/internal/controlplane/auth"
	"github.com/packpool/packpool/internal/controlplane/config"
	"github.com/packpool/packpool/internal/controlplane/coordinator"
	"github.com/packpool/packpool/internal/controlplane/events"
	"github.com/packpool/packpool/internal/controlplane/reconciler"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/notify"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	// Core subsystems
	store       *store.Store
	eventBus    *events.Bus
	analyzer    *analyzer.Analyzer
	coordinator *coordinator.Coordinator
	reconciler  *reconciler.Reconciler

	// Auth (nil when disabled)
	authStore *auth.KeyStore

	// Notifications (nil when unconfigured)
	notifyRelay *notify.Relay

	// HTTP
	httpServer *http.Server
}

// New builds a fully-wired Server from config. The runner is the package
// execution collaborator the coordinator drives during syncs.
func New(cfg config.Config, logger *zap.Logger, runner coordinator.PackageRunner) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "controlplane.db"), logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	s.store = st

	s.eventBus = events.NewBus(256)
	s.analyzer = analyzer.New(st, logger.Named("analyzer"))

	coord, err := coordinator.New(st, runner, s.eventBus, logger.Named("coordinator"), coordinator.Options{
		Retry: coordinator.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff.Std(),
			Multiplier:     cfg.Retry.Multiplier,
			MaxBackoff:     cfg.Retry.MaxBackoff.Std(),
		},
		OperationTimeout: cfg.OperationTimeout.Std(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build coordinator: %w", err)
	}
	s.coordinator = coord

	s.reconciler = reconciler.New(st, s.analyzer, s.eventBus, logger.Named("reconciler"), reconciler.Config{
		Interval:         cfg.ReconcileInterval.Std(),
		OfflineThreshold: cfg.OfflineThreshold.Std(),
		OfflineRetention: cfg.OfflineRetention.Std(),
		OperationCeiling: cfg.OperationTimeout.Std() * 2,
	})

	if cfg.AuthEnabled {
		ks, err := auth.NewKeyStore(filepath.Join(cfg.DataDir, "auth.db"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open auth store: %w", err)
		}
		s.authStore = ks
	}

	s.initNotify()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	if s.authStore != nil {
		handler = auth.Middleware(s.authStore, []string{
			"/healthz",
			"/version",
			"/metrics",
			"/api/v1/endpoints/register",
			// Endpoint data paths carry their own per-endpoint key check.
			"/api/v1/endpoints/*",
		})(handler)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) initNotify() {
	n := s.cfg.Notify
	if n.WebhookURL == "" && n.SlackURL == "" {
		return
	}

	var route notify.SeverityRoute
	if n.SlackURL != "" {
		route.Critical = append(route.Critical, notify.NewSlackChannel(n.SlackURL, ""))
	}
	if n.WebhookURL != "" {
		route.Info = append(route.Info, notify.NewWebhookChannel(n.WebhookURL, nil))
	}

	log := zapr.NewLogger(s.logger.Named("notify"))
	router := notify.NewRouter(route, notify.NewRateLimiter(60), log)
	s.notifyRelay = notify.NewRelay(s.eventBus, router, log)
}

// Store exposes the state store for tests and CLI embedding.
func (s *Server) Store() *store.Store { return s.store }

// Coordinator exposes the sync coordinator for tests and CLI embedding.
func (s *Server) Coordinator() *coordinator.Coordinator { return s.coordinator }

// Run starts background workers and the HTTP listener, blocking until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.reconciler.Start(); err != nil {
		return err
	}
	if s.notifyRelay != nil {
		s.notifyRelay.Start()
	}

	s.logger.Info("starting control plane",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("auth", s.authStore != nil),
		zap.Bool("tls", s.cfg.HasTLS()),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	s.reconciler.Stop()
	s.coordinator.WaitIdle()
	if s.notifyRelay != nil {
		s.notifyRelay.Stop()
	}
	return err
}

// Close releases all resources.
func (s *Server) Close() {
	if s.store != nil {
		s.store.Close()
	}
	if s.authStore != nil {
		s.authStore.Close()
	}
}
