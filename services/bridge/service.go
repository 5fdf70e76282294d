// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bridge assembles the gateway service: the concurrency gate,
// the session store and its sweeper, the execution adapter, the
// instance registry and prober, and the HTTP surface that ties them
// together.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
	"github.com/AleutianAI/AleutianBridge/services/bridge/adapter"
	"github.com/AleutianAI/AleutianBridge/services/bridge/config"
	"github.com/AleutianAI/AleutianBridge/services/bridge/gate"
	"github.com/AleutianAI/AleutianBridge/services/bridge/handlers"
	"github.com/AleutianAI/AleutianBridge/services/bridge/middleware"
	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/AleutianAI/AleutianBridge/services/bridge/perf"
	"github.com/AleutianAI/AleutianBridge/services/bridge/registry"
	"github.com/AleutianAI/AleutianBridge/services/bridge/routes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/session"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the bridge service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal or
	// fatal error. Cleanup is automatic on return.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// service is the concrete bridge instance.
type service struct {
	config config.BridgeConfig
	router *gin.Engine

	logger    *logging.EventLogger
	broadcast *logging.BroadcastExporter
	gate      *gate.Gate
	sessions  *session.Store
	sweeper   *session.Sweeper
	adapter   adapter.Adapter
	execs     *adapter.ExecutionRegistry
	perf      *perf.Monitor
	registry  *registry.Registry
	prober    *registry.Prober
	keyring   *middleware.Keyring

	backendInfo adapter.BackendInfo

	tracerCleanup func(context.Context)
}

// New builds a ready-to-run bridge from cfg.
//
// # Description
//
// Initialization order: event logger, tracer, metrics, adapter and
// execution registry, session store and sweeper, gate and perf
// monitor, registry and prober, auth keyring, router. Any failure
// releases what was already built via cleanup.
//
// # Inputs
//
//   - cfg: Validated configuration (see config.Load).
//
// # Outputs
//
//   - Service: Ready-to-run bridge service
//   - error: Non-nil if initialization fails
func New(cfg config.BridgeConfig) (Service, error) {
	s := &service{config: cfg}

	if err := s.initLogger(); err != nil {
		return nil, fmt.Errorf("failed to initialize event logger: %w", err)
	}

	if cfg.Telemetry.OTelEndpoint != "" {
		cleanup, err := observability.InitTracer(cfg.Telemetry.OTelEndpoint, cfg.Server.InstanceName)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if cfg.Telemetry.EnableMetrics && observability.DefaultMetrics == nil {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	s.initAdapter()
	s.initSessions()
	s.gate = gate.New(gate.Config{
		MaxConcurrency: cfg.Gate.MaxConcurrency,
		QueueDepth:     cfg.Gate.QueueDepth,
		MaxWait:        cfg.Gate.MaxWait,
	}, s.logger)
	s.perf = perf.New(perf.Config{
		Default: perf.Thresholds{
			Slow:     cfg.Perf.SlowThreshold,
			VerySlow: cfg.Perf.VerySlowThreshold,
		},
		Tools: perf.Thresholds{
			Slow:     cfg.Perf.SlowThresholdTools,
			VerySlow: cfg.Perf.VerySlowThresholdTools,
		},
		WindowSize: cfg.Perf.WindowSize,
	}, s.logger)

	s.initRegistry()

	if err := s.initKeyring(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize auth keyring: %w", err)
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the background loops and the HTTP server, then blocks
// until SIGINT/SIGTERM or a fatal listener error.
//
// # Description
//
// Shutdown sequence on signal: stop accepting connections and drain
// in-flight requests inside the configured grace window, force-cancel
// any executions still running, stop the sweeper and prober, flush the
// event log. The session map is memory-resident and simply dropped;
// clients restart their conversations.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	if s.prober != nil {
		if err := s.prober.Start(ctx); err != nil {
			return fmt.Errorf("failed to start instance prober: %w", err)
		}
	}

	srv := &http.Server{
		Addr:    s.config.Server.Addr(),
		Handler: s.router,
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting bridge server",
			"addr", srv.Addr,
			"instance", s.config.Server.InstanceName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		slog.Info("Shutdown requested, draining in-flight requests",
			"grace", s.config.Server.ShutdownGrace.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Grace expired with requests still open: cut the
			// executions loose so their handlers can unwind.
			cancelled := s.execs.CancelAll()
			slog.Warn("Drain grace expired, force-cancelled executions",
				"cancelled", cancelled, "error", err)
			srv.Close()
		}
		return nil
	})

	return g.Wait()
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initLogger builds the redacting event logger with its exporters: the
// live-tail broadcaster always, InfluxDB when configured.
func (s *service) initLogger() error {
	s.broadcast = logging.NewBroadcastExporter(256)
	exporters := []logging.Exporter{s.broadcast}
	if url := s.config.Telemetry.InfluxURL; url != "" {
		exporters = append(exporters, logging.NewInfluxExporter(logging.InfluxConfig{
			URL:    url,
			Token:  s.config.Telemetry.InfluxToken,
			Org:    s.config.Telemetry.InfluxOrg,
			Bucket: s.config.Telemetry.InfluxBucket,
		}))
		slog.Info("InfluxDB event export enabled", "url", url)
	}

	logger, err := logging.New(logging.Config{
		Level:     logging.ParseLevel(s.config.Logging.Level),
		Dir:       s.config.Logging.Dir,
		MaxBytes:  s.config.Logging.MaxBytes,
		Backups:   s.config.Logging.Backups,
		Instance:  s.config.Server.InstanceName,
		JSON:      s.config.Logging.JSON,
		Exporters: exporters,
	})
	if err != nil {
		return err
	}
	s.logger = logger
	slog.SetDefault(logger.Slog())
	return nil
}

// initAdapter picks the CLI adapter and detects the assistant backend.
func (s *service) initAdapter() {
	backend := adapter.DetectBackend(slog.Default())
	s.backendInfo = backend
	s.adapter = adapter.NewCLIAdapter(s.config.Adapter, slog.Default())
	s.execs = adapter.NewExecutionRegistry(s.config.Adapter.ExecutionRetention)
}

// initSessions builds the store and its TTL sweeper. The adapter tears
// down poisoned and expired handles, and the execution registry rides
// the same sweep cadence for record retention.
func (s *service) initSessions() {
	s.sessions = session.NewStore(session.Config{
		Instance:  s.config.Server.InstanceName,
		TTL:       s.config.Session.TTL,
		LeaseWait: s.config.Session.LeaseWait,
	}, s.adapter, s.logger)
	s.sweeper = session.NewSweeper(s.sessions, session.SweeperConfig{
		Interval: s.config.Session.SweepInterval,
	}, s.execs)
}

// initRegistry wires the instance table, prober, and forwarder when a
// discovery range is configured; otherwise the service runs in
// single-instance mode and every conversation is local.
func (s *service) initRegistry() {
	s.registry = registry.New(
		s.config.Discovery,
		s.config.Server.InstanceName,
		fmt.Sprintf("%s:%d", s.config.Discovery.Host, s.config.Server.Port),
		s.config.Session.TTL,
		s.sessions,
		s.logger,
	)
	if s.config.Discovery.Enabled() {
		s.prober = registry.NewProber(s.registry)
		slog.Info("Instance discovery enabled",
			"host", s.config.Discovery.Host,
			"port_start", s.config.Discovery.PortStart,
			"port_end", s.config.Discovery.PortEnd)
	}
}

// initKeyring loads bearer keys for auth mode "bearer"; the keys file,
// when set, is watched for live rotation.
func (s *service) initKeyring() error {
	if s.config.Auth.Mode != "bearer" {
		return nil
	}
	s.keyring = middleware.NewKeyring(s.config.Auth.Keys)
	if s.config.Auth.KeysFile != "" {
		if err := s.keyring.Watch(s.config.Auth.KeysFile, s.logger); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	if s.config.Telemetry.OTelEndpoint != "" {
		s.router.Use(otelgin.Middleware("aleutian-bridge"))
	}

	auth := middleware.AuthDisabled()
	if s.keyring != nil {
		auth = middleware.Auth(s.keyring, s.logger)
	}

	deps := &handlers.Deps{
		Instance:     s.config.Server.InstanceName,
		Models:       s.config.Models,
		DefaultModel: s.config.Adapter.DefaultModel,
		ResearchCmd:  s.config.Adapter.ResearchCommand,
		Gate:         s.gate,
		Sessions:     s.sessions,
		Adapter:      s.adapter,
		Execs:        s.execs,
		Perf:         s.perf,
		Logger:       s.logger,
		Registry:     s.registry,
		Forwarder: registry.NewForwarder(s.config.Server.InstanceName,
			s.config.Adapter.CallTimeout+time.Minute),
		Broadcast: s.broadcast,
		Backend:   s.backendInfo,
	}
	routes.SetupRoutes(s.router, deps, auth, s.config.Telemetry.EnableMetrics)
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.keyring != nil {
		s.keyring.Close()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if s.logger != nil {
		if err := s.logger.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "event logger close error:", err)
		}
	}
}
