package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/announcer"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/config"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/crm"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/dedup"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/stages"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/storage"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/usecase"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/webhook"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Initialize Metrics conditionally
	metricsEnabled := cfg.Metrics.Enabled // Rely solely on the config flag
	observer.InitMetrics(metricsEnabled)

	// Log startup information
	logger.Log.Info("Starting Daisi CRM Stage Tracker",
		zap.String("environment", cfg.Environment),
		zap.String("webhook_path", cfg.Webhook.Path),
		zap.String("dedup_backend", cfg.Dedup.Backend),
	)

	if cfg.Webhook.Secret == "" {
		logger.Log.Fatal("Webhook secret is required; refusing to accept unsigned notifications")
	}

	// Initialize the ledger repository
	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}
	ledgerRepo := storage.NewLedgerRepoAdapter(postgresRepo)

	// Initialize the delivery dedup tracker
	tracker, err := initDedupTracker(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize dedup tracker", zap.Error(err))
	}

	// Initialize the CRM client
	crmClient, err := crm.NewClient(cfg.CRM.BaseURL, cfg.CRM.Token, cfg.CRM.Timeout)
	if err != nil {
		logger.Log.Fatal("Failed to initialize CRM client", zap.Error(err))
	}

	// Initialize the transition announcer when a NATS URL is configured
	var transitionAnnouncer usecase.TransitionAnnouncer
	var natsAnnouncer *announcer.Announcer
	if cfg.NATS.URL != "" {
		natsAnnouncer, err = announcer.New(context.Background(), announcer.Config{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxAge:        cfg.NATS.MaxAge,
		})
		if err != nil {
			logger.Log.Fatal("Failed to initialize transition announcer", zap.Error(err))
		}
		transitionAnnouncer = natsAnnouncer
		logger.Log.Info("Transition announcer enabled",
			zap.String("stream", cfg.NATS.Stream),
			zap.String("subject_prefix", cfg.NATS.SubjectPrefix),
		)
	} else {
		logger.Log.Info("Transition announcer disabled, no NATS URL configured")
	}

	// Build the stage catalog and processing service
	catalog := stages.NewCatalog(cfg.Stages.Order, cfg.Stages.PseudoStage)
	service := usecase.NewStageService(ledgerRepo, crmClient, tracker, catalog, transitionAnnouncer, cfg)

	// Create the stage worker pool
	stageWorker, err := usecase.NewStageWorker(cfg.WorkerPools.Stage, service, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize stage worker pool", zap.Error(err))
	}

	// Create the HTTP server: probes, status counters, webhook intake
	httpServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), logger.Log)
	httpServer.RegisterHandler(cfg.Webhook.Path, webhook.NewHandler(cfg, stageWorker, logger.Log))

	// Register metrics handler if enabled BEFORE starting the server
	if metricsEnabled {
		httpServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	httpServer.Start()

	logger.Log.Info("HTTP endpoints available",
		zap.String("webhook", fmt.Sprintf("http://localhost:%d%s", cfg.Server.Port, cfg.Webhook.Path)),
		zap.String("status", fmt.Sprintf("http://localhost:%d/status", cfg.Server.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
	)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", 30*time.Second))

	// Use WaitGroup to track shutdown of all components
	var wg sync.WaitGroup

	// Components: http server, worker pool, dedup tracker, connections
	numComponents := 4
	wg.Add(numComponents)

	// Shutdown the HTTP server first so no new tasks arrive
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping HTTP server")
		start := time.Now()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] HTTP server stopped",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping HTTP server",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done() // Ensure WaitGroup is decremented even in case of panic
	})

	// Shutdown stage worker pool
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping stage worker pool")
		start := time.Now()
		stageWorker.Stop()
		logger.Log.Info("[shutdown] Stage worker pool stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping stage worker pool",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Shutdown dedup tracker
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping dedup tracker")
		tracker.Stop()
		logger.Log.Info("[shutdown] Dedup tracker stopped")
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping dedup tracker",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Close database and messaging connections
	utils.SafeGo(func() {
		defer wg.Done()

		logger.Log.Info("[shutdown] Closing PostgreSQL connection")
		pgStart := time.Now()
		if err := postgresRepo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] PostgreSQL connection closed",
				zap.Duration("duration", time.Since(pgStart)))
		}

		if natsAnnouncer != nil {
			logger.Log.Info("[shutdown] Closing NATS connection")
			natsStart := time.Now()
			natsAnnouncer.Close()
			logger.Log.Info("[shutdown] NATS connection closed",
				zap.Duration("duration", time.Since(natsStart)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while closing connections",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done() // Ensure WaitGroup is decremented even in case of panic
	})

	// Wait with a timeout for all components to shut down
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Daisi CRM Stage Tracker shutdown complete")
}

// Initialize PostgreSQL repository
func initPostgresRepo(dsn string, autoMigrate bool) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}

// initDedupTracker builds the configured delivery dedup tracker.
func initDedupTracker(cfg *config.Config) (dedup.RecentDeliveryTracker, error) {
	switch cfg.Dedup.Backend {
	case "redis":
		tracker, err := dedup.NewRedisTracker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Dedup.Window, cfg.Dedup.Threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis dedup tracker: %w", err)
		}
		return tracker, nil
	case "memory", "":
		return dedup.NewMemoryTracker(cfg.Dedup.Window, cfg.Dedup.Threshold, cfg.Dedup.PruneInterval), nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Dedup.Backend)
	}
}
