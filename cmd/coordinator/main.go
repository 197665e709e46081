package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/danpasecinic/execflow/internal/api"
	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/backend/cloudrun"
	"github.com/danpasecinic/execflow/internal/backend/docker"
	"github.com/danpasecinic/execflow/internal/backend/fake"
	"github.com/danpasecinic/execflow/internal/backend/kubernetes"
	"github.com/danpasecinic/execflow/internal/config"
	"github.com/danpasecinic/execflow/internal/coordinator"
	"github.com/danpasecinic/execflow/internal/logging"
	"github.com/danpasecinic/execflow/internal/state"
)

const outcomeRetryInterval = 30 * time.Second

func main() {
	configFile := flag.String("config", "", "config file (default is ./execflow.yaml or $HOME/.execflow/execflow.yaml)")
	flag.Parse()

	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	settings, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	config.SetActive(settings)

	logger, err := logging.New(settings.Logging.Level, settings.Logging.Format)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(settings, logger); err != nil {
		logger.Fatal("Coordinator failed", zap.Error(err))
	}
}

func run(settings config.Settings, logger *zap.Logger) error {
	store, err := openStore(settings, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing store", zap.Error(err))
		}
	}()

	adapter, closeAdapter, err := openBackend(settings, logger)
	if err != nil {
		return err
	}
	defer closeAdapter()

	coord := coordinator.New(store, adapter, settings.Reconcile, coordinator.WithLogger(logger))
	defer coord.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resumed, err := coord.Resume(ctx)
	if err != nil {
		logger.Error("Resume incomplete", zap.Error(err))
	}
	logger.Info("Resumed task runs", zap.Int("count", resumed))

	go retryOutcomes(ctx, coord, logger)

	e := api.NewEcho(api.NewServer(store, coord, logger))
	e.Server.ReadTimeout = settings.Server.ReadTimeout
	e.Server.WriteTimeout = settings.Server.WriteTimeout
	addr := settings.Server.Addr()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(
			"Coordinator listening",
			zap.String("addr", addr),
			zap.String("backend", adapter.Name()),
			zap.String("store", settings.Store.Type),
		)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

// openStore initializes the state store selected by settings.Store.Type.
func openStore(settings config.Settings, logger *zap.Logger) (state.StateStore, error) {
	switch settings.Store.Type {
	case config.StorePostgres:
		logger.Info("Initializing PostgreSQL store")
		pgStore, err := state.NewPostgresStore(settings.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL store: %w", err)
		}
		return pgStore, nil

	case config.StoreMemory, "":
		logger.Warn("Using in-memory store (data will not persist)")
		return state.NewInMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store.type %q (valid options: memory, postgres)", settings.Store.Type)
	}
}

// openBackend builds the adapter selected by settings.Backend.Type. The
// returned closer releases client connections.
func openBackend(settings config.Settings, logger *zap.Logger) (backend.Adapter, func(), error) {
	cfg := settings.Backend
	noop := func() {}

	switch cfg.Type {
	case backend.TypeCloudRun:
		adapter, err := cloudrun.New(
			cloudrun.Config{
				Project:        cfg.Project,
				Location:       cfg.Location,
				Endpoint:       cfg.Endpoint,
				Token:          cfg.Token,
				Logger:         logger,
				Sleeper:        backend.ContextSleeper{},
				SettleDelay:    cfg.SettleDelay,
				SubmitAttempts: cfg.SubmitAttempts,
				ReadyTimeout:   cfg.ReadyTimeout,
			},
		)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create cloud run adapter: %w", err)
		}
		return adapter, noop, nil

	case backend.TypeDocker:
		engine, err := docker.NewClient()
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to docker: %w", err)
		}
		adapter := docker.New(
			engine, docker.Config{
				Sleeper:     backend.ContextSleeper{},
				SettleDelay: cfg.SettleDelay,
				Logger:      logger,
			},
		)
		return adapter, func() { _ = engine.Close() }, nil

	case backend.TypeKubernetes:
		clientset, err := kubernetes.NewClientset(cfg.Kubeconfig)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		adapter := kubernetes.New(
			clientset, kubernetes.Config{
				Namespace:   cfg.Namespace,
				Sleeper:     backend.ContextSleeper{},
				SettleDelay: cfg.SettleDelay,
				Logger:      logger,
			},
		)
		return adapter, noop, nil

	case backend.TypeFake:
		logger.Warn("Using fake backend (executions are simulated)")
		return fake.New(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown backend.type %q", cfg.Type)
	}
}

// retryOutcomes periodically re-persists outcomes whose first write failed.
func retryOutcomes(ctx context.Context, coord *coordinator.Coordinator, logger *zap.Logger) {
	ticker := time.NewTicker(outcomeRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := coord.RetryPendingOutcomes(ctx)
			if err != nil {
				logger.Warn("Pending outcomes not yet persisted", zap.Error(err))
			}
			if n > 0 {
				logger.Info("Persisted pending outcomes", zap.Int("count", n))
			}
		}
	}
}
