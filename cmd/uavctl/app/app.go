package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/roman-kulish/uavctl/internal/config"
	"github.com/roman-kulish/uavctl/internal/metrics"
	"github.com/roman-kulish/uavctl/internal/robotenv"
	"github.com/roman-kulish/uavctl/internal/storage"
)

const (
	metricsShutdownTimeout = 5 * time.Second
	metricsReadTimeout     = 10 * time.Second
)

// Run connects to the configured vehicle and flies the checkout sequence
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()
	if cfg.Metrics.Listen != "" {
		stop := serveMetrics(cfg.Metrics.Listen, m, logger)
		defer stop()
	}

	options := []func(*robotenv.Env){
		robotenv.WithLogger(logger),
		robotenv.WithMetrics(m),
	}

	var sessionID int64
	if cfg.Storage.DataDirectory != "" {
		store, err := createStorage(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close storage", slog.Any("error", err))
			}
		}()

		session, err := store.CreateSession(ctx, cfg.Backend.Type, cfg.Backend.VehicleName, cfg)
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		sessionID = session.ID

		logger = logger.With(slog.String("session", session.UUID))
		options = append(options, robotenv.WithLogger(logger), robotenv.WithRecorder(store, session.ID))
	}

	env, err := robotenv.New(ctx, cfg, options...)
	if err != nil {
		return fmt.Errorf("creating environment: %w", err)
	}

	return newCheckout(env, &cfg.Checkout, cfg.Estimator.Variant != "", sessionID, logger).Fly(ctx)
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: metricsReadTimeout,
	}

	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown error", slog.Any("error", err))
		}
	}
}

func createStorage(cfg *config.StorageConfig) (*storage.SqliteStore, error) {
	dir := cfg.DataDirectory
	if !filepath.IsAbs(dir) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dir = filepath.Join(wd, dir)
	}

	stat, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dir, err)
		}
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dir)
	}

	dbPath := filepath.Join(dir, fmt.Sprintf("uavctl_session_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.NewSqliteStore(dbPath), nil
}
