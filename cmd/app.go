package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/face-attendance/internal/classifier"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/database/sqlite"
	"github.com/kozaktomas/face-attendance/internal/detection"
	"github.com/kozaktomas/face-attendance/internal/encoder"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds the components every command builds from the same configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    database.Store
	registry *matcher.Registry
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
}

// openStore connects to the configured storage driver. Migrations are applied on open.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL")
		store, err := postgres.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		return store, nil
	case config.DriverSQLite:
		logger.Info("opening SQLite database", "path", cfg.Database.URL)
		store, err := sqlite.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		return store, nil
	case config.DriverMemory:
		logger.Warn("using in-memory storage, nothing survives a restart")
		return mock.NewMockStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// newApp opens the store and builds the identity registry, loading the HNSW index when
// the registry is large enough to use one.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := newLogger(cfg.Log, nil)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	registry := matcher.NewRegistry(store, matcher.Options{
		Tolerance:     cfg.Matcher.Tolerance,
		Dim:           cfg.Matcher.Dim,
		HNSWThreshold: cfg.Matcher.HNSWThreshold,
		IndexPath:     cfg.Database.HNSWIndexPath,
		Metrics:       m,
		Logger:        logger,
	})
	if err := registry.LoadIndex(ctx); err != nil {
		// Identify falls back to a linear scan without the index.
		logger.Warn("failed to load identity HNSW index", "error", err)
	}

	return &app{cfg: cfg, logger: logger, store: store, registry: registry, metrics: m, promReg: promReg}, nil
}

func (a *app) encoder() *encoder.Client {
	return encoder.NewClient(a.cfg.Embedding.URL, a.cfg.Embedding.Timeout)
}

func (a *app) detection(ctx context.Context) (*detection.Service, error) {
	c, err := classifier.New(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating classifier: %w", err)
	}
	a.logger.Info("classifier ready", "provider", c.Name())
	return detection.New(a.store, c, detection.Options{
		Workers:      a.cfg.Classifier.Workers,
		StoreTimeout: a.cfg.Database.Timeout,
		Metrics:      a.metrics,
		Logger:       a.logger,
	}), nil
}

// close persists the HNSW index and releases the store.
func (a *app) close() {
	if err := a.registry.SaveIndex(); err != nil {
		a.logger.Warn("failed to save identity HNSW index", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}
