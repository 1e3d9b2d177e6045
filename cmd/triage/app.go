package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BuzzLyutic/triage/internal/config"
	"github.com/BuzzLyutic/triage/internal/events"
	"github.com/BuzzLyutic/triage/internal/handler"
	"github.com/BuzzLyutic/triage/internal/metrics"
	"github.com/BuzzLyutic/triage/internal/quadrant"
	"github.com/BuzzLyutic/triage/internal/repo"
	"github.com/BuzzLyutic/triage/internal/service"
	"github.com/BuzzLyutic/triage/internal/worker"
)

// app owns everything a single command invocation opens.
type app struct {
	stdin  io.Reader
	stdout io.Writer

	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	handler *handler.TaskHandler

	closers []func()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func (a *app) setup(ctx context.Context, cfg config.Config) error {
	a.cfg = cfg

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.logger = logger
	a.onClose(func() { _ = logger.Sync() })

	classifier, err := quadrant.NewClassifier(cfg.TriggerRadius, cfg.PreviewThreshold)
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		logger.Error("Failed to open the store", zap.String("driver", cfg.Driver), zap.Error(err))
		return err
	}

	d := worker.NewDispatcher(logger, cfg.QueueSize)
	d.Start()
	a.onClose(d.Stop)

	a.metrics = metrics.New()
	bus := events.NewBus()
	a.watch(bus)

	srv := service.NewTaskService(store, d, logger,
		service.WithBus(bus),
		service.WithMetrics(a.metrics),
		service.WithClassifier(classifier),
	)
	a.handler = handler.NewTaskHandler(srv, logger, a.stdout)
	return nil
}

func (a *app) openStore(ctx context.Context) (repo.TaskRepository, error) {
	switch a.cfg.Driver {
	case config.DriverPostgres:
		pool, err := repo.OpenPostgres(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.onClose(pool.Close)
		a.logger.Debug("Connected to PostgreSQL")
		return repo.NewPostgresRepo(pool), nil
	default:
		if a.cfg.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := repo.OpenSQLite(ctx, a.cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = db.Close() })
		a.logger.Debug("Opened SQLite store", zap.String("path", a.cfg.DBPath))
		return repo.NewSQLiteRepo(db), nil
	}
}

// watch logs every change notification at debug level until close.
func (a *app) watch(bus *events.Bus) {
	changes, unsubscribe := bus.SubscribeAll(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range changes {
			a.logger.Debug("Partition changed",
				zap.String("partition", string(c.Partition)),
				zap.String("kind", string(c.Kind)),
				zap.Int64("task_id", c.TaskID),
			)
		}
	}()
	a.onClose(func() {
		unsubscribe()
		<-done
	})
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order and dumps metrics when a
// textfile path is configured.
func (a *app) close() {
	if a.metrics != nil && a.cfg.MetricsFile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.MetricsFile); err != nil && a.logger != nil {
			a.logger.Warn("Failed to write metrics", zap.String("path", a.cfg.MetricsFile), zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
