// Package database coordinates the optional storage sinks of a run: a live
// snapshot in Redis, time-series points in InfluxDB and a ledger in
// PostgreSQL.
package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/stratumtest/internal/database/influx"
	"github.com/bardlex/stratumtest/internal/database/postgres"
	"github.com/bardlex/stratumtest/internal/database/redis"
	"github.com/bardlex/stratumtest/internal/telemetry"
	"github.com/bardlex/stratumtest/pkg/errors"
	"github.com/bardlex/stratumtest/pkg/log"
)

// Manager fans events out to every enabled storage sink
type Manager struct {
	sinks  []telemetry.Sink
	logger *log.Logger
}

var _ telemetry.Sink = (*Manager)(nil)

// Config holds the configuration of each storage. A nil entry disables it.
type Config struct {
	RunID string

	Redis       *redis.Config
	SnapshotTTL time.Duration

	Influx *influx.Config

	Postgres *postgres.Config
	Run      postgres.TestRun
}

// Enabled reports whether any storage is configured
func (c *Config) Enabled() bool {
	return c.Redis != nil || c.Influx != nil || c.Postgres != nil
}

// NewManager connects to every configured storage. When one fails, the
// connections already opened are closed.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{logger: logger.WithComponent("database")}

	if cfg.Redis != nil {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, m.abort(err, "redis_connection", "failed to connect to Redis")
		}
		m.sinks = append(m.sinks, redis.NewSnapshotSink(client, cfg.RunID, cfg.SnapshotTTL))
		m.logger.Info("redis snapshot enabled", "key", redis.SessionKey(cfg.RunID))
	}

	if cfg.Influx != nil {
		client, err := influx.NewClient(ctx, cfg.Influx, logger)
		if err != nil {
			return nil, m.abort(err, "influx_connection", "failed to connect to InfluxDB")
		}
		m.sinks = append(m.sinks, client)
		m.logger.Info("influx points enabled", "bucket", cfg.Influx.Bucket)
	}

	if cfg.Postgres != nil {
		client, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, m.abort(err, "postgres_connection", "failed to connect to PostgreSQL")
		}
		if err := client.Migrate(ctx); err != nil {
			_ = client.Close()
			return nil, m.abort(err, "postgres_migrate", "failed to prepare PostgreSQL")
		}

		run := cfg.Run
		run.RunID = cfg.RunID
		ledger := postgres.NewLedger(client.DB(), client, run)
		if err := ledger.Begin(ctx); err != nil {
			_ = ledger.Close()
			return nil, m.abort(err, "postgres_begin", "failed to record run")
		}
		m.sinks = append(m.sinks, ledger)
		m.logger.Info("postgres ledger enabled", "run_id", cfg.RunID)
	}

	return m, nil
}

// NewManagerWithSinks creates a manager over already built sinks
func NewManagerWithSinks(logger *log.Logger, sinks ...telemetry.Sink) *Manager {
	return &Manager{sinks: sinks, logger: logger.WithComponent("database")}
}

func (m *Manager) abort(err error, operation, message string) error {
	if closeErr := m.Close(); closeErr != nil {
		m.logger.WithError(closeErr).Error("failed to close storage during cleanup")
	}
	return errors.Wrap(err, errors.ErrorTypeDatabase, operation, message)
}

// Sinks returns the enabled storage sinks
func (m *Manager) Sinks() []telemetry.Sink {
	return m.sinks
}

// Name implements telemetry.Sink
func (m *Manager) Name() string {
	return "database"
}

// Handle implements telemetry.Sink. Every storage sees every event; their
// errors are joined.
func (m *Manager) Handle(ctx context.Context, ev telemetry.Event) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Handle(ctx, ev); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "handle_event",
				"storage failed to handle event").
				WithContext("storage", sink.Name()))
		}
	}
	return stderrors.Join(errs...)
}

// Close closes every storage
func (m *Manager) Close() error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "close",
				"failed to close storage").
				WithContext("storage", sink.Name()))
		}
	}
	m.sinks = nil
	return stderrors.Join(errs...)
}
