// Package main implements stratumtest, a synthetic Stratum V1 miner that
// connects to a pool and submits shares at the rate a miner of the
// configured hashrate would find them.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/cobra"

	"github.com/bardlex/stratumtest/internal/bitcoin"
	"github.com/bardlex/stratumtest/internal/config"
	"github.com/bardlex/stratumtest/internal/database"
	"github.com/bardlex/stratumtest/internal/database/influx"
	"github.com/bardlex/stratumtest/internal/database/postgres"
	"github.com/bardlex/stratumtest/internal/database/redis"
	"github.com/bardlex/stratumtest/internal/messaging"
	"github.com/bardlex/stratumtest/internal/metrics"
	"github.com/bardlex/stratumtest/internal/stratum"
	"github.com/bardlex/stratumtest/internal/telemetry"
	"github.com/bardlex/stratumtest/pkg/errors"
	"github.com/bardlex/stratumtest/pkg/log"
)

// Exit codes
const (
	exitOK      = 0
	exitConfig  = 1
	exitConnect = 2
	exitSend    = 3
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := exitOK
	cmd := newRootCommand(stdout, &code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "stratumtest: %v\n", err)
		if code == exitOK {
			// cobra rejected the arguments or flags
			code = exitConfig
		}
	}
	return code
}

func newRootCommand(stdout io.Writer, code *int) *cobra.Command {
	var configPath string
	var overrides config.Overrides

	cmd := &cobra.Command{
		Use:   "stratumtest <stratum_url> <wallet_or_user> <worker> [password] [ehs] [difficulty] [nonce_start]",
		Short: "Synthetic Stratum V1 load-test client",
		Long: `stratumtest connects to a Stratum V1 pool, subscribes and authorizes, then
submits synthetic shares at the rate a miner of the given hashrate (EH/s)
would find shares of the given difficulty. The shares carry no proof of work.

Arguments may also come from a YAML file (--config or $CONFIG_FILE) and from
the environment (STRATUM_URL, STRATUM_ACCOUNT, STRATUM_WORKER, HASHRATE_EH, ...).`,
		Args:          cobra.MaximumNArgs(7),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, args, overrides)
			if err != nil {
				*code = exitConfig
				return err
			}

			logger := log.NewWithWriter(stdout, cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
			c, err := run(cmd.Context(), cfg, logger)
			*code = c
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&overrides.LogFormat, "log-format", "", "log format (json, text)")
	flags.StringVar(&overrides.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.DurationVar(&overrides.RunDuration, "run-duration", 0, "stop after this long (0 runs until interrupted)")

	return cmd
}

// run drives one session end to end and returns its exit code
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) (int, error) {
	deadlock.Opts.Disable = !cfg.DeadlockDetection

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	runID := uuid.NewString()
	ctx = context.WithValue(ctx, log.RunIDKey, runID)
	logger = logger.WithContext(ctx)

	if cfg.AddressNetwork != "" {
		if err := bitcoin.ValidateAddress(cfg.Account, cfg.AddressNetwork); err != nil {
			logger.WithError(err).Error("account is not a valid address")
			return exitConfig, err
		}
	}

	session := cfg.Session()
	interval := stratum.ShareInterval(session.HashrateEH, session.Difficulty)
	logger.Info("starting stratumtest",
		"endpoint", session.URL,
		"username", stratum.Username(session.Account, session.Worker),
		"hashrate_eh", session.HashrateEH,
		"difficulty", session.Difficulty,
		"share_target", bitcoin.TargetHex(session.Difficulty),
		"share_interval", interval.String(),
	)

	// Telemetry
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	sinks := []telemetry.Sink{collector}

	if len(cfg.KafkaBrokers) > 0 {
		kafka := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		sinks = append(sinks, messaging.NewEventPublisher(kafka, cfg.KafkaTopicPrefix, cfg.EventEncoding))
		logger.Info("kafka events enabled", "brokers", cfg.KafkaBrokers, "prefix", cfg.KafkaTopicPrefix)
	}

	storage, err := database.NewManager(ctx, storageConfig(cfg, runID, interval), logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize storage")
		closeSinks(logger, sinks)
		return exitConnect, err
	}
	if len(storage.Sinks()) > 0 {
		sinks = append(sinks, storage)
	}

	dispatcher := telemetry.NewDispatcher(runID, cfg.EventBuffer, logger, sinks...)
	metrics.RegisterDispatcher(registry, dispatcher)
	dispatcher.Start(context.WithoutCancel(ctx))
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.WithError(err).Warn("telemetry shutdown reported errors")
		}
	}()

	if cfg.MetricsAddr != "" {
		srv, err := metrics.NewServer(cfg.MetricsAddr, registry)
		if err != nil {
			logger.WithError(err).Error("failed to start metrics server")
			return exitConfig, err
		}
		go func() {
			if err := srv.Serve(); err != nil {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("metrics server shutdown failed")
			}
		}()
		logger.Info("serving metrics", "addr", srv.Addr())
	}

	// Session
	if cfg.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunDuration)
		defer cancel()
	}

	client := stratum.NewClient(session, logger, dispatcher)
	if err := client.ConnectAndAuthorize(ctx); err != nil {
		logger.WithError(err).Error("failed to start session")
		return connectExitCode(err), err
	}
	collector.SessionStarted(interval)

	runErr := client.Run(ctx)
	client.Stop()

	stats := client.Stats()
	logger.Info("session finished",
		"submitted", stats.Submitted,
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"jobs", stats.Jobs,
		"lines_received", stats.LinesReceived,
		"decode_mismatches", stats.DecodeMismatches,
		"end_reason", endReason(ctx, client.Err()),
	)

	return runExitCode(runErr), runErr
}

// runExitCode maps the result of a running session to an exit code. Only a
// failed send ends a live session with an error.
func runExitCode(runErr error) int {
	if runErr != nil {
		return exitSend
	}
	return exitOK
}

// connectExitCode maps a failed start to an exit code. A handshake send
// failure counts as a connection failure.
func connectExitCode(err error) int {
	if errors.IsType(err, errors.ErrorTypeConfig) {
		return exitConfig
	}
	return exitConnect
}

func endReason(ctx context.Context, sessionErr error) string {
	switch {
	case sessionErr != nil:
		return sessionErr.Error()
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return "run duration elapsed"
	case ctx.Err() != nil:
		return "interrupted"
	default:
		return "stopped"
	}
}

// storageConfig enables each storage whose address is configured
func storageConfig(cfg *config.Config, runID string, interval time.Duration) *database.Config {
	username := stratum.Username(cfg.Account, cfg.Worker)
	dbCfg := &database.Config{
		RunID:       runID,
		SnapshotTTL: cfg.SnapshotTTL,
	}

	if cfg.RedisURL != "" {
		dbCfg.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     4,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}

	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Tags: map[string]string{
				"worker":   username,
				"endpoint": cfg.StratumURL,
			},
		}
	}

	if cfg.PostgresURL != "" {
		dbCfg.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
		dbCfg.Run = postgres.TestRun{
			Endpoint:        cfg.StratumURL,
			Username:        username,
			HashrateEH:      cfg.HashrateEH,
			Difficulty:      cfg.Difficulty,
			ShareIntervalMs: float64(interval) / float64(time.Millisecond),
		}
	}

	return dbCfg
}

func closeSinks(logger *log.Logger, sinks []telemetry.Sink) {
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			logger.WithError(err).Warn("failed to close sink", "sink", sink.Name())
		}
	}
}
