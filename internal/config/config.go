// Package config provides configuration management for the stratumtest client.
// Values come from built-in defaults, an optional YAML file, environment
// variables and finally the command line, each layer overriding the last.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bardlex/stratumtest/internal/stratum"
	"github.com/bardlex/stratumtest/pkg/errors"
)

// Config holds the configuration of one stratumtest run
type Config struct {
	// Service identification
	ServiceName string `yaml:"service_name"`
	Version     string `yaml:"version"`

	// Stratum session
	StratumURL string  `yaml:"stratum_url"`
	Account    string  `yaml:"account"`
	Worker     string  `yaml:"worker"`
	Password   string  `yaml:"password"`
	HashrateEH float64 `yaml:"hashrate_eh"`
	Difficulty float64 `yaml:"share_difficulty"`
	NonceStart uint64  `yaml:"nonce_start"`
	ClientName string  `yaml:"client_name"`

	// Timeouts
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RunDuration  time.Duration `yaml:"run_duration"`

	// Checks
	AddressNetwork    string `yaml:"address_network"`
	DeadlockDetection bool   `yaml:"deadlock_detection"`

	// Telemetry sinks; an empty address disables the sink
	MetricsAddr      string        `yaml:"metrics_addr"`
	KafkaBrokers     []string      `yaml:"kafka_brokers"`
	KafkaTopicPrefix string        `yaml:"kafka_topic_prefix"`
	EventEncoding    string        `yaml:"event_encoding"`
	EventBuffer      int           `yaml:"event_buffer"`
	RedisURL         string        `yaml:"redis_url"`
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl"`
	InfluxURL        string        `yaml:"influx_url"`
	InfluxToken      string        `yaml:"influx_token"`
	InfluxOrg        string        `yaml:"influx_org"`
	InfluxBucket     string        `yaml:"influx_bucket"`
	PostgresURL      string        `yaml:"postgres_url"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Overrides carries values set by command line flags. Zero values are ignored.
type Overrides struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	RunDuration time.Duration
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ServiceName: "stratumtest",
		Version:     "dev",

		Password:   "x",
		HashrateEH: 1.0,
		Difficulty: 1.0,
		ClientName: stratum.DefaultClientName,

		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,

		KafkaTopicPrefix: "stratumtest",
		EventEncoding:    "json",
		EventBuffer:      4096,
		SnapshotTTL:      10 * time.Minute,
		InfluxOrg:        "stratumtest",
		InfluxBucket:     "stratumtest",

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from the YAML file at path (if any, falling
// back to $CONFIG_FILE), the environment, the positional arguments and the
// flag overrides, then validates it. All failures are config errors.
func Load(path string, args []string, o Overrides) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}

	cfg.applyOverrides(o)

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "validate", "config validation failed")
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "load_file", "failed to read config file").
			WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "load_file", "failed to parse config file").
			WithContext("path", path)
	}
	return nil
}

// applyEnv overlays environment variables on the current values. Numeric
// values that do not parse are rejected rather than silently defaulted.
func (c *Config) applyEnv() error {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)

	c.StratumURL = getEnv("STRATUM_URL", c.StratumURL)
	c.Account = getEnv("STRATUM_ACCOUNT", c.Account)
	c.Worker = getEnv("STRATUM_WORKER", c.Worker)
	c.Password = getEnv("STRATUM_PASSWORD", c.Password)
	c.ClientName = getEnv("CLIENT_NAME", c.ClientName)

	var err error
	if c.HashrateEH, err = getEnvFloat("HASHRATE_EH", c.HashrateEH); err != nil {
		return err
	}
	if c.Difficulty, err = getEnvFloat("SHARE_DIFFICULTY", c.Difficulty); err != nil {
		return err
	}
	if c.NonceStart, err = getEnvUint("NONCE_START", c.NonceStart); err != nil {
		return err
	}
	if c.DialTimeout, err = getEnvDuration("DIAL_TIMEOUT", c.DialTimeout); err != nil {
		return err
	}
	if c.WriteTimeout, err = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout); err != nil {
		return err
	}
	if c.RunDuration, err = getEnvDuration("RUN_DURATION", c.RunDuration); err != nil {
		return err
	}
	if c.SnapshotTTL, err = getEnvDuration("SNAPSHOT_TTL", c.SnapshotTTL); err != nil {
		return err
	}
	if c.EventBuffer, err = getEnvInt("EVENT_BUFFER", c.EventBuffer); err != nil {
		return err
	}

	c.AddressNetwork = getEnv("ADDRESS_NETWORK", c.AddressNetwork)
	c.DeadlockDetection = getEnvBool("DEADLOCK_DETECTION", c.DeadlockDetection)

	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopicPrefix = getEnv("KAFKA_TOPIC_PREFIX", c.KafkaTopicPrefix)
	c.EventEncoding = getEnv("EVENT_ENCODING", c.EventEncoding)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	return nil
}

// ApplyArgs applies the positional command line arguments
// <stratum_url> <wallet_or_user> <worker> [password] [ehs] [difficulty] [nonce_start].
// An empty slice leaves the configuration untouched.
func (c *Config) ApplyArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) < 3 || len(args) > 7 {
		return errors.New(errors.ErrorTypeConfig, "apply_args", "expected 3 to 7 positional arguments").
			WithContext("count", len(args))
	}

	c.StratumURL = args[0]
	c.Account = args[1]
	c.Worker = args[2]

	if len(args) > 3 {
		c.Password = args[3]
	}
	if len(args) > 4 {
		v, err := strconv.ParseFloat(args[4], 64)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "apply_args", "invalid hashrate").
				WithContext("value", args[4])
		}
		c.HashrateEH = v
	}
	if len(args) > 5 {
		v, err := strconv.ParseFloat(args[5], 64)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "apply_args", "invalid difficulty").
				WithContext("value", args[5])
		}
		c.Difficulty = v
	}
	if len(args) > 6 {
		v, err := strconv.ParseUint(args[6], 10, 64)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "apply_args", "invalid nonce start").
				WithContext("value", args[6])
		}
		c.NonceStart = v
	}

	return nil
}

func (c *Config) applyOverrides(o Overrides) {
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
	if o.MetricsAddr != "" {
		c.MetricsAddr = o.MetricsAddr
	}
	if o.RunDuration > 0 {
		c.RunDuration = o.RunDuration
	}
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.StratumURL == "" {
		return fmt.Errorf("stratum url is required")
	}

	if c.Account == "" || c.Worker == "" {
		return fmt.Errorf("account and worker are required")
	}

	if !(c.HashrateEH > 0) || math.IsInf(c.HashrateEH, 0) {
		return fmt.Errorf("HASHRATE_EH must be a positive number")
	}

	if !(c.Difficulty > 0) || math.IsInf(c.Difficulty, 0) {
		return fmt.Errorf("SHARE_DIFFICULTY must be a positive number")
	}

	if c.NonceStart > math.MaxUint32 {
		return fmt.Errorf("NONCE_START must fit in 32 bits")
	}

	if c.DialTimeout < 0 || c.WriteTimeout < 0 || c.RunDuration < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if c.EventBuffer <= 0 {
		return fmt.Errorf("EVENT_BUFFER must be positive")
	}

	switch c.EventEncoding {
	case "json", "proto":
	default:
		return fmt.Errorf("EVENT_ENCODING must be json or proto")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not a known level", c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopicPrefix == "" {
		return fmt.Errorf("KAFKA_TOPIC_PREFIX cannot be empty when Kafka is enabled")
	}

	return nil
}

// Session returns the stratum client configuration
func (c *Config) Session() stratum.Config {
	return stratum.Config{
		URL:        c.StratumURL,
		Account:    c.Account,
		Worker:     c.Worker,
		Password:   c.Password,
		HashrateEH: c.HashrateEH,
		Difficulty: c.Difficulty,
		NonceStart: uint32(c.NonceStart),
		ClientName: c.ClientName,
		Dial: stratum.DialOptions{
			Timeout:      c.DialTimeout,
			WriteTimeout: c.WriteTimeout,
		},
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, envError(key, value, err)
	}
	return parsed, nil
}

func getEnvUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, envError(key, value, err)
	}
	return parsed, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, envError(key, value, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, envError(key, value, err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envError(key, value string, err error) error {
	return errors.Wrap(err, errors.ErrorTypeConfig, "load_env", "invalid environment value").
		WithContext("key", key).
		WithContext("value", value)
}
