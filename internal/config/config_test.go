package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bardlex/stratumtest/pkg/errors"
)

var baseArgs = []string{"stratum+tcp://127.0.0.1:3333", "test.wallet", "rig01"}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		args    []string
		wantErr bool
	}{
		{
			name:    "positional args only",
			args:    baseArgs,
			wantErr: false,
		},
		{
			name: "environment only",
			envVars: map[string]string{
				"STRATUM_URL":     "stratum+tcp://pool.example.com:3333",
				"STRATUM_ACCOUNT": "acct",
				"STRATUM_WORKER":  "w1",
			},
			wantErr: false,
		},
		{
			name: "custom telemetry",
			envVars: map[string]string{
				"KAFKA_BROKERS":  "k1:9092, k2:9092",
				"EVENT_ENCODING": "proto",
				"METRICS_ADDR":   ":9100",
			},
			args:    baseArgs,
			wantErr: false,
		},
		{
			name:    "missing account",
			args:    nil,
			wantErr: true,
		},
		{
			name:    "too few args",
			args:    []string{"stratum+tcp://127.0.0.1:3333", "test.wallet"},
			wantErr: true,
		},
		{
			name:    "zero hashrate",
			args:    append(append([]string{}, baseArgs...), "x", "0"),
			wantErr: true,
		},
		{
			name:    "nonce start overflows",
			args:    append(append([]string{}, baseArgs...), "x", "1.0", "8.0", "4294967296"),
			wantErr: true,
		},
		{
			name:    "unparsable env hashrate",
			envVars: map[string]string{"HASHRATE_EH": "fast"},
			args:    baseArgs,
			wantErr: true,
		},
		{
			name:    "unknown encoding",
			envVars: map[string]string{"EVENT_ENCODING": "xml"},
			args:    baseArgs,
			wantErr: true,
		},
		{
			name:    "unknown log level",
			envVars: map[string]string{"LOG_LEVEL": "loud"},
			args:    baseArgs,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load("", tt.args, Overrides{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeConfig) {
					t.Errorf("Load() error type = %v, want config", err)
				}
				return
			}
			if cfg.ServiceName == "" {
				t.Error("ServiceName should not be empty")
			}
			if cfg.StratumURL == "" {
				t.Error("StratumURL should not be empty")
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", baseArgs, Overrides{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Password != "x" {
		t.Errorf("Password = %q, want x", cfg.Password)
	}
	if cfg.HashrateEH != 1.0 || cfg.Difficulty != 1.0 || cfg.NonceStart != 0 {
		t.Errorf("rate defaults = %v %v %v", cfg.HashrateEH, cfg.Difficulty, cfg.NonceStart)
	}
	if cfg.ClientName != "stratum-test-client/0.1" {
		t.Errorf("ClientName = %q", cfg.ClientName)
	}
	if cfg.RunDuration != 0 {
		t.Errorf("RunDuration = %v, want 0", cfg.RunDuration)
	}
	if len(cfg.KafkaBrokers) != 0 || cfg.RedisURL != "" || cfg.PostgresURL != "" || cfg.InfluxURL != "" {
		t.Error("sinks should be disabled by default")
	}
}

func TestApplyArgs(t *testing.T) {
	cfg := Default()
	args := []string{"stratum+tcp://127.0.0.1:3333", "test.wallet", "rig01", "pw", "2.5", "8.0", "42"}
	if err := cfg.ApplyArgs(args); err != nil {
		t.Fatalf("ApplyArgs() error = %v", err)
	}

	if cfg.StratumURL != args[0] || cfg.Account != "test.wallet" || cfg.Worker != "rig01" || cfg.Password != "pw" {
		t.Errorf("identity fields = %+v", cfg)
	}
	if cfg.HashrateEH != 2.5 || cfg.Difficulty != 8.0 || cfg.NonceStart != 42 {
		t.Errorf("numeric fields = %v %v %v", cfg.HashrateEH, cfg.Difficulty, cfg.NonceStart)
	}

	invalid := [][]string{
		{"a", "b"},
		{"a", "b", "c", "d", "e", "f", "g", "h"},
		{"a", "b", "c", "x", "fast"},
		{"a", "b", "c", "x", "1", "hard"},
		{"a", "b", "c", "x", "1", "1", "-1"},
	}
	for _, args := range invalid {
		if err := Default().ApplyArgs(args); err == nil {
			t.Errorf("ApplyArgs(%v) should fail", args)
		}
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stratumtest.yaml")
	data := []byte(`
stratum_url: stratum+tcp://file.example.com:3333
account: file-account
worker: file-worker
hashrate_eh: 3.0
share_difficulty: 16
run_duration: 30s
kafka_brokers: [k1:9092]
log_level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("STRATUM_WORKER", "env-worker")
	t.Setenv("SHARE_DIFFICULTY", "32")

	cfg, err := Load(path, nil, Overrides{LogLevel: "warn", RunDuration: time.Minute})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.StratumURL != "stratum+tcp://file.example.com:3333" || cfg.Account != "file-account" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Worker != "env-worker" || cfg.Difficulty != 32 {
		t.Errorf("env did not override file: worker=%q difficulty=%v", cfg.Worker, cfg.Difficulty)
	}
	if cfg.HashrateEH != 3.0 {
		t.Errorf("HashrateEH = %v, want 3.0", cfg.HashrateEH)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092"}) {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.LogLevel != "warn" || cfg.RunDuration != time.Minute {
		t.Errorf("overrides not applied: level=%q duration=%v", cfg.LogLevel, cfg.RunDuration)
	}

	cfg, err = Load(path, []string{"stratum+tcp://args.example.com:1", "arg-account", "arg-worker"}, Overrides{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StratumURL != "stratum+tcp://args.example.com:1" || cfg.Worker != "arg-worker" {
		t.Errorf("args did not override env and file: %+v", cfg)
	}
	if cfg.RunDuration != 30*time.Second {
		t.Errorf("RunDuration = %v, want 30s from file", cfg.RunDuration)
	}
}

func TestLoad_BadFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), baseArgs, Overrides{}); err == nil {
		t.Error("Load() should fail for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("hashrate_eh: [not a number"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	if _, err := Load(path, baseArgs, Overrides{}); !errors.IsType(err, errors.ErrorTypeConfig) {
		t.Errorf("Load() error = %v, want config error", err)
	}
}

func TestSession(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyArgs([]string{"stratum+tcp://127.0.0.1:3333", "acct", "w1", "pw", "1.5", "4", "7"}); err != nil {
		t.Fatalf("ApplyArgs() error = %v", err)
	}
	cfg.WriteTimeout = 2 * time.Second

	s := cfg.Session()
	if s.URL != cfg.StratumURL || s.Account != "acct" || s.Worker != "w1" || s.Password != "pw" {
		t.Errorf("Session() identity = %+v", s)
	}
	if s.HashrateEH != 1.5 || s.Difficulty != 4 || s.NonceStart != 7 {
		t.Errorf("Session() rates = %+v", s)
	}
	if s.Dial.WriteTimeout != 2*time.Second || s.Dial.Timeout != cfg.DialTimeout {
		t.Errorf("Session() dial = %+v", s.Dial)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "test_value")
	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v, want %v", got, "test_value")
	}
	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want %v", got, "default")
	}

	t.Setenv("TEST_INT", "42")
	if got, err := getEnvInt("TEST_INT", 0); err != nil || got != 42 {
		t.Errorf("getEnvInt() = %v, %v, want 42", got, err)
	}
	if got, err := getEnvInt("NONEXISTENT", 99); err != nil || got != 99 {
		t.Errorf("getEnvInt() = %v, %v, want 99", got, err)
	}

	t.Setenv("TEST_FLOAT", "3.14")
	if got, err := getEnvFloat("TEST_FLOAT", 0.0); err != nil || got != 3.14 {
		t.Errorf("getEnvFloat() = %v, %v, want 3.14", got, err)
	}

	t.Setenv("TEST_DURATION", "30s")
	if got, err := getEnvDuration("TEST_DURATION", 0); err != nil || got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, %v, want 30s", got, err)
	}

	t.Setenv("TEST_BAD_DURATION", "soon")
	if _, err := getEnvDuration("TEST_BAD_DURATION", 0); err == nil {
		t.Error("getEnvDuration() should fail for an invalid duration")
	}

	t.Setenv("TEST_BOOL", "true")
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}

	t.Setenv("TEST_SLICE", "a:1, b:2,,c:3")
	if got := getEnvSlice("TEST_SLICE", nil); !reflect.DeepEqual(got, []string{"a:1", "b:2", "c:3"}) {
		t.Errorf("getEnvSlice() = %v", got)
	}
}
