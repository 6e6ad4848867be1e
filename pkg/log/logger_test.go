package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid json log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_ServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "stratumtest", "1.2.3", "info", "json")

	logger.WithComponent("client").WithMiner("acct", "rig01").Info("hello")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	for key, want := range map[string]string{
		"service":     "stratumtest",
		"version":     "1.2.3",
		"component":   "client",
		"account":     "acct",
		"worker_name": "rig01",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %s", key, entry[key], want)
		}
	}
}

func TestLogger_StratumMessageIsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "svc", "v", "info", "json")

	logger.LogStratumMessage("received", `{"id":1}`)
	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got %q", buf.String())
	}

	debug := NewWithWriter(&buf, "svc", "v", "debug", "json")
	debug.LogStratumMessage("received", `{"id":1}`)
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["direction"] != "received" {
		t.Errorf("unexpected debug output: %v", lines)
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := Discard()
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}

	var buf bytes.Buffer
	NewWithWriter(&buf, "svc", "v", "info", "json").WithError(errors.New("boom")).Error("failed")
	lines := decodeLines(t, &buf)
	if lines[0]["error"] != "boom" {
		t.Errorf("error = %v, want boom", lines[0]["error"])
	}
}

func TestLogger_WithContextRunID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "svc", "v", "info", "json")

	ctx := context.WithValue(context.Background(), RunIDKey, "run-7")
	logger.WithContext(ctx).Info("tagged")

	lines := decodeLines(t, &buf)
	if lines[0]["run_id"] != "run-7" {
		t.Errorf("run_id = %v, want run-7", lines[0]["run_id"])
	}
}

func TestLogger_ShareResult(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "svc", "v", "info", "json")

	logger.LogShareResult(5, true, "")
	logger.LogShareResult(6, false, "low difficulty")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected only the rejection at info level, got %d lines", len(lines))
	}
	if lines[0]["reason"] != "low difficulty" {
		t.Errorf("reason = %v", lines[0]["reason"])
	}
}
