package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/bardlex/stratumtest/internal/telemetry"
	"github.com/bardlex/stratumtest/pkg/circuit"
	"github.com/bardlex/stratumtest/pkg/retry"
)

// KeyPrefix prefixes every session snapshot key
const KeyPrefix = "stratumtest:session:"

// SessionKey returns the hash key holding the snapshot of a run
func SessionKey(runID string) string {
	return KeyPrefix + runID
}

// HashWriter stores a hash with an expiration
type HashWriter interface {
	WriteHash(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error
	Close() error
}

// Snapshot is the latest known state of a session
type Snapshot struct {
	Status          string
	JobID           string
	NTime           string
	ExtraNonce1     string
	ExtraNonce2Size int
	Difficulty      float64
	Submitted       uint64
	Accepted        uint64
	Rejected        uint64
	Jobs            uint64
	LastShareID     string
	LastError       string
	UpdatedAt       time.Time
}

// Apply folds an event into the snapshot
func (s *Snapshot) Apply(ev telemetry.Event) {
	s.UpdatedAt = ev.Time
	if s.Status == "" {
		s.Status = "running"
	}

	switch ev.Type {
	case telemetry.EventJob:
		s.JobID = ev.Job.ID
		s.NTime = ev.Job.NTime
		s.Jobs++
	case telemetry.EventExtraNonce:
		s.ExtraNonce1 = ev.ExtraNonce1
		s.ExtraNonce2Size = ev.ExtraNonce2Size
	case telemetry.EventDifficulty:
		s.Difficulty = ev.Difficulty
	case telemetry.EventShare:
		s.Submitted++
		s.LastShareID = ev.Share.ID
	case telemetry.EventShareResult:
		if ev.Result.Accepted {
			s.Accepted++
		} else {
			s.Rejected++
		}
	case telemetry.EventSessionEnd:
		s.Status = "ended"
		s.Submitted = ev.Stats.Submitted
		s.Accepted = ev.Stats.Accepted
		s.Rejected = ev.Stats.Rejected
		s.Jobs = ev.Stats.Jobs
		s.LastError = ev.Err
	}
}

// Fields returns the snapshot as hash fields
func (s *Snapshot) Fields() map[string]any {
	return map[string]any{
		"status":           s.Status,
		"job_id":           s.JobID,
		"ntime":            s.NTime,
		"extranonce1":      s.ExtraNonce1,
		"extranonce2_size": s.ExtraNonce2Size,
		"difficulty":       strconv.FormatFloat(s.Difficulty, 'g', -1, 64),
		"submitted":        s.Submitted,
		"accepted":         s.Accepted,
		"rejected":         s.Rejected,
		"jobs":             s.Jobs,
		"last_share_id":    s.LastShareID,
		"last_error":       s.LastError,
		"updated_at":       s.UpdatedAt.UnixMilli(),
	}
}

// SnapshotSink is a telemetry sink that mirrors the session into one Redis
// hash per run
type SnapshotSink struct {
	writer  HashWriter
	key     string
	ttl     time.Duration
	breaker *circuit.Breaker
	retry   *retry.Config

	snapshot Snapshot
}

var _ telemetry.Sink = (*SnapshotSink)(nil)

// NewSnapshotSink creates a sink writing the snapshot of runID with ttl
func NewSnapshotSink(writer HashWriter, runID string, ttl time.Duration) *SnapshotSink {
	return &SnapshotSink{
		writer: writer,
		key:    SessionKey(runID),
		ttl:    ttl,
		breaker: circuit.New(&circuit.Config{
			Name:            "redis",
			MaxFailures:     3,
			SuccessRequired: 1,
			Timeout:         10 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retry: retry.DatabaseConfig(),
	}
}

// Name implements telemetry.Sink
func (s *SnapshotSink) Name() string {
	return "redis"
}

// Snapshot returns the snapshot as last applied
func (s *SnapshotSink) Snapshot() Snapshot {
	return s.snapshot
}

// Handle implements telemetry.Sink. The whole snapshot is rewritten on every
// event so that a write lost while the circuit is open is repaired by the next.
func (s *SnapshotSink) Handle(ctx context.Context, ev telemetry.Event) error {
	s.snapshot.Apply(ev)
	fields := s.snapshot.Fields()

	return s.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, s.retry, func() error {
			return s.writer.WriteHash(ctx, s.key, fields, s.ttl)
		})
	})
}

// Close implements telemetry.Sink
func (s *SnapshotSink) Close() error {
	return s.writer.Close()
}
