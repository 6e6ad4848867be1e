package postgres

import (
	"context"
	"io"
	"time"

	"github.com/bardlex/stratumtest/internal/telemetry"
	"github.com/bardlex/stratumtest/pkg/circuit"
	"github.com/bardlex/stratumtest/pkg/retry"
)

// Ledger is a telemetry sink that records a run and each of its shares
type Ledger struct {
	runs   *RunRepository
	shares *ShareRepository
	closer io.Closer

	run     TestRun
	breaker *circuit.Breaker
	retry   *retry.Config
}

var _ telemetry.Sink = (*Ledger)(nil)

// NewLedger creates a ledger for run. closer, when not nil, is closed with
// the ledger.
func NewLedger(db Execer, closer io.Closer, run TestRun) *Ledger {
	return &Ledger{
		runs:   NewRunRepository(db),
		shares: NewShareRepository(db),
		closer: closer,
		run:    run,
		breaker: circuit.New(&circuit.Config{
			Name:            "postgres",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retry: retry.DatabaseConfig(),
	}
}

// Begin inserts the run row. It must succeed before shares can be recorded.
func (l *Ledger) Begin(ctx context.Context) error {
	if l.run.StartedAt.IsZero() {
		l.run.StartedAt = time.Now()
	}
	return l.exec(ctx, func() error {
		return l.runs.CreateRun(ctx, &l.run)
	})
}

// Run returns the run as currently recorded
func (l *Ledger) Run() TestRun {
	return l.run
}

// Name implements telemetry.Sink
func (l *Ledger) Name() string {
	return "postgres"
}

// Handle implements telemetry.Sink
func (l *Ledger) Handle(ctx context.Context, ev telemetry.Event) error {
	switch ev.Type {
	case telemetry.EventJob:
		l.run.Jobs++
		return nil

	case telemetry.EventShare:
		share := &TestShare{
			ShareID:     ev.Share.ID,
			RunID:       l.run.RunID,
			MessageID:   int64(ev.Share.MessageID),
			JobID:       ev.Share.JobID,
			ExtraNonce2: ev.Share.ExtraNonce2,
			NTime:       ev.Share.NTime,
			Nonce:       ev.Share.Nonce,
			SubmittedAt: ev.Share.SubmittedAt,
			Status:      ShareStatusPending,
		}
		l.run.Submitted++
		return l.exec(ctx, func() error {
			return l.shares.CreateShare(ctx, share)
		})

	case telemetry.EventShareResult:
		status := ShareStatusAccepted
		reason := ""
		if ev.Result.Accepted {
			l.run.Accepted++
		} else {
			l.run.Rejected++
			status = ShareStatusRejected
			reason = ev.Result.Reason
		}
		latencyMs := float64(ev.Result.Latency) / float64(time.Millisecond)
		return l.exec(ctx, func() error {
			return l.shares.RecordResult(ctx, l.run.RunID, int64(ev.Result.MessageID), status, reason, latencyMs)
		})

	case telemetry.EventSessionEnd:
		finishedAt := ev.Time
		l.run.FinishedAt = &finishedAt
		l.run.Submitted = int64(ev.Stats.Submitted)
		l.run.Accepted = int64(ev.Stats.Accepted)
		l.run.Rejected = int64(ev.Stats.Rejected)
		l.run.Jobs = int64(ev.Stats.Jobs)
		l.run.EndReason = ev.Err
		if l.run.EndReason == "" {
			l.run.EndReason = "stopped"
		}
		return l.exec(ctx, func() error {
			return l.runs.FinishRun(ctx, &l.run)
		})
	}
	return nil
}

// Close implements telemetry.Sink
func (l *Ledger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Ledger) exec(ctx context.Context, fn func() error) error {
	return l.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, l.retry, fn)
	})
}
