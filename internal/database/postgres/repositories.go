package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/bardlex/stratumtest/pkg/errors"
)

// Execer is the subset of *sql.DB and *sql.Tx the repositories use
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RunRepository handles test_runs rows
type RunRepository struct {
	db Execer
}

// NewRunRepository creates a new run repository
func NewRunRepository(db Execer) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRun inserts the row of a starting run
func (r *RunRepository) CreateRun(ctx context.Context, run *TestRun) error {
	query := `
		INSERT INTO test_runs (run_id, endpoint, username, hashrate_eh, difficulty, share_interval_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		run.RunID, run.Endpoint, run.Username, run.HashrateEH,
		run.Difficulty, run.ShareIntervalMs, run.StartedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "create_run",
			"failed to create run").
			WithContext("run_id", run.RunID)
	}
	return nil
}

// FinishRun stores the final tally of a run
func (r *RunRepository) FinishRun(ctx context.Context, run *TestRun) error {
	query := `
		UPDATE test_runs
		SET finished_at = $1, submitted = $2, accepted = $3, rejected = $4, jobs = $5, end_reason = $6
		WHERE run_id = $7`

	finishedAt := time.Now()
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	}

	res, err := r.db.ExecContext(ctx, query,
		finishedAt, run.Submitted, run.Accepted, run.Rejected, run.Jobs,
		nullString(run.EndReason), run.RunID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "finish_run",
			"failed to finish run").
			WithContext("run_id", run.RunID)
	}
	return expectRow(res, "finish_run", run.RunID)
}

// ShareRepository handles test_shares rows
type ShareRepository struct {
	db Execer
}

// NewShareRepository creates a new share repository
func NewShareRepository(db Execer) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a pending share
func (r *ShareRepository) CreateShare(ctx context.Context, share *TestShare) error {
	query := `
		INSERT INTO test_shares (share_id, run_id, message_id, job_id, extranonce2, ntime, nonce, submitted_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, message_id) DO NOTHING`

	status := share.Status
	if status == "" {
		status = ShareStatusPending
	}

	_, err := r.db.ExecContext(ctx, query,
		share.ShareID, share.RunID, share.MessageID, share.JobID,
		share.ExtraNonce2, share.NTime, share.Nonce, share.SubmittedAt, status,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "create_share",
			"failed to create share").
			WithContext("run_id", share.RunID).
			WithContext("message_id", share.MessageID)
	}
	return nil
}

// RecordResult stores the verdict of a pending share
func (r *ShareRepository) RecordResult(ctx context.Context, runID string, messageID int64, status, reason string, latencyMs float64) error {
	query := `
		UPDATE test_shares SET status = $1, reason = $2, latency_ms = $3
		WHERE run_id = $4 AND message_id = $5`

	res, err := r.db.ExecContext(ctx, query, status, nullString(reason), latencyMs, runID, messageID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "record_result",
			"failed to record share result").
			WithContext("run_id", runID).
			WithContext("message_id", messageID)
	}
	return expectRow(res, "record_result", runID)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// expectRow fails when an update matched nothing
func expectRow(res sql.Result, operation, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, operation,
			"failed to read affected rows")
	}
	if n == 0 {
		return errors.New(errors.ErrorTypeDatabase, operation, "no matching row").
			WithContext("run_id", runID)
	}
	return nil
}
