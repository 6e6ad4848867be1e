package postgres

import (
	"time"
)

// Share statuses
const (
	ShareStatusPending  = "pending"
	ShareStatusAccepted = "accepted"
	ShareStatusRejected = "rejected"
)

// TestRun is one load-test session
type TestRun struct {
	RunID           string     `db:"run_id"`
	Endpoint        string     `db:"endpoint"`
	Username        string     `db:"username"`
	HashrateEH      float64    `db:"hashrate_eh"`
	Difficulty      float64    `db:"difficulty"`
	ShareIntervalMs float64    `db:"share_interval_ms"`
	StartedAt       time.Time  `db:"started_at"`
	FinishedAt      *time.Time `db:"finished_at"`
	Submitted       int64      `db:"submitted"`
	Accepted        int64      `db:"accepted"`
	Rejected        int64      `db:"rejected"`
	Jobs            int64      `db:"jobs"`
	EndReason       string     `db:"end_reason"`
}

// TestShare is one synthetic share and, once known, its verdict
type TestShare struct {
	ShareID     string    `db:"share_id"`
	RunID       string    `db:"run_id"`
	MessageID   int64     `db:"message_id"`
	JobID       string    `db:"job_id"`
	ExtraNonce2 string    `db:"extranonce2"`
	NTime       string    `db:"ntime"`
	Nonce       string    `db:"nonce"`
	SubmittedAt time.Time `db:"submitted_at"`
	Status      string    `db:"status"`
	Reason      string    `db:"reason"`
	LatencyMs   float64   `db:"latency_ms"`
}
