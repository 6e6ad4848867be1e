package messaging

import (
	"time"

	"github.com/bardlex/stratumtest/internal/telemetry"
)

// JobMessage is published for every job the session accepted
type JobMessage struct {
	RunID      string    `json:"run_id"`
	JobID      string    `json:"job_id"`
	NTime      string    `json:"ntime"`
	ReceivedAt time.Time `json:"received_at"`
}

// ShareMessage describes a synthetic share as it went out on the wire
type ShareMessage struct {
	RunID       string    `json:"run_id"`
	ShareID     string    `json:"share_id"`
	MessageID   uint64    `json:"message_id"`
	Username    string    `json:"username"`
	JobID       string    `json:"job_id"`
	ExtraNonce1 string    `json:"extra_nonce1"`
	ExtraNonce2 string    `json:"extra_nonce2"`
	NTime       string    `json:"ntime"`
	Nonce       string    `json:"nonce"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ShareResultMessage is the server's verdict on a share
type ShareResultMessage struct {
	RunID      string    `json:"run_id"`
	ShareID    string    `json:"share_id"`
	MessageID  uint64    `json:"message_id"`
	Status     string    `json:"status"` // "accepted", "rejected"
	Reason     string    `json:"reason,omitempty"`
	LatencyMs  float64   `json:"latency_ms"`
	ReceivedAt time.Time `json:"received_at"`
}

// SessionMessage carries session-level changes and the final tally
type SessionMessage struct {
	RunID           string    `json:"run_id"`
	Event           string    `json:"event"`
	ExtraNonce1     string    `json:"extra_nonce1,omitempty"`
	ExtraNonce2Size int       `json:"extra_nonce2_size,omitempty"`
	Difficulty      float64   `json:"difficulty,omitempty"`
	Submitted       uint64    `json:"submitted,omitempty"`
	Accepted        uint64    `json:"accepted,omitempty"`
	Rejected        uint64    `json:"rejected,omitempty"`
	Jobs            uint64    `json:"jobs,omitempty"`
	Error           string    `json:"error,omitempty"`
	Time            time.Time `json:"time"`
}

// MessageFor converts an event into the message published for it
func MessageFor(ev telemetry.Event) any {
	switch ev.Type {
	case telemetry.EventJob:
		return JobMessage{
			RunID:      ev.RunID,
			JobID:      ev.Job.ID,
			NTime:      ev.Job.NTime,
			ReceivedAt: ev.Time,
		}
	case telemetry.EventShare:
		return ShareMessage{
			RunID:       ev.RunID,
			ShareID:     ev.Share.ID,
			MessageID:   ev.Share.MessageID,
			Username:    ev.Share.Username,
			JobID:       ev.Share.JobID,
			ExtraNonce1: ev.Share.ExtraNonce1,
			ExtraNonce2: ev.Share.ExtraNonce2,
			NTime:       ev.Share.NTime,
			Nonce:       ev.Share.Nonce,
			SubmittedAt: ev.Share.SubmittedAt,
		}
	case telemetry.EventShareResult:
		msg := ShareResultMessage{
			RunID:      ev.RunID,
			ShareID:    ev.Result.ShareID,
			MessageID:  ev.Result.MessageID,
			Status:     "accepted",
			LatencyMs:  float64(ev.Result.Latency) / float64(time.Millisecond),
			ReceivedAt: ev.Time,
		}
		if !ev.Result.Accepted {
			msg.Status = "rejected"
			msg.Reason = ev.Result.Reason
		}
		return msg
	default:
		return SessionMessage{
			RunID:           ev.RunID,
			Event:           string(ev.Type),
			ExtraNonce1:     ev.ExtraNonce1,
			ExtraNonce2Size: ev.ExtraNonce2Size,
			Difficulty:      ev.Difficulty,
			Submitted:       ev.Stats.Submitted,
			Accepted:        ev.Stats.Accepted,
			Rejected:        ev.Stats.Rejected,
			Jobs:            ev.Stats.Jobs,
			Error:           ev.Err,
			Time:            ev.Time,
		}
	}
}
