package stratum

import (
	"context"
	"math"
	"time"

	"github.com/bardlex/stratumtest/internal/bitcoin"
	"github.com/bardlex/stratumtest/pkg/errors"
)

// MinShareInterval is the floor applied to the computed share interval
const MinShareInterval = time.Millisecond

const (
	hashesPerExahash = 1e18
	nonceSpace       = 4294967296.0 // 2^32
)

// ShareInterval returns the mean time between shares of the given
// difficulty at the given hashrate in EH/s: D*2^32 / (H*10^18) seconds,
// floored at MinShareInterval.
func ShareInterval(hashrateEH, difficulty float64) time.Duration {
	seconds := (difficulty * nonceSpace) / (hashrateEH * hashesPerExahash)

	if math.IsNaN(seconds) || seconds < MinShareInterval.Seconds() {
		return MinShareInterval
	}
	if seconds >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds * float64(time.Second))
}

// Run submits a synthetic share every interval until the session stops or
// ctx is done. Ticks without a known job are idle. A send failure on a
// live session stops it and is returned; every other exit returns nil.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.Load() {
		return errors.New(errors.ErrorTypeInternal, "run", "session is not running")
	}

	interval := c.Interval()
	c.logger.Info("synthetic share interval", "interval", interval.String(), "interval_seconds", interval.Seconds())

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for c.running.Load() {
		if err := c.submitOnce(); err != nil {
			if !c.running.Load() {
				// stopped while the write was in flight
				return nil
			}
			c.logger.WithError(err).Error("share submission failed, stopping session")
			c.end(err)
			c.Stop()
			return err
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-timer.C:
		}
	}

	return nil
}

// Interval returns the configured share interval
func (c *Client) Interval() time.Duration {
	return ShareInterval(c.cfg.HashrateEH, c.cfg.Difficulty)
}

// submitOnce sends one share if a job is known
func (c *Client) submitOnce() error {
	sub, ok := c.state.NextSubmission()
	if !ok {
		return nil
	}

	id := c.nextID()
	share := Share{
		MessageID:   id,
		Username:    Username(c.cfg.Account, c.cfg.Worker),
		JobID:       sub.Job.ID,
		ExtraNonce1: sub.ExtraNonce1,
		ExtraNonce2: sub.ExtraNonce2,
		NTime:       sub.Job.NTime,
		Nonce:       sub.Nonce,
	}
	share.ID = bitcoin.ShareID(share.JobID, share.ExtraNonce1, share.ExtraNonce2, share.NTime, share.Nonce)

	payload, err := EncodeSubmit(id, SubmitRequest{
		Username:    share.Username,
		JobID:       share.JobID,
		ExtraNonce2: share.ExtraNonce2,
		NTime:       share.NTime,
		Nonce:       share.Nonce,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode_submit", "failed to encode share")
	}

	share.SubmittedAt = time.Now()
	c.track(id, MethodSubmit, share.ID, share.SubmittedAt)

	if err := c.send(payload); err != nil {
		c.untrack(id)
		return err
	}

	c.stats.submitted.Add(1)
	c.logger.LogShareSubmission(id, share.JobID, share.ExtraNonce2, share.NTime, share.Nonce)
	c.observer.ShareSubmitted(share)
	return nil
}
