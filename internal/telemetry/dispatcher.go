// Package telemetry fans session events out to the optional sinks (metrics,
// Kafka, Redis, InfluxDB, PostgreSQL) without ever blocking the session.
package telemetry

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/stratumtest/internal/stratum"
	"github.com/bardlex/stratumtest/pkg/log"
)

// EventType identifies what happened in a session
type EventType string

const (
	EventJob         EventType = "job"
	EventExtraNonce  EventType = "extranonce"
	EventDifficulty  EventType = "difficulty"
	EventShare       EventType = "share"
	EventShareResult EventType = "share_result"
	EventSessionEnd  EventType = "session_end"
)

// Event is one session event. Only the fields matching Type are set.
type Event struct {
	Type  EventType
	RunID string
	Time  time.Time

	Job             stratum.Job
	ExtraNonce1     string
	ExtraNonce2Size int
	Difficulty      float64
	Share           stratum.Share
	Result          stratum.ShareResult
	Stats           stratum.Stats
	Err             string
}

// Sink consumes events on the dispatcher goroutine
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
	Close() error
}

// Dispatcher implements stratum.Observer by queueing events for its sinks.
// Publishing never blocks: when the queue is full the event is dropped and
// counted.
type Dispatcher struct {
	runID  string
	logger *log.Logger
	sinks  []Sink
	events chan Event

	dropped   atomic.Uint64
	delivered atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

var _ stratum.Observer = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with a queue of buffer events
func NewDispatcher(runID string, buffer int, logger *log.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	return &Dispatcher{
		runID:  runID,
		logger: logger.WithComponent("telemetry"),
		sinks:  sinks,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Start delivers queued events to the sinks until Close. Sink calls use ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	for ev := range d.events {
		for _, sink := range d.sinks {
			if err := sink.Handle(ctx, ev); err != nil {
				d.logger.WithError(err).Warn("sink failed to handle event",
					"sink", sink.Name(),
					"event", string(ev.Type),
				)
			}
		}
		d.delivered.Add(1)
	}
}

// Close stops accepting events, drains the queue and closes every sink.
// It returns the joined sink close errors.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.events)
	d.mu.Unlock()

	if started {
		<-d.done
	}

	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			d.logger.WithError(err).Error("failed to close sink", "sink", sink.Name())
			errs = append(errs, err)
		}
	}

	d.logger.Info("telemetry stopped",
		"delivered", d.delivered.Load(),
		"dropped", d.dropped.Load(),
	)
	return stderrors.Join(errs...)
}

// Dropped returns how many events were discarded because the queue was full
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Delivered returns how many events reached every sink
func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}

func (d *Dispatcher) publish(ev Event) {
	ev.RunID = d.runID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}

	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
	}
}

// JobReceived implements stratum.Observer
func (d *Dispatcher) JobReceived(job stratum.Job) {
	d.publish(Event{Type: EventJob, Job: job})
}

// ExtraNonceChanged implements stratum.Observer
func (d *Dispatcher) ExtraNonceChanged(extraNonce1 string, extraNonce2Size int) {
	d.publish(Event{Type: EventExtraNonce, ExtraNonce1: extraNonce1, ExtraNonce2Size: extraNonce2Size})
}

// DifficultyChanged implements stratum.Observer
func (d *Dispatcher) DifficultyChanged(difficulty float64) {
	d.publish(Event{Type: EventDifficulty, Difficulty: difficulty})
}

// ShareSubmitted implements stratum.Observer
func (d *Dispatcher) ShareSubmitted(share stratum.Share) {
	d.publish(Event{Type: EventShare, Share: share, Time: share.SubmittedAt})
}

// ShareResult implements stratum.Observer
func (d *Dispatcher) ShareResult(result stratum.ShareResult) {
	d.publish(Event{Type: EventShareResult, Result: result})
}

// SessionEnded implements stratum.Observer
func (d *Dispatcher) SessionEnded(stats stratum.Stats, err error) {
	ev := Event{Type: EventSessionEnd, Stats: stats}
	if err != nil {
		ev.Err = err.Error()
	}
	d.publish(ev)
}
