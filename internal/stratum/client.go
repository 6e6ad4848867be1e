package stratum

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"

	"github.com/bardlex/stratumtest/pkg/errors"
	"github.com/bardlex/stratumtest/pkg/log"
)

// maxPending bounds how many unanswered requests are remembered
const maxPending = 1 << 16

// Config is the immutable configuration of one session
type Config struct {
	URL        string
	Account    string
	Worker     string
	Password   string
	HashrateEH float64
	Difficulty float64
	NonceStart uint32
	ClientName string
	Dial       DialOptions
}

// Share is a synthetic share as it was sent
type Share struct {
	ID          string
	MessageID   uint64
	Username    string
	JobID       string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	SubmittedAt time.Time
}

// ShareResult is the server's verdict on a submitted share
type ShareResult struct {
	MessageID uint64
	ShareID   string
	Accepted  bool
	Reason    string
	Latency   time.Duration
}

// Stats counts what happened during a session
type Stats struct {
	Submitted        uint64
	Accepted         uint64
	Rejected         uint64
	Jobs             uint64
	LinesReceived    uint64
	DecodeMismatches uint64
}

// Observer receives session events. Calls are made from the receiver and
// scheduler goroutines and must not block. They may call Client.Stop.
type Observer interface {
	JobReceived(job Job)
	ExtraNonceChanged(extraNonce1 string, extraNonce2Size int)
	DifficultyChanged(difficulty float64)
	ShareSubmitted(share Share)
	ShareResult(result ShareResult)
	SessionEnded(stats Stats, err error)
}

type noopObserver struct{}

func (noopObserver) JobReceived(Job)               {}
func (noopObserver) ExtraNonceChanged(string, int) {}
func (noopObserver) DifficultyChanged(float64)     {}
func (noopObserver) ShareSubmitted(Share)          {}
func (noopObserver) ShareResult(ShareResult)       {}
func (noopObserver) SessionEnded(Stats, error)     {}

type pendingRequest struct {
	method  string
	shareID string
	sentAt  time.Time
}

type counters struct {
	submitted        atomic.Uint64
	accepted         atomic.Uint64
	rejected         atomic.Uint64
	jobs             atomic.Uint64
	linesReceived    atomic.Uint64
	decodeMismatches atomic.Uint64
}

// Client is one Stratum session: it owns the transport, runs the
// receiver goroutine and drives the synthetic share scheduler.
type Client struct {
	cfg      Config
	logger   *log.Logger
	observer Observer
	state    *State

	mu        sync.Mutex
	transport *Transport
	recvDone  chan struct{}
	started   bool
	stopped   bool

	// receiverID is the goroutine id of the running receiver
	receiverID atomic.Int64

	running atomic.Bool
	lastID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]pendingRequest

	stats counters

	done   chan struct{}
	ended  atomic.Bool
	endErr error
}

// NewClient creates a session that has not connected yet. A nil observer
// discards events.
func NewClient(cfg Config, logger *log.Logger, observer Observer) *Client {
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}
	if cfg.Password == "" {
		cfg.Password = "x"
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.WithComponent("stratum_client").WithMiner(cfg.Account, cfg.Worker),
		observer: observer,
		state:    NewState(cfg.NonceStart),
		pending:  make(map[uint64]pendingRequest),
		done:     make(chan struct{}),
	}
}

// ConnectAndAuthorize parses the endpoint, connects, starts the receiver
// and sends subscribe then authorize. On any failure the session is torn
// down before the error is returned.
func (c *Client) ConnectAndAuthorize(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return errors.New(errors.ErrorTypeInternal, "connect", "session already started")
	}
	c.started = true
	c.mu.Unlock()

	ep, err := ParseEndpoint(c.cfg.URL)
	if err != nil {
		c.end(err)
		return err
	}

	transport, err := Dial(ctx, ep, c.cfg.Dial)
	if err != nil {
		c.logger.WithError(err).Error("connection failed", "endpoint", ep.Address())
		c.end(err)
		return err
	}

	if err := c.attach(transport); err != nil {
		c.end(err)
		return err
	}

	if err := c.sendRequest(MethodSubscribe, func(id uint64) ([]byte, error) {
		return EncodeSubscribe(id, c.cfg.ClientName)
	}); err != nil {
		c.end(err)
		c.Stop()
		return err
	}

	if err := c.sendRequest(MethodAuthorize, func(id uint64) ([]byte, error) {
		return EncodeAuthorize(id, c.cfg.Account, c.cfg.Worker, c.cfg.Password)
	}); err != nil {
		c.end(err)
		c.Stop()
		return err
	}

	return nil
}

// attach makes transport the session connection and starts the receiver
func (c *Client) attach(transport *Transport) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = transport.Close()
		return errors.New(errors.ErrorTypeInternal, "connect", "session stopped during connect")
	}
	c.transport = transport
	c.recvDone = make(chan struct{})
	c.running.Store(true)
	recvDone := c.recvDone
	c.mu.Unlock()

	c.logger.LogConnection("connected", transport.RemoteAddr())
	go c.receiveLoop(transport, recvDone)
	return nil
}

// Stop ends the session: it clears the running flag, closes the transport
// and waits for the receiver to exit. It is safe to call any number of
// times from any goroutine. Called from the receiver, typically through an
// Observer, it does not wait for itself; the receiver exits once the call
// returns.
func (c *Client) Stop() {
	c.running.Store(false)

	c.mu.Lock()
	c.stopped = true
	transport := c.transport
	recvDone := c.recvDone
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.WithError(err).Debug("transport close")
		}
	}
	if recvDone != nil && goid.Get() != c.receiverID.Load() {
		<-recvDone
	}

	c.end(nil)
}

// Running reports whether the session is live
func (c *Client) Running() bool {
	return c.running.Load()
}

// Done is closed when the session has ended, from either side
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the session ended; nil for a requested stop
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.endErr
	default:
		return nil
	}
}

// State returns a snapshot of the session state
func (c *Client) State() Snapshot {
	return c.state.Snapshot()
}

// Stats returns the session counters
func (c *Client) Stats() Stats {
	return Stats{
		Submitted:        c.stats.submitted.Load(),
		Accepted:         c.stats.accepted.Load(),
		Rejected:         c.stats.rejected.Load(),
		Jobs:             c.stats.jobs.Load(),
		LinesReceived:    c.stats.linesReceived.Load(),
		DecodeMismatches: c.stats.decodeMismatches.Load(),
	}
}

// end records the first end reason and closes Done. Later calls,
// including one made from SessionEnded, return at once.
func (c *Client) end(err error) {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}

	c.running.Store(false)
	c.endErr = err
	close(c.done)
	stats := c.Stats()
	c.logger.Info("session ended",
		"submitted", stats.Submitted,
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"jobs", stats.Jobs,
		"reason", endReason(err),
	)
	c.observer.SessionEnded(stats, err)
}

func endReason(err error) string {
	if err == nil {
		return "stopped"
	}
	return err.Error()
}

// receiveLoop reads lines until the stream ends or the session stops
func (c *Client) receiveLoop(t *Transport, done chan struct{}) {
	c.receiverID.Store(goid.Get())
	defer close(done)
	defer c.receiverID.Store(0)

	for c.running.Load() {
		line, err := t.ReceiveLine()
		if err != nil {
			if c.running.Swap(false) {
				c.logger.WithError(err).Info("stream ended")
				c.end(err)
			}
			return
		}

		c.stats.linesReceived.Add(1)
		c.logger.LogStratumMessage("received", line)
		c.handleLine(line)
	}
}

// handleLine applies every rule a line matches to the session state
func (c *Client) handleLine(line string) {
	d := Decode(line)

	if d.Subscribe != nil {
		switch {
		case d.Subscribe.HasSize && d.Subscribe.ExtraNonce2Size > MaxExtraNonce2Size:
			c.rejectExtraNonce2Size(MethodSubscribe, d.Subscribe.ExtraNonce2Size)
			c.state.SetExtraNonce1(d.Subscribe.ExtraNonce1)
		case d.Subscribe.HasSize:
			c.state.SetExtraNonce(d.Subscribe.ExtraNonce1, d.Subscribe.ExtraNonce2Size)
		default:
			c.state.SetExtraNonce1(d.Subscribe.ExtraNonce1)
		}
		c.logger.Info("subscribed", "extranonce1", d.Subscribe.ExtraNonce1)
		c.observer.ExtraNonceChanged(d.Subscribe.ExtraNonce1, c.state.ExtraNonce2Size())
	}

	if d.Notify != nil {
		job := Job{ID: d.Notify.JobID, NTime: d.Notify.NTime}
		c.state.SetJob(job)
		c.stats.jobs.Add(1)
		c.logger.LogJobReceived(job.ID, job.NTime)
		c.observer.JobReceived(job)
	}

	if d.SetExtranonce != nil && d.SetExtranonce.ExtraNonce2Size > MaxExtraNonce2Size {
		c.rejectExtraNonce2Size(MethodSetExtranonce, d.SetExtranonce.ExtraNonce2Size)
	} else if d.SetExtranonce != nil {
		c.state.SetExtraNonce(d.SetExtranonce.ExtraNonce1, d.SetExtranonce.ExtraNonce2Size)
		c.logger.Info("extranonce renegotiated",
			"extranonce1", d.SetExtranonce.ExtraNonce1,
			"extranonce2_size", d.SetExtranonce.ExtraNonce2Size,
		)
		c.observer.ExtraNonceChanged(d.SetExtranonce.ExtraNonce1, d.SetExtranonce.ExtraNonce2Size)
	}

	if d.SetDifficulty != nil {
		c.state.SetServerDifficulty(*d.SetDifficulty)
		c.logger.Info("server difficulty", "difficulty", *d.SetDifficulty)
		c.observer.DifficultyChanged(*d.SetDifficulty)
	}

	if d.Response != nil {
		c.handleResponse(*d.Response)
	}

	if len(d.Partial) > 0 {
		c.stats.decodeMismatches.Add(1)
		err := errors.New(errors.ErrorTypeDecode, "decode_line", "line matched a method but not its params").
			WithContext("methods", d.Partial)
		c.logger.WithError(err).Warn("ignoring malformed line", "line", line)
	} else if d.Empty() {
		c.logger.Debug("unrecognized line", "line", line)
	}
}

// rejectExtraNonce2Size reports a size the session refuses to apply
func (c *Client) rejectExtraNonce2Size(method string, size int) {
	c.stats.decodeMismatches.Add(1)
	c.logger.Warn("ignoring extranonce2 size above limit",
		"method", method,
		"extranonce2_size", size,
		"max_extranonce2_size", MaxExtraNonce2Size,
	)
}

func (c *Client) handleResponse(resp Response) {
	req, ok := c.untrack(resp.ID)
	if !ok {
		return
	}

	switch req.method {
	case MethodSubmit:
		result := ShareResult{
			MessageID: resp.ID,
			ShareID:   req.shareID,
			Accepted:  resp.Accepted(),
			Reason:    resp.Reason(),
			Latency:   time.Since(req.sentAt),
		}
		if result.Accepted {
			c.stats.accepted.Add(1)
		} else {
			c.stats.rejected.Add(1)
		}
		c.logger.LogShareResult(resp.ID, result.Accepted, result.Reason)
		c.observer.ShareResult(result)
	case MethodAuthorize:
		if resp.Accepted() {
			c.logger.Info("authorized")
		} else {
			c.logger.Warn("authorization refused", "reason", resp.Reason())
		}
	}
}

// nextID allocates a message id; ids start at 1 and are never reused
func (c *Client) nextID() uint64 {
	return c.lastID.Add(1)
}

func (c *Client) sendRequest(method string, build func(id uint64) ([]byte, error)) error {
	id := c.nextID()
	payload, err := build(id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode_request", "failed to encode request").
			WithContext("method", method)
	}

	c.track(id, method, "", time.Now())
	if err := c.send(payload); err != nil {
		c.untrack(id)
		return err
	}
	return nil
}

func (c *Client) send(payload []byte) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return errors.New(errors.ErrorTypeSend, "send_line", "not connected")
	}
	if err := transport.SendLine(payload); err != nil {
		return err
	}
	c.logger.LogStratumMessage("sent", string(payload))
	return nil
}

func (c *Client) track(id uint64, method, shareID string, sentAt time.Time) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[id] = pendingRequest{method: method, shareID: shareID, sentAt: sentAt}
	if id > maxPending {
		delete(c.pending, id-maxPending)
	}
}

func (c *Client) untrack(id uint64) (pendingRequest, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return req, ok
}
