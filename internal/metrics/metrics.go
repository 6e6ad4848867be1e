// Package metrics exposes session counters to Prometheus. The Collector is a
// telemetry sink; Server serves it on /metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/stratumtest/internal/telemetry"
)

const namespace = "stratumtest"

// Collector holds the Prometheus metrics of one run
type Collector struct {
	sharesSubmitted  prometheus.Counter
	sharesAccepted   prometheus.Counter
	sharesRejected   *prometheus.CounterVec
	jobsReceived     prometheus.Counter
	extraNonceChange prometheus.Counter
	shareLatency     prometheus.Histogram

	serverDifficulty prometheus.Gauge
	shareInterval    prometheus.Gauge
	sessionUp        prometheus.Gauge
	linesReceived    prometheus.Gauge
	decodeMismatches prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sharesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_submitted_total",
			Help:      "Total number of synthetic shares sent",
		}),
		sharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_accepted_total",
			Help:      "Total number of shares the server accepted",
		}),
		sharesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_rejected_total",
			Help:      "Total number of shares the server rejected, by reason",
		}, []string{"reason"}),
		jobsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_received_total",
			Help:      "Total number of mining.notify jobs received",
		}),
		extraNonceChange: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extranonce_changes_total",
			Help:      "Total number of extranonce assignments",
		}),
		shareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "share_response_seconds",
			Help:      "Time between a submit and the server's answer",
			Buckets:   prometheus.DefBuckets,
		}),
		serverDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_difficulty",
			Help:      "Difficulty last announced by the server",
		}),
		shareInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "share_interval_seconds",
			Help:      "Configured interval between synthetic shares",
		}),
		sessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_up",
			Help:      "1 while the stratum session is running",
		}),
		linesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lines_received",
			Help:      "Lines received during the session, set when it ends",
		}),
		decodeMismatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decode_mismatches",
			Help:      "Lines that matched a method but not its params, set when the session ends",
		}),
	}

	reg.MustRegister(
		c.sharesSubmitted,
		c.sharesAccepted,
		c.sharesRejected,
		c.jobsReceived,
		c.extraNonceChange,
		c.shareLatency,
		c.serverDifficulty,
		c.shareInterval,
		c.sessionUp,
		c.linesReceived,
		c.decodeMismatches,
	)

	return c
}

// RegisterDispatcher exposes the dispatcher's drop counter
func RegisterDispatcher(reg prometheus.Registerer, d *telemetry.Dispatcher) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Telemetry events dropped because the queue was full",
	}, func() float64 {
		return float64(d.Dropped())
	}))
}

// SessionStarted marks the session up and records its share interval
func (c *Collector) SessionStarted(interval time.Duration) {
	c.sessionUp.Set(1)
	c.shareInterval.Set(interval.Seconds())
}

// Name implements telemetry.Sink
func (c *Collector) Name() string { return "prometheus" }

// Handle implements telemetry.Sink
func (c *Collector) Handle(_ context.Context, ev telemetry.Event) error {
	switch ev.Type {
	case telemetry.EventJob:
		c.jobsReceived.Inc()
	case telemetry.EventExtraNonce:
		c.extraNonceChange.Inc()
	case telemetry.EventDifficulty:
		c.serverDifficulty.Set(ev.Difficulty)
	case telemetry.EventShare:
		c.sharesSubmitted.Inc()
	case telemetry.EventShareResult:
		if ev.Result.Accepted {
			c.sharesAccepted.Inc()
		} else {
			c.sharesRejected.WithLabelValues(ev.Result.Reason).Inc()
		}
		c.shareLatency.Observe(ev.Result.Latency.Seconds())
	case telemetry.EventSessionEnd:
		c.sessionUp.Set(0)
		c.linesReceived.Set(float64(ev.Stats.LinesReceived))
		c.decodeMismatches.Set(float64(ev.Stats.DecodeMismatches))
	}
	return nil
}

// Close implements telemetry.Sink
func (c *Collector) Close() error { return nil }

// Server serves /metrics for a gatherer
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer binds addr and prepares the /metrics handler
func NewServer(addr string, gatherer prometheus.Gatherer) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
