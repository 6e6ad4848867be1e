// Package influx writes session events to InfluxDB as time-series points.
package influx

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/stratumtest/internal/telemetry"
	"github.com/bardlex/stratumtest/pkg/errors"
	"github.com/bardlex/stratumtest/pkg/log"
)

// Measurement names
const (
	MeasurementJobs         = "jobs"
	MeasurementShares       = "shares"
	MeasurementShareResults = "share_results"
	MeasurementSessions     = "sessions"
)

// Client wraps the InfluxDB write API
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *log.Logger
	tags     map[string]string
	done     chan struct{}
	once     sync.Once
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// Tags are added to every point, typically worker and endpoint
	Tags map[string]string
}

// NewClient creates a new InfluxDB client and checks the server health
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_health",
			"failed to check InfluxDB health").
			WithContext("url", cfg.URL)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, errors.New(errors.ErrorTypeDatabase, "influx_health",
			"InfluxDB health check failed").
			WithContext("url", cfg.URL).
			WithContext("message", msg)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.WithComponent("influx"),
		tags:     cfg.Tags,
		done:     make(chan struct{}),
	}
	go c.logWriteErrors()
	return c, nil
}

// logWriteErrors reports failures of the asynchronous write API
func (c *Client) logWriteErrors() {
	errs := c.writeAPI.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.logger.WithError(err).Warn("failed to write points")
		case <-c.done:
			return
		}
	}
}

// Name implements telemetry.Sink
func (c *Client) Name() string {
	return "influx"
}

// Handle implements telemetry.Sink. Points are batched and written in the
// background.
func (c *Client) Handle(_ context.Context, ev telemetry.Event) error {
	if point := PointFor(ev, c.tags); point != nil {
		c.writeAPI.WritePoint(point)
	}
	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Close flushes pending points and closes the client
func (c *Client) Close() error {
	c.once.Do(func() {
		c.Flush()
		close(c.done)
		c.client.Close()
	})
	return nil
}

// PointFor converts an event into a point. Extranonce changes carry nothing
// worth charting and yield nil.
func PointFor(ev telemetry.Event, baseTags map[string]string) *write.Point {
	tags := make(map[string]string, len(baseTags)+1)
	for k, v := range baseTags {
		tags[k] = v
	}
	tags["run_id"] = ev.RunID

	var measurement string
	var fields map[string]any

	switch ev.Type {
	case telemetry.EventJob:
		measurement = MeasurementJobs
		fields = map[string]any{
			"job_id": ev.Job.ID,
			"ntime":  ev.Job.NTime,
			"count":  1,
		}
	case telemetry.EventShare:
		measurement = MeasurementShares
		fields = map[string]any{
			"share_id":   ev.Share.ID,
			"message_id": ev.Share.MessageID,
			"job_id":     ev.Share.JobID,
			"count":      1,
		}
	case telemetry.EventShareResult:
		measurement = MeasurementShareResults
		tags["status"] = "accepted"
		if !ev.Result.Accepted {
			tags["status"] = "rejected"
		}
		fields = map[string]any{
			"message_id": ev.Result.MessageID,
			"latency_ms": float64(ev.Result.Latency) / float64(time.Millisecond),
			"count":      1,
		}
		if ev.Result.Reason != "" {
			fields["reason"] = ev.Result.Reason
		}
	case telemetry.EventDifficulty:
		measurement = MeasurementSessions
		fields = map[string]any{"difficulty": ev.Difficulty}
	case telemetry.EventSessionEnd:
		measurement = MeasurementSessions
		fields = map[string]any{
			"submitted":         ev.Stats.Submitted,
			"accepted":          ev.Stats.Accepted,
			"rejected":          ev.Stats.Rejected,
			"jobs":              ev.Stats.Jobs,
			"lines_received":    ev.Stats.LinesReceived,
			"decode_mismatches": ev.Stats.DecodeMismatches,
		}
	default:
		return nil
	}

	return write.NewPoint(measurement, tags, fields, ev.Time)
}
