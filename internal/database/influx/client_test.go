package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/stratumtest/internal/stratum"
	"github.com/bardlex/stratumtest/internal/telemetry"
	"github.com/bardlex/stratumtest/pkg/errors"
	"github.com/bardlex/stratumtest/pkg/log"
)

var baseTags = map[string]string{"worker": "acct.w1", "endpoint": "stratum+tcp://pool:3333"}

func TestPointFor(t *testing.T) {
	at := time.Unix(1700000000, 0)

	tests := []struct {
		name  string
		event telemetry.Event
		want  []string
	}{
		{
			name:  "job",
			event: telemetry.Event{Type: telemetry.EventJob, RunID: "r1", Time: at, Job: stratum.Job{ID: "job1", NTime: "1a2b3c4d"}},
			want:  []string{"jobs,", "run_id=r1", "worker=acct.w1", `job_id="job1"`, `ntime="1a2b3c4d"`, "count=1i"},
		},
		{
			name:  "share",
			event: telemetry.Event{Type: telemetry.EventShare, RunID: "r1", Time: at, Share: stratum.Share{ID: "abc", MessageID: 3, JobID: "job1"}},
			want:  []string{"shares,", `share_id="abc"`, "message_id=3u", `job_id="job1"`},
		},
		{
			name:  "accepted result",
			event: telemetry.Event{Type: telemetry.EventShareResult, RunID: "r1", Time: at, Result: stratum.ShareResult{MessageID: 3, Accepted: true, Latency: 2 * time.Millisecond}},
			want:  []string{"share_results,", "status=accepted", "latency_ms=2"},
		},
		{
			name:  "rejected result",
			event: telemetry.Event{Type: telemetry.EventShareResult, RunID: "r1", Time: at, Result: stratum.ShareResult{MessageID: 4, Reason: "stale"}},
			want:  []string{"status=rejected", `reason="stale"`},
		},
		{
			name:  "difficulty",
			event: telemetry.Event{Type: telemetry.EventDifficulty, RunID: "r1", Time: at, Difficulty: 512},
			want:  []string{"sessions,", "difficulty=512"},
		},
		{
			name:  "session end",
			event: telemetry.Event{Type: telemetry.EventSessionEnd, RunID: "r1", Time: at, Stats: stratum.Stats{Submitted: 5, Accepted: 4}},
			want:  []string{"sessions,", "submitted=5u", "accepted=4u"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			point := PointFor(tt.event, baseTags)
			if point == nil {
				t.Fatal("PointFor() = nil")
			}
			line := write.PointToLineProtocol(point, time.Second)
			for _, want := range tt.want {
				if !strings.Contains(line, want) {
					t.Errorf("line %q missing %q", line, want)
				}
			}
			if !strings.HasSuffix(line, " 1700000000\n") {
				t.Errorf("line %q has the wrong timestamp", line)
			}
		})
	}
}

func TestPointFor_SkipsExtraNonce(t *testing.T) {
	if p := PointFor(telemetry.Event{Type: telemetry.EventExtraNonce}, nil); p != nil {
		t.Errorf("PointFor(extranonce) = %v, want nil", p)
	}
}

func TestPointFor_DoesNotMutateBaseTags(t *testing.T) {
	tags := map[string]string{"worker": "w"}
	PointFor(telemetry.Event{Type: telemetry.EventShareResult, RunID: "r1"}, tags)
	if len(tags) != 1 {
		t.Errorf("base tags modified: %v", tags)
	}
}

type fakeInflux struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
	status string
}

func newFakeInflux(t *testing.T, status string) *fakeInflux {
	f := &fakeInflux{status: status}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/health"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"name":"influxdb","status":"`+f.status+`","message":"ready for queries and writes"}`)
		case strings.HasSuffix(r.URL.Path, "/write"):
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.bodies = append(f.bodies, string(body))
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInflux) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "")
}

func TestClient_WritesOnClose(t *testing.T) {
	server := newFakeInflux(t, "pass")

	client, err := NewClient(context.Background(), &Config{
		URL:    server.URL,
		Token:  "token",
		Org:    "org",
		Bucket: "bucket",
		Tags:   baseTags,
	}, log.Discard())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.Name() != "influx" {
		t.Errorf("Name() = %q", client.Name())
	}

	ctx := context.Background()
	_ = client.Handle(ctx, telemetry.Event{Type: telemetry.EventJob, RunID: "r1", Time: time.Now(), Job: stratum.Job{ID: "job1", NTime: "1a2b3c4d"}})
	_ = client.Handle(ctx, telemetry.Event{Type: telemetry.EventExtraNonce, RunID: "r1", Time: time.Now()})
	_ = client.Handle(ctx, telemetry.Event{Type: telemetry.EventShare, RunID: "r1", Time: time.Now(), Share: stratum.Share{ID: "abc"}})

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	body := server.written()
	if !strings.Contains(body, "jobs,") || !strings.Contains(body, "shares,") {
		t.Errorf("written body = %q", body)
	}
	if strings.Count(body, "\n") != 2 {
		t.Errorf("expected 2 points, got body %q", body)
	}
}

func TestNewClient_Unhealthy(t *testing.T) {
	server := newFakeInflux(t, "fail")

	_, err := NewClient(context.Background(), &Config{URL: server.URL, Org: "org", Bucket: "bucket"}, log.Discard())
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Fatalf("NewClient() error = %v, want database error", err)
	}
	if ctx := errors.GetContext(err); ctx["message"] != "ready for queries and writes" {
		t.Errorf("error context = %v", ctx)
	}
}
