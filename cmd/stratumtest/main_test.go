package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bardlex/stratumtest/pkg/errors"
)

// fakePool accepts one miner, answers the handshake with a job and then
// reads whatever the miner sends until it disconnects
func fakePool(t *testing.T) (url string, submits <-chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	lines := make(chan string, 1024)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		for i := 0; i < 2; i++ {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
		}
		_, _ = conn.Write([]byte(`{"id":1,"result":[[["mining.notify","ae6812eb4cd7735a302a8a9dd95cf71f"]],"08000002",4],"error":null}` + "\n"))
		_, _ = conn.Write([]byte(`{"id":2,"result":true,"error":null}` + "\n"))
		_, _ = conn.Write([]byte(`{"id":null,"method":"mining.notify","params":["bf","prevhash","1a2b3c4d",true]}` + "\n"))

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			select {
			case lines <- strings.TrimSpace(line):
			default:
			}
		}
	}()

	return "stratum+tcp://" + ln.Addr().String(), lines
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestExecute_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"missing arguments", []string{"stratum+tcp://127.0.0.1:3333", "acct"}, nil},
		{"too many arguments", []string{"stratum+tcp://127.0.0.1:3333", "acct", "w1", "x", "1", "1", "0", "extra"}, nil},
		{"bad hashrate", []string{"stratum+tcp://127.0.0.1:3333", "acct", "w1", "x", "fast"}, nil},
		{"zero difficulty", []string{"stratum+tcp://127.0.0.1:3333", "acct", "w1", "x", "1", "0"}, nil},
		{"unknown flag", []string{"--bogus"}, nil},
		{"malformed url", []string{"http://127.0.0.1:3333", "acct", "w1"}, nil},
		{"port out of range", []string{"stratum+tcp://127.0.0.1:70000", "acct", "w1"}, nil},
		{"invalid address", []string{"stratum+tcp://127.0.0.1:3333", "not-an-address", "w1"}, map[string]string{"ADDRESS_NETWORK": "mainnet"}},
		{"bad env", []string{"stratum+tcp://127.0.0.1:3333", "acct", "w1"}, map[string]string{"DIAL_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			var stdout, stderr bytes.Buffer
			if code := execute(context.Background(), tt.args, &stdout, &stderr); code != exitConfig {
				t.Errorf("execute() = %d, want %d (stderr %q)", code, exitConfig, stderr.String())
			}
			if !strings.HasPrefix(stderr.String(), "stratumtest: ") {
				t.Errorf("stderr = %q", stderr.String())
			}
		})
	}
}

func TestExecute_ConnectionRefused(t *testing.T) {
	var stdout, stderr bytes.Buffer
	args := []string{"stratum+tcp://" + closedPort(t), "acct", "w1"}

	if code := execute(context.Background(), args, &stdout, &stderr); code != exitConnect {
		t.Errorf("execute() = %d, want %d (stderr %q)", code, exitConnect, stderr.String())
	}
}

func TestExecute_StorageUnavailable(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://"+closedPort(t)+"/0")

	var stdout, stderr bytes.Buffer
	args := []string{"stratum+tcp://127.0.0.1:3333", "acct", "w1"}

	if code := execute(context.Background(), args, &stdout, &stderr); code != exitConnect {
		t.Errorf("execute() = %d, want %d (stderr %q)", code, exitConnect, stderr.String())
	}
}

func TestExecute_RunDuration(t *testing.T) {
	url, submits := fakePool(t)

	var stdout, stderr bytes.Buffer
	args := []string{url, "acct", "w1", "x", "1", "1", "100", "--run-duration", "300ms", "--log-level", "info"}

	start := time.Now()
	code := execute(context.Background(), args, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("execute() = %d, want %d (stderr %q)", code, exitOK, stderr.String())
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("returned after %v, before the run duration", elapsed)
	}

	first, ok := <-submits
	if !ok {
		t.Fatal("no share was submitted")
	}
	var req struct {
		ID     uint64   `json:"id"`
		Method string   `json:"method"`
		Params []string `json:"params"`
	}
	if err := json.Unmarshal([]byte(first), &req); err != nil {
		t.Fatalf("submit %q: %v", first, err)
	}
	if req.ID != 3 || req.Method != "mining.submit" {
		t.Errorf("first submit = %+v", req)
	}
	want := []string{"acct.w1", "bf", "00000000", "1a2b3c4d", "00000064"}
	if len(req.Params) != len(want) {
		t.Fatalf("params = %v, want %v", req.Params, want)
	}
	for i := range want {
		if req.Params[i] != want[i] {
			t.Errorf("param %d = %q, want %q", i, req.Params[i], want[i])
		}
	}

	logs := stdout.String()
	for _, want := range []string{`"msg":"starting stratumtest"`, `"msg":"session finished"`, `"end_reason":"run duration elapsed"`, `"run_id":`} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %s", want)
		}
	}
}

func TestExecute_Interrupt(t *testing.T) {
	url, submits := fakePool(t)

	var stdout, stderr bytes.Buffer
	args := []string{url, "acct", "w1", "x", "1", "1", "0", "--log-level", "info"}

	codeCh := make(chan int, 1)
	go func() { codeCh <- execute(context.Background(), args, &stdout, &stderr) }()

	select {
	case <-submits:
	case <-time.After(5 * time.Second):
		t.Fatal("no share was submitted")
	}
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-codeCh:
		if code != exitOK {
			t.Fatalf("execute() = %d, want %d (stderr %q)", code, exitOK, stderr.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execute() did not return after SIGINT")
	}

	if logs := stdout.String(); !strings.Contains(logs, `"end_reason":"interrupted"`) {
		t.Errorf("logs missing interrupted end reason: %s", logs)
	}
}

func TestConnectExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New(errors.ErrorTypeConfig, "parse_endpoint", "bad url"), exitConfig},
		{errors.New(errors.ErrorTypeConnection, "dial", "refused"), exitConnect},
		{errors.New(errors.ErrorTypeSend, "send_line", "broken pipe"), exitConnect},
	}

	for _, tt := range tests {
		if got := connectExitCode(tt.err); got != tt.want {
			t.Errorf("connectExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRunExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean end", nil, exitOK},
		{"send failure", errors.New(errors.ErrorTypeSend, "send_line", "write failed"), exitSend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runExitCode(tt.err); got != tt.want {
				t.Errorf("runExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestEndReason(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()

	interrupted, cancel2 := context.WithCancel(context.Background())
	cancel2()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want string
	}{
		{"session error", context.Background(), errors.New(errors.ErrorTypeStream, "receive_line", "stream ended"), "stream operation 'receive_line' failed: stream ended"},
		{"deadline", expired, nil, "run duration elapsed"},
		{"canceled", interrupted, nil, "interrupted"},
		{"stopped", context.Background(), nil, "stopped"},
	}

	for _, tt := range tests {
		if got := endReason(tt.ctx, tt.err); got != tt.want {
			t.Errorf("%s: endReason() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
