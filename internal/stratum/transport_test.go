package stratum

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/stratumtest/pkg/errors"
)

func pipeTransport(t *testing.T, opts DialOptions) (*Transport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	tr := newTransport(client, opts)
	t.Cleanup(func() {
		_ = tr.Close()
		_ = server.Close()
	})
	return tr, server
}

func TestTransport_SendLine(t *testing.T) {
	tr, server := pipeTransport(t, DialOptions{WriteTimeout: time.Second})

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		got <- line
	}()

	if err := tr.SendLine([]byte(`{"id":1}`)); err != nil {
		t.Fatalf("SendLine() error = %v", err)
	}

	select {
	case line := <-got:
		if line != "{\"id\":1}\n" {
			t.Errorf("server read %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for line")
	}
}

func TestTransport_SendLineTimeout(t *testing.T) {
	tr, _ := pipeTransport(t, DialOptions{WriteTimeout: 20 * time.Millisecond})

	// nobody reads the other end of the pipe
	err := tr.SendLine([]byte("stuck"))
	if !errors.IsType(err, errors.ErrorTypeSend) {
		t.Errorf("SendLine() error = %v, want send error", err)
	}
}

func TestTransport_ReceiveLine(t *testing.T) {
	tr, server := pipeTransport(t, DialOptions{})

	go func() {
		_, _ = server.Write([]byte("first\r\nsecond\n\nfourth\r\r\n"))
	}()

	for _, want := range []string{"first", "second", "", "fourth\r"} {
		got, err := tr.ReceiveLine()
		if err != nil {
			t.Fatalf("ReceiveLine() error = %v", err)
		}
		if got != want {
			t.Errorf("ReceiveLine() = %q, want %q", got, want)
		}
	}
}

func TestTransport_ReceiveLineAcrossReads(t *testing.T) {
	tr, server := pipeTransport(t, DialOptions{})

	long := strings.Repeat("a", 10000)
	go func() {
		_, _ = server.Write([]byte(long[:3000]))
		_, _ = server.Write([]byte(long[3000:] + "\n"))
	}()

	got, err := tr.ReceiveLine()
	if err != nil {
		t.Fatalf("ReceiveLine() error = %v", err)
	}
	if got != long {
		t.Errorf("ReceiveLine() returned %d bytes, want %d", len(got), len(long))
	}
}

func TestTransport_ReceiveLineTooLong(t *testing.T) {
	tr, server := pipeTransport(t, DialOptions{MaxLineSize: 16})

	go func() {
		_, _ = server.Write([]byte(strings.Repeat("x", 8192)))
	}()

	_, err := tr.ReceiveLine()
	if !errors.IsType(err, errors.ErrorTypeStream) {
		t.Errorf("ReceiveLine() error = %v, want stream error", err)
	}
}

func TestTransport_ReceiveLineEOF(t *testing.T) {
	tr, server := pipeTransport(t, DialOptions{})

	go func() {
		_, _ = server.Write([]byte("partial"))
		_ = server.Close()
	}()

	_, err := tr.ReceiveLine()
	if !errors.IsType(err, errors.ErrorTypeStream) {
		t.Errorf("ReceiveLine() error = %v, want stream error", err)
	}
}

func TestTransport_CloseUnblocksReceive(t *testing.T) {
	tr, _ := pipeTransport(t, DialOptions{})

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.ReceiveLine()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.IsType(err, errors.ErrorTypeStream) {
			t.Errorf("ReceiveLine() error = %v, want stream error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not unblock ReceiveLine")
	}
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Write([]byte("hello\n"))
			_ = conn.Close()
		}
	}()

	ep, err := ParseEndpoint("stratum+tcp://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("ParseEndpoint() error = %v", err)
	}

	tr, err := Dial(context.Background(), ep, DialOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer tr.Close()

	line, err := tr.ReceiveLine()
	if err != nil || line != "hello" {
		t.Errorf("ReceiveLine() = %q, %v", line, err)
	}
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	_, err = Dial(context.Background(), Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)}, DialOptions{Timeout: time.Second})
	if !errors.IsType(err, errors.ErrorTypeConnection) {
		t.Errorf("Dial() error = %v, want connection error", err)
	}
}
