package stratum

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bardlex/stratumtest/pkg/errors"
)

// DefaultMaxLineSize bounds a single inbound line
const DefaultMaxLineSize = 1 << 20

// DialOptions tunes how the transport connects and writes
type DialOptions struct {
	// Timeout bounds each connect attempt; zero means no limit
	Timeout time.Duration
	// WriteTimeout bounds each SendLine; zero means no deadline
	WriteTimeout time.Duration
	// MaxLineSize bounds ReceiveLine; zero means DefaultMaxLineSize
	MaxLineSize int
	// Resolver resolves the endpoint host; nil uses net.DefaultResolver
	Resolver *net.Resolver
}

// Transport is a line-delimited connection to a stratum endpoint.
// One goroutine may read while another writes; Close may be called
// from any goroutine and any number of times.
type Transport struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration
	maxLineSize  int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial resolves the endpoint host (IPv4 and IPv6) and connects to each
// candidate address in order, returning on the first established
// connection. It fails only when every candidate fails.
func Dial(ctx context.Context, ep Endpoint, opts DialOptions) (*Transport, error) {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolver.LookupIPAddr(ctx, ep.Host)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "resolve",
			"failed to resolve stratum host").
			WithContext("host", ep.Host)
	}
	if len(addrs) == 0 {
		return nil, errors.New(errors.ErrorTypeConnection, "resolve",
			"no addresses for stratum host").
			WithContext("host", ep.Host)
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	port := strconv.FormatUint(uint64(ep.Port), 10)

	var attempts []error
	for _, addr := range addrs {
		target := net.JoinHostPort(addr.String(), port)
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			attempts = append(attempts, err)
			continue
		}
		return newTransport(conn, opts), nil
	}

	return nil, errors.Wrap(stderrors.Join(attempts...), errors.ErrorTypeConnection, "connect",
		"all candidate addresses failed").
		WithContext("endpoint", ep.Address()).
		WithContext("candidates", len(addrs))
}

func newTransport(conn net.Conn, opts DialOptions) *Transport {
	maxLine := opts.MaxLineSize
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &Transport{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 4096),
		writeTimeout: opts.WriteTimeout,
		maxLineSize:  maxLine,
	}
}

// SendLine writes payload followed by a single newline. A write that does
// not complete is a send error.
func (t *Transport) SendLine(payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeSend, "send_line", "failed to set write deadline")
		}
	}

	n, err := t.conn.Write(buf)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSend, "send_line", "write failed").
			WithContext("written", n).
			WithContext("expected", len(buf))
	}
	if n != len(buf) {
		return errors.New(errors.ErrorTypeSend, "send_line", "short write").
			WithContext("written", n).
			WithContext("expected", len(buf))
	}
	return nil
}

// ReceiveLine blocks until a full line arrives and returns it without the
// newline and any trailing carriage return. Any read error, including an
// orderly close, is reported as a stream error.
func (t *Transport) ReceiveLine() (string, error) {
	var line []byte
	for {
		chunk, err := t.reader.ReadSlice('\n')
		line = append(line, chunk...)

		switch {
		case err == nil:
			line = line[:len(line)-1]
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		case stderrors.Is(err, bufio.ErrBufferFull):
			if len(line) > t.maxLineSize {
				return "", errors.New(errors.ErrorTypeStream, "receive_line", "line exceeds maximum size").
					WithContext("max_line_size", t.maxLineSize)
			}
		default:
			return "", errors.Wrap(err, errors.ErrorTypeStream, "receive_line", "stream ended")
		}
	}
}

// RemoteAddr returns the address of the connected peer
func (t *Transport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Close shuts the connection down, unblocking a pending ReceiveLine.
// Only the first call closes; later calls return the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if tcp, ok := t.conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
