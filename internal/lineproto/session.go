// Package lineproto manages raw line-oriented protocol sessions over TCP.
//
// A Session does not interpret the bytes it moves; callers layer
// protocol-aware completion rules on top of Receive. This keeps the wire
// traffic visible to the harness instead of hiding it behind a client
// library.
package lineproto

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is reported when no data arrives within the receive budget.
	ErrTimeout = errors.New("lineproto: receive timed out")
	// ErrClosed is reported when the peer closed the connection or the
	// session was closed locally.
	ErrClosed = errors.New("lineproto: connection closed")
)

const (
	// DefaultReceiveSize bounds a single Receive call.
	DefaultReceiveSize = 8192
	// DefaultReceiveTimeout bounds how long a single Receive call waits.
	DefaultReceiveTimeout = 5 * time.Second
)

// Session is one open connection to a mail server. It is owned by the
// scenario that created it and must be closed on every exit path.
type Session struct {
	conn   net.Conn
	addr   string
	logger *slog.Logger
	closed bool

	lastCommand  string
	lastResponse string
}

// Option configures a Session at dial time.
type Option func(*Session)

// WithLogger routes wire traffic logs to the given logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Dial opens a TCP connection to host:port.
func Dial(ctx context.Context, host string, port int, opts ...Option) (*Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", addr)
	}

	s := &Session{
		conn:   conn,
		addr:   addr,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr returns the remote address the session was dialed against.
func (s *Session) Addr() string {
	return s.addr
}

// Send writes one protocol line, appending CRLF. The line and terminator go
// out in a single write.
func (s *Session) Send(line string) error {
	if s.closed {
		return errors.Wrap(ErrClosed, "send")
	}
	s.lastCommand = line
	s.logger.Debug("send", slog.String("addr", s.addr), slog.String("line", line))

	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		return errors.Wrapf(err, "writing %q to %s", line, s.addr)
	}
	return nil
}

// SendRaw writes data exactly as given, with no terminator appended. Used
// for message payloads that carry their own line endings.
func (s *Session) SendRaw(data []byte) error {
	if s.closed {
		return errors.Wrap(ErrClosed, "send")
	}
	s.logger.Debug("send raw", slog.String("addr", s.addr), slog.Int("bytes", len(data)))

	if _, err := s.conn.Write(data); err != nil {
		return errors.Wrapf(err, "writing %d bytes to %s", len(data), s.addr)
	}
	return nil
}

// Receive reads a single chunk of at most maxBytes, waiting up to timeout.
// One chunk is not necessarily one logical response; callers poll until
// their protocol's completion rule is met.
func (s *Session) Receive(maxBytes int, timeout time.Duration) (string, error) {
	if s.closed {
		return "", errors.Wrap(ErrClosed, "receive")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultReceiveSize
	}
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", errors.Wrap(err, "setting read deadline")
	}

	buf := make([]byte, maxBytes)
	n, err := s.conn.Read(buf)
	if n > 0 {
		chunk := string(buf[:n])
		s.lastResponse = chunk
		s.logger.Debug("receive",
			slog.String("addr", s.addr),
			slog.String("chunk", strings.TrimRight(chunk, "\r\n")))
		return chunk, nil
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", errors.Wrapf(ErrTimeout, "no data from %s within %s", s.addr, timeout)
		}
		return "", errors.Wrapf(ErrClosed, "reading from %s: %v", s.addr, err)
	}
	return "", nil
}

// LastCommand returns the most recent line passed to Send, for failure
// diagnostics.
func (s *Session) LastCommand() string {
	return s.lastCommand
}

// LastResponse returns the most recent chunk returned by Receive, for
// failure diagnostics.
func (s *Session) LastResponse() string {
	return s.lastResponse
}

// Close shuts the connection down. Safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
