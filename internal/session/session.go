// Package session implements the Stream Session (C2): one reliable ordered
// byte stream wrapped with envelope send/recv, raw bulk transfer, and an
// inactivity deadline. Grounded on the teacher's signaling.Client
// (cli/internal/signaling/client.go) for the read/write-deadline discipline
// and on SagerNet-smux's session.go for treating I/O timeouts as a distinct,
// named error class a caller can recognize with errors.Is/As.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/localmesh/p2pnode/internal/protocol"
)

const (
	// DefaultInactivityTimeout resets on every successful read or write,
	// per spec §4.2.
	DefaultInactivityTimeout = 30 * time.Second
)

var (
	// ErrConnectionLost covers peer reset, half-close-then-timeout, and
	// inactivity-deadline expiry.
	ErrConnectionLost = errors.New("session: connection lost")
	// ErrPeerClosed is an orderly EOF: the remote side closed its write end.
	ErrPeerClosed = errors.New("session: peer closed")
	ErrClosed     = errors.New("session: already closed")
)

// Session wraps one net.Conn (expected to be *net.TCPConn in production,
// net.Pipe() in tests) with the framed-message/bulk-bytes protocol described
// in spec §4.2.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// New wraps conn as a Session, enabling TCP_NODELAY and keep-alive when conn
// is a *net.TCPConn, matching spec §4.2.
func New(conn net.Conn) *Session {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: DefaultInactivityTimeout,
	}
}

// Remote returns the "address:port" of the peer end of the stream.
func (s *Session) Remote() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// IsOpen reports whether the session has not yet been closed locally.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) resetDeadline() error {
	return s.conn.SetDeadline(time.Now().Add(s.timeout))
}

// SendMessage writes one envelope for (msgType, payload), resetting the
// inactivity deadline on success.
func (s *Session) SendMessage(msgType string, payload any) error {
	if !s.IsOpen() {
		return ErrClosed
	}
	if err := s.resetDeadline(); err != nil {
		return classifyErr(err)
	}
	if err := protocol.Encode(s.conn, msgType, payload); err != nil {
		return classifyErr(err)
	}
	return nil
}

// RecvMessage blocks until a full newline-terminated envelope arrives (or
// EOF/timeout), returning its type and raw inner payload string.
func (s *Session) RecvMessage() (msgType string, rawPayload string, err error) {
	if !s.IsOpen() {
		return "", "", ErrClosed
	}
	if err := s.resetDeadline(); err != nil {
		return "", "", classifyErr(err)
	}
	msgType, rawPayload, err = protocol.Decode(s.reader)
	if err != nil {
		return "", "", classifyErr(err)
	}
	return msgType, rawPayload, nil
}

// SendBytes writes buf verbatim to the stream (the bulk-transfer path; no
// envelope framing), resetting the deadline on success.
func (s *Session) SendBytes(buf []byte) error {
	if !s.IsOpen() {
		return ErrClosed
	}
	if err := s.resetDeadline(); err != nil {
		return classifyErr(err)
	}
	if _, err := s.conn.Write(buf); err != nil {
		return classifyErr(err)
	}
	return nil
}

// RecvBytes reads exactly want bytes into buf (which must have length >=
// want), returning the number of bytes read (always want on nil error). It
// resets the deadline before each underlying read so a slow-but-alive peer
// is not penalized for total transfer time, only per-read inactivity.
func (s *Session) RecvBytes(buf []byte, want int) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	total := 0
	for total < want {
		if err := s.resetDeadline(); err != nil {
			return total, classifyErr(err)
		}
		n, err := s.reader.Read(buf[total:want])
		total += n
		if err != nil {
			return total, classifyErr(err)
		}
	}
	return total, nil
}

// Close flushes no further writes (the underlying TCP socket handles
// buffering) and releases the connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return ErrPeerClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
