// Package acceptor implements the Acceptor (C3): binds a listener, serves
// inbound connections indefinitely with bounded concurrency, and hands each
// one off as a session.Session to a caller-supplied handler. Grounded on the
// teacher's backend/cmd/server/main.go (bind-and-serve) and
// backend/internal/signaling/hub.go's per-client goroutine + tracked-set
// pattern, generalized from "one hub per process" to "one handler per
// accepted connection, capped concurrency".
package acceptor

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/localmesh/p2pnode/internal/session"
)

const (
	// DefaultMaxConcurrent bounds simultaneous inbound sessions (spec §4.3:
	// "suggested 32").
	DefaultMaxConcurrent = 32

	// acceptPollTimeout lets the accept loop observe cancellation promptly
	// (spec §4.3, §5: "accept-poll 5s").
	acceptPollTimeout = 5 * time.Second

	// DefaultDrainGrace is how long Stop waits for in-flight handlers to
	// finish on their own before force-closing their sessions.
	DefaultDrainGrace = 3 * time.Second
)

// Handler processes one accepted session. It owns the session until it
// returns, at which point the Acceptor closes it.
type Handler func(sess *session.Session)

// Acceptor binds one TCP listener and serves it until Stop is called.
type Acceptor struct {
	logger        *slog.Logger
	maxConcurrent int
	drainGrace    time.Duration

	mu       sync.Mutex
	listener *net.TCPListener
	sessions map[*session.Session]struct{}
	stopped  bool

	wg sync.WaitGroup
	sem chan struct{}
}

func New(logger *slog.Logger, maxConcurrent int) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Acceptor{
		logger:        logger,
		maxConcurrent: maxConcurrent,
		drainGrace:    DefaultDrainGrace,
		sessions:      map[*session.Session]struct{}{},
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// SetDrainGrace overrides the default grace period Stop waits for in-flight
// handlers before force-closing their sessions. Intended for tests that want
// a short or zero grace period.
func (a *Acceptor) SetDrainGrace(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drainGrace = d
}

// Listen binds the listener on port. Port 0 picks an ephemeral port,
// recoverable via Addr() — useful for tests.
func (a *Acceptor) Listen(port int) error {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	return nil
}

// Addr returns the bound address, valid after a successful Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Serve runs the accept loop until Stop is called. Each accepted connection
// is wrapped as a session.Session and dispatched to handler on its own
// goroutine. When the concurrency cap is reached, excess connections are
// accepted and immediately closed with no message (spec §4.3).
func (a *Acceptor) Serve(handler Handler) error {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln == nil {
		return errors.New("acceptor: Listen must be called before Serve")
	}

	for {
		_ = ln.SetDeadline(time.Now().Add(acceptPollTimeout))
		conn, err := ln.Accept()
		if err != nil {
			if a.isStopped() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			a.logger.Warn("acceptor: accept error", "err", err)
			continue
		}

		select {
		case a.sem <- struct{}{}:
		default:
			a.logger.Debug("acceptor: concurrency cap reached, dropping connection", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		sess := session.New(conn)
		a.track(sess)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer func() { <-a.sem }()
			defer a.untrack(sess)
			defer sess.Close()
			handler(sess)
		}()
	}
}

func (a *Acceptor) track(sess *session.Session) {
	a.mu.Lock()
	a.sessions[sess] = struct{}{}
	a.mu.Unlock()
}

func (a *Acceptor) untrack(sess *session.Session) {
	a.mu.Lock()
	delete(a.sessions, sess)
	a.mu.Unlock()
}

func (a *Acceptor) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Stop exits the accept loop and releases the listener socket immediately,
// then gives in-flight handlers up to drainGrace to finish what they're
// doing on their own before force-closing their sessions. Idempotent.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	ln := a.listener
	grace := a.drainGrace
	a.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	a.mu.Lock()
	sessions := make([]*session.Session, 0, len(a.sessions))
	for s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	a.logger.Debug("acceptor: drain grace elapsed, force-closing sessions", "count", len(sessions))
	for _, s := range sessions {
		_ = s.Close()
	}
	<-done
}
