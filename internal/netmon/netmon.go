// Package netmon implements the Network Monitor (C9): observes L2/L3
// connectivity transitions and reports "available"/"lost" events so the
// Controller can re-advertise (on available) or mark peers offline (on lost).
// Grounded on the teacher's cli/internal/utils/network_utils.go interface
// enumeration, generalized from a one-shot "should we force relay" check
// into a polling connectivity monitor (this module has no NAT/relay
// concerns per spec's Non-goals, only up/down detection).
package netmon

import (
	"context"
	"net"
	"sync"
	"time"
)

// Transition is either Available or Lost.
type Transition int

const (
	Available Transition = iota
	Lost
)

const defaultPollInterval = 3 * time.Second

// Monitor polls the host's network interfaces and reports transitions.
type Monitor struct {
	pollInterval time.Duration
	events       chan Transition

	mu  sync.Mutex
	was bool // true if the last poll found at least one usable interface
}

func New() *Monitor {
	return &Monitor{
		pollInterval: defaultPollInterval,
		events:       make(chan Transition, 8),
	}
}

// Events returns the channel of connectivity transitions.
func (m *Monitor) Events() <-chan Transition {
	return m.events
}

// Run polls until ctx is cancelled. Intended to run in its own goroutine,
// owned by the Controller.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.mu.Lock()
	m.was = hasUsableInterface()
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	now := hasUsableInterface()

	m.mu.Lock()
	changed := now != m.was
	m.was = now
	m.mu.Unlock()

	if !changed {
		return
	}
	if now {
		m.emit(Available)
	} else {
		m.emit(Lost)
	}
}

func (m *Monitor) emit(t Transition) {
	select {
	case m.events <- t:
	default:
	}
}

// hasUsableInterface reports whether any non-loopback, up interface
// currently holds a unicast address.
func hasUsableInterface() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && !ip.IsLoopback() {
				return true
			}
		}
	}
	return false
}
