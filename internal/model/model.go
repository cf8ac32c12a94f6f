// Package model holds the data types shared across the node: peers, shared
// files, and transfers. None of these types own synchronization; the
// packages that mutate them (discovery, index, transfer) are responsible for
// guarding access and handing out copies to observers.
package model

import (
	"net"
	"strconv"
	"time"
)

// DevicePeer is an observed peer on the local network.
type DevicePeer struct {
	DeviceID string
	Nickname string
	Address  string
	Port     int
	Online   bool

	// RTT is the most recent PING/PONG round-trip observed on a session to
	// this peer. Zero if never measured.
	RTT time.Duration

	// LastSeen is set each time the peer's service record is resolved
	// (session I/O does not update it) and drives the eviction grace period
	// in the browse cache.
	LastSeen time.Time
}

// Addr returns the peer's dial target as "address:port".
func (p DevicePeer) Addr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// SharedFile is one indexed file under a shared root.
type SharedFile struct {
	FileID       string
	Name         string
	Size         int64
	MimeType     string
	RelativePath string
	LastModified int64 // ms since epoch
}

// TransferRequest is validated input to StartDownload.
type TransferRequest struct {
	PeerDeviceID    string
	FileID          string
	DestinationPath string
}

// TransferStateKind enumerates the variants of TransferState.
type TransferStateKind int

const (
	StatePending TransferStateKind = iota
	StateInProgress
	StateCompleted
	StateFailed
	StateCancelled
)

func (k TransferStateKind) String() string {
	switch k {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether this state ends the transfer's lifecycle.
func (k TransferStateKind) Terminal() bool {
	return k == StateCompleted || k == StateFailed || k == StateCancelled
}

// TransferState is the tagged union described in spec §3. Only the fields
// relevant to Kind are meaningful.
type TransferState struct {
	Kind TransferStateKind

	// InProgress
	Bytes   int64
	Total   int64
	RateBps float64

	// Completed
	Path     string
	Checksum string

	// Failed
	Code    string
	Message string
}

func Pending() TransferState { return TransferState{Kind: StatePending} }

func InProgress(bytes, total int64, rateBps float64) TransferState {
	return TransferState{Kind: StateInProgress, Bytes: bytes, Total: total, RateBps: rateBps}
}

func Completed(path, checksum string) TransferState {
	return TransferState{Kind: StateCompleted, Path: path, Checksum: checksum}
}

func Failed(code, message string) TransferState {
	return TransferState{Kind: StateFailed, Code: code, Message: message}
}

func Cancelled() TransferState { return TransferState{Kind: StateCancelled} }

// Transfer is one active or terminal download tracked by the coordinator.
type Transfer struct {
	TransferID       string
	FileID           string
	FileName         string
	FileSize         int64
	BytesTransferred int64
	PeerDeviceID     string
	StartedAt        time.Time
	State            TransferState
}

// Snapshot returns a value copy safe to hand to observers.
func (t *Transfer) Snapshot() Transfer {
	return *t
}

// AppSettings is the configuration consumed from the settings collaborator.
type AppSettings struct {
	Nickname   string
	SharedRoot string
	Port       int
}

// StartConfig is the input to node.Controller.Start.
type StartConfig struct {
	DeviceID   string
	Nickname   string
	SharedRoot string
	Port       int
}
