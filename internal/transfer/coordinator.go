package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/localmesh/p2pnode/internal/model"
	"github.com/localmesh/p2pnode/internal/protocol"
	"github.com/localmesh/p2pnode/internal/session"
)

const (
	maxAttempts         = 4 // initial attempt + 3 retries, spec §4.7/§8 property 8
	connectTimeout      = 10 * time.Second
	completedCacheSize  = 100
	progressThrottle    = 100 * time.Millisecond // within the [4Hz,20Hz] band required by spec §4.7
	rateWindow          = 1 * time.Second
	defaultReadChunk    = protocol.DefaultChunkSize
	backoffMin          = 1 * time.Second
	backoffMax          = 4 * time.Second
	backoffFactor       = 2
)

const CodeProtocolError = "PROTOCOL_ERROR"

// PeerResolver looks up a peer by deviceId, as exposed by discovery.Browser.
type PeerResolver func(deviceID string) (model.DevicePeer, bool)

// Dialer opens a connection to addr, honoring ctx's deadline.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

type subscriber struct {
	ch   chan model.Transfer
	once sync.Once
}

func (s *subscriber) closeCh() {
	s.once.Do(func() { close(s.ch) })
}

type entry struct {
	mu               sync.Mutex
	t                model.Transfer
	cancelled        bool
	terminalRecorded bool
	activeSess       *session.Session
	tempPath         string
	subs             map[*subscriber]struct{}
}

func (e *entry) snapshot() model.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t
}

func (e *entry) setState(st model.TransferState) model.Transfer {
	e.mu.Lock()
	if e.t.State.Kind.Terminal() {
		snap := e.t
		e.mu.Unlock()
		return snap
	}
	e.t.State = st
	switch st.Kind {
	case model.StateInProgress:
		e.t.BytesTransferred = st.Bytes
	case model.StatePending:
		e.t.BytesTransferred = 0
	}
	snap := e.t
	e.mu.Unlock()
	return snap
}

func (e *entry) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Coordinator implements C8: it tracks transfer state, retries with
// exponential backoff, reports progress, and supports cancellation.
type Coordinator struct {
	logger      *slog.Logger
	deviceID    string
	nickname    string
	resolvePeer PeerResolver
	dial        Dialer
	clock       Clock
	fs          Filesystem

	mu            sync.Mutex
	transfers     map[string]*entry
	completedFIFO []string
	globalSubs    map[*subscriber]struct{}
	stopped       bool
	wg            sync.WaitGroup
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

func WithDialer(d Dialer) Option    { return func(c *Coordinator) { c.dial = d } }
func WithClock(clk Clock) Option    { return func(c *Coordinator) { c.clock = clk } }
func WithFilesystem(f Filesystem) Option { return func(c *Coordinator) { c.fs = f } }

func New(deviceID, nickname string, resolvePeer PeerResolver, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		logger:      logger,
		deviceID:    deviceID,
		nickname:    nickname,
		resolvePeer: resolvePeer,
		dial:        defaultDial,
		clock:       realClock{},
		fs:          osFilesystem{},
		transfers:   map[string]*entry{},
		globalSubs:  map[*subscriber]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateRequest checks a TransferRequest before any I/O, per spec §7.
func ValidateRequest(req model.TransferRequest, fs Filesystem) error {
	if req.PeerDeviceID == "" {
		return newValidationError("peerDeviceId", "must not be empty")
	}
	if req.FileID == "" {
		return newValidationError("fileId", "must not be empty")
	}
	if req.DestinationPath == "" {
		return newValidationError("destinationPath", "must not be empty")
	}
	if !filepath.IsAbs(req.DestinationPath) {
		return newValidationError("destinationPath", "must be absolute")
	}
	if fs != nil && fs.Exists(req.DestinationPath) {
		return newValidationError("destinationPath", "already exists")
	}
	return nil
}

// StartDownload validates req, registers a new Transfer in Pending state,
// and begins the retrying attempt loop in the background. It returns
// immediately with the new transferId.
func (c *Coordinator) StartDownload(ctx context.Context, req model.TransferRequest) (string, error) {
	if err := ValidateRequest(req, c.fs); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrAlreadyStopped
	}
	id := uuid.NewString()
	e := &entry{
		t: model.Transfer{
			TransferID:   id,
			FileID:       req.FileID,
			PeerDeviceID: req.PeerDeviceID,
			StartedAt:    c.clock.Now(),
			State:        model.Pending(),
		},
		subs: map[*subscriber]struct{}{},
	}
	c.transfers[id] = e
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runAttempts(ctx, e, req)
	}()

	return id, nil
}

func (c *Coordinator) runAttempts(ctx context.Context, e *entry, req model.TransferRequest) {
	bo := &backoff.Backoff{Min: backoffMin, Max: backoffMax, Factor: backoffFactor}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.isCancelled() {
			return
		}

		retry := c.attempt(ctx, e, req)
		if !retry {
			return
		}
		if attempt == maxAttempts {
			snap := e.setState(model.Failed(protocol.ErrCodeConnectionLost, "retry budget exhausted"))
			c.terminal(e, snap)
			return
		}
		if e.isCancelled() {
			return
		}

		d := bo.Duration()
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
		if e.isCancelled() {
			return
		}
		snap := e.setState(model.Pending())
		c.broadcast(e, snap)
	}
}

// attempt runs one end-to-end connect/request/stream cycle. It returns true
// if a retryable failure occurred (runAttempts decides whether the retry
// budget allows another attempt), false if the transfer reached a terminal
// state or was cancelled.
func (c *Coordinator) attempt(ctx context.Context, e *entry, req model.TransferRequest) bool {
	peer, ok := c.resolvePeer(req.PeerDeviceID)
	if !ok {
		snap := e.setState(model.Failed(CodePeerUnknown, "peer not found in discovery cache"))
		c.terminal(e, snap)
		return false
	}
	if !peer.Online {
		snap := e.setState(model.Failed(CodePeerOffline, "peer is marked offline"))
		c.terminal(e, snap)
		return false
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := c.dial(dialCtx, peer.Addr())
	cancel()
	if err != nil {
		return c.retryableNetworkFailure(e, fmt.Sprintf("connect: %v", err))
	}

	sess := session.New(conn)
	e.mu.Lock()
	e.activeSess = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.activeSess = nil
		e.mu.Unlock()
		sess.Close()
	}()

	if err := sess.SendMessage(protocol.TypeHandshake, protocol.HandshakePayload{
		DeviceID: c.deviceID, Nickname: c.nickname, ProtocolVersion: protocol.ProtocolVersion,
	}); err != nil {
		return c.retryableNetworkFailure(e, fmt.Sprintf("handshake send: %v", err))
	}
	msgType, raw, err := sess.RecvMessage()
	if err != nil {
		return c.retryableNetworkFailure(e, fmt.Sprintf("handshake recv: %v", err))
	}
	if msgType != protocol.TypeHandshakeAck {
		snap := e.setState(model.Failed(CodeProtocolError, "expected HANDSHAKE_ACK, got "+msgType))
		c.terminal(e, snap)
		return false
	}

	if err := sess.SendMessage(protocol.TypeTransferRequest, protocol.TransferRequestPayload{
		FileID: req.FileID, TransferID: e.snapshot().TransferID,
	}); err != nil {
		return c.retryableNetworkFailure(e, fmt.Sprintf("transfer request: %v", err))
	}

	msgType, raw, err = sess.RecvMessage()
	if err != nil {
		return c.retryableNetworkFailure(e, fmt.Sprintf("transfer start recv: %v", err))
	}
	switch msgType {
	case protocol.TypeTransferError:
		var ep protocol.TransferErrorPayload
		_ = protocol.DecodePayload(raw, &ep)
		return c.remoteError(e, ep)
	case protocol.TypeTransferStart:
		// fallthrough below
	default:
		snap := e.setState(model.Failed(CodeProtocolError, "unexpected message "+msgType))
		c.terminal(e, snap)
		return false
	}

	var start protocol.TransferStartPayload
	if err := protocol.DecodePayload(raw, &start); err != nil {
		snap := e.setState(model.Failed(CodeProtocolError, err.Error()))
		c.terminal(e, snap)
		return false
	}

	e.mu.Lock()
	e.t.FileName = start.FileName
	e.t.FileSize = start.FileSize
	e.mu.Unlock()

	return c.receiveBody(ctx, e, req, sess, start)
}

func (c *Coordinator) receiveBody(ctx context.Context, e *entry, req model.TransferRequest, sess *session.Session, start protocol.TransferStartPayload) bool {
	destDir := filepath.Dir(req.DestinationPath)
	tmp, err := c.fs.CreateTemp(destDir, ".transfer-*.part")
	if err != nil {
		snap := e.setState(model.Failed(mapLocalErr(err), err.Error()))
		c.terminal(e, snap)
		return false
	}
	e.mu.Lock()
	e.tempPath = tmp.Name()
	e.mu.Unlock()

	chunkSize := start.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultReadChunk
	}
	buf := make([]byte, chunkSize)

	snap := e.setState(model.InProgress(0, start.FileSize, 0))
	c.broadcast(e, snap)

	var received int64
	var windowStart = c.clock.Now()
	var windowBytes int64
	var smoothedRate float64
	lastEmit := c.clock.Now()

	cleanupTemp := func() {
		tmp.Close()
		_ = c.fs.Remove(tmp.Name())
	}

	for received < start.FileSize {
		if e.isCancelled() {
			cleanupTemp()
			return false
		}
		want := chunkSize
		if remaining := start.FileSize - received; remaining < int64(want) {
			want = int(remaining)
		}
		n, err := sess.RecvBytes(buf, want)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				cleanupTemp()
				snap := e.setState(model.Failed(mapLocalErr(werr), werr.Error()))
				c.terminal(e, snap)
				return false
			}
			received += int64(n)
			windowBytes += int64(n)
		}
		if err != nil {
			cleanupTemp()
			if e.isCancelled() {
				return false
			}
			return c.retryableNetworkFailure(e, fmt.Sprintf("bulk recv: %v", err))
		}

		now := c.clock.Now()
		if elapsed := now.Sub(windowStart); elapsed >= rateWindow {
			currentRate := float64(windowBytes) / elapsed.Seconds()
			if smoothedRate > 0 {
				smoothedRate = smoothedRate*0.7 + currentRate*0.3
			} else {
				smoothedRate = currentRate
			}
			windowStart = now
			windowBytes = 0
		}
		if now.Sub(lastEmit) >= progressThrottle || received == start.FileSize {
			snap := e.setState(model.InProgress(received, start.FileSize, smoothedRate))
			c.broadcast(e, snap)
			lastEmit = now
		}
	}

	msgType, raw, err := sess.RecvMessage()
	if err != nil {
		cleanupTemp()
		return c.retryableNetworkFailure(e, fmt.Sprintf("transfer complete recv: %v", err))
	}
	if msgType == protocol.TypeTransferError {
		var ep protocol.TransferErrorPayload
		_ = protocol.DecodePayload(raw, &ep)
		cleanupTemp()
		return c.remoteError(e, ep)
	}
	if msgType != protocol.TypeTransferComplete {
		cleanupTemp()
		snap := e.setState(model.Failed(CodeProtocolError, "expected TRANSFER_COMPLETE, got "+msgType))
		c.terminal(e, snap)
		return false
	}

	var complete protocol.TransferCompletePayload
	_ = protocol.DecodePayload(raw, &complete)

	tmpName := tmp.Name()
	if err := tmp.Sync(); err != nil {
		cleanupTemp()
		snap := e.setState(model.Failed(mapLocalErr(err), err.Error()))
		c.terminal(e, snap)
		return false
	}
	tmp.Close()

	if err := c.fs.Rename(tmpName, req.DestinationPath); err != nil {
		_ = c.fs.Remove(tmpName)
		snap := e.setState(model.Failed(mapLocalErr(err), err.Error()))
		c.terminal(e, snap)
		return false
	}

	_ = sess.SendMessage(protocol.TypeTransferAck, protocol.TransferAckPayload{
		TransferID: e.snapshot().TransferID, Status: "completed",
	})

	snap = e.setState(model.Completed(req.DestinationPath, complete.Checksum))
	c.terminal(e, snap)
	return false
}

func (c *Coordinator) retryableNetworkFailure(e *entry, detail string) bool {
	if e.isCancelled() {
		return false
	}
	c.logger.Debug("transfer: retryable failure", "transferId", e.snapshot().TransferID, "detail", detail)
	return true
}

func (c *Coordinator) remoteError(e *entry, ep protocol.TransferErrorPayload) bool {
	if !isRetryableCode(ep.ErrorCode) {
		snap := e.setState(model.Failed(ep.ErrorCode, ep.Message))
		c.terminal(e, snap)
		return false
	}
	return c.retryableNetworkFailure(e, ep.Message)
}

func mapLocalErr(err error) string {
	if errors.Is(err, os.ErrPermission) {
		return CodePermissionDenied
	}
	if isNoSpace(err) {
		return CodeStorageFull
	}
	return CodeIOError
}

// CancelTransfer atomically transitions the Transfer to Cancelled, aborts
// the active session, best-effort notifies the peer, deletes any temp
// file, and suppresses further retries. No-op on a terminal transfer
// (spec §8 property 5).
func (c *Coordinator) CancelTransfer(id string) {
	e := c.get(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.t.State.Kind.Terminal() {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	e.t.State = model.Cancelled()
	sess := e.activeSess
	tempPath := e.tempPath
	snap := e.t
	e.mu.Unlock()

	if sess != nil {
		_ = sess.SendMessage(protocol.TypeCancelTransfer, protocol.CancelTransferPayload{TransferID: id})
		sess.Close()
	}
	if tempPath != "" {
		_ = c.fs.Remove(tempPath)
	}

	c.terminal(e, snap)
}

func (c *Coordinator) terminal(e *entry, snap model.Transfer) {
	e.mu.Lock()
	if e.terminalRecorded {
		e.mu.Unlock()
		return
	}
	e.terminalRecorded = true
	e.mu.Unlock()

	c.broadcast(e, snap)
	c.mu.Lock()
	c.completedFIFO = append(c.completedFIFO, snap.TransferID)
	if len(c.completedFIFO) > completedCacheSize {
		evictID := c.completedFIFO[0]
		c.completedFIFO = c.completedFIFO[1:]
		delete(c.transfers, evictID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) get(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers[id]
}

func publish(ch chan model.Transfer, snap model.Transfer) {
	for {
		select {
		case ch <- snap:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (c *Coordinator) broadcast(e *entry, t model.Transfer) {
	e.mu.Lock()
	subs := make([]*subscriber, 0, len(e.subs))
	for s := range e.subs {
		subs = append(subs, s)
	}
	terminal := t.State.Kind.Terminal()
	if terminal {
		e.subs = map[*subscriber]struct{}{}
	}
	e.mu.Unlock()

	for _, s := range subs {
		publish(s.ch, t)
		if terminal {
			s.closeCh()
		}
	}

	c.mu.Lock()
	gsubs := make([]*subscriber, 0, len(c.globalSubs))
	for s := range c.globalSubs {
		gsubs = append(gsubs, s)
	}
	c.mu.Unlock()
	for _, s := range gsubs {
		publish(s.ch, t)
	}
}

// ObserveTransfers returns a channel of snapshots for every tracked
// transfer, seeded with the current set. The channel closes when ctx is
// done or the coordinator is stopped.
func (c *Coordinator) ObserveTransfers(ctx context.Context) <-chan model.Transfer {
	sub := &subscriber{ch: make(chan model.Transfer, 32)}

	c.mu.Lock()
	c.globalSubs[sub] = struct{}{}
	seed := make([]model.Transfer, 0, len(c.transfers))
	for _, e := range c.transfers {
		seed = append(seed, e.snapshot())
	}
	c.mu.Unlock()

	go func() {
		for _, s := range seed {
			publish(sub.ch, s)
		}
	}()
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.globalSubs, sub)
		c.mu.Unlock()
		sub.closeCh()
	}()

	return sub.ch
}

// ObserveTransfer returns a channel of snapshots for one transfer; it
// closes once that transfer reaches a terminal state or ctx is done.
func (c *Coordinator) ObserveTransfer(ctx context.Context, id string) <-chan model.Transfer {
	sub := &subscriber{ch: make(chan model.Transfer, 32)}
	e := c.get(id)
	if e == nil {
		close(sub.ch)
		return sub.ch
	}

	e.mu.Lock()
	e.subs[sub] = struct{}{}
	snap := e.t
	terminal := snap.State.Kind.Terminal()
	if terminal {
		delete(e.subs, sub)
	}
	e.mu.Unlock()

	go func() {
		publish(sub.ch, snap)
		if terminal {
			sub.closeCh()
		}
	}()
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		_, ok := e.subs[sub]
		if ok {
			delete(e.subs, sub)
		}
		e.mu.Unlock()
		if ok {
			sub.closeCh()
		}
	}()

	return sub.ch
}

// Stop cancels all in-flight transfers and closes observer channels.
// Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ids := make([]string, 0, len(c.transfers))
	for id, e := range c.transfers {
		if !e.snapshot().State.Kind.Terminal() {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.CancelTransfer(id)
	}
	c.wg.Wait()

	c.mu.Lock()
	gsubs := c.globalSubs
	c.globalSubs = map[*subscriber]struct{}{}
	c.mu.Unlock()
	for s := range gsubs {
		s.closeCh()
	}
}
