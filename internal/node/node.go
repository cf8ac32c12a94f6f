// Package node implements the Node Controller (C10): composes discovery,
// indexing, the acceptor/dispatcher server side, the transfer coordinator,
// and the network monitor into the external interfaces of spec §6.1.
// Grounded on the teacher's cli/internal/app "wire everything together at
// startup" shape, generalized from a single WebRTC session to the full
// LAN multi-peer lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/localmesh/p2pnode/internal/acceptor"
	"github.com/localmesh/p2pnode/internal/discovery"
	"github.com/localmesh/p2pnode/internal/dispatch"
	"github.com/localmesh/p2pnode/internal/index"
	"github.com/localmesh/p2pnode/internal/model"
	"github.com/localmesh/p2pnode/internal/netmon"
	"github.com/localmesh/p2pnode/internal/protocol"
	"github.com/localmesh/p2pnode/internal/session"
	"github.com/localmesh/p2pnode/internal/transfer"
)

var ErrNotStarted = errors.New("node: not started")
var ErrAlreadyStarted = errors.New("node: already started")

// Controller is the embeddable entry point: one instance per running node.
type Controller struct {
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cfg     model.StartConfig
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	idx        *index.Indexer
	advertiser *discovery.Advertiser
	browser    *discovery.Browser
	acceptor   *acceptor.Acceptor
	dispatcher *dispatch.Dispatcher
	coord      *transfer.Coordinator
	monitor    *netmon.Monitor

	peerSubsMu sync.Mutex
	peerSubs   map[chan model.DevicePeer]struct{}
}

// New creates an unstarted Controller.
func New(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:   logger,
		peerSubs: map[chan model.DevicePeer]struct{}{},
	}
}

// Start brings up C4 through C10: the indexer scan and watch, mDNS
// advertise, mDNS browse, the accept loop, and the network monitor.
func (c *Controller) Start(cfg model.StartConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	c.cfg = cfg
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.idx = index.New(cfg.SharedRoot, c.logger)
	if err := c.idx.Scan(); err != nil {
		cancel()
		return fmt.Errorf("node: initial scan: %w", err)
	}
	if err := c.idx.StartWatch(); err != nil {
		c.logger.Warn("node: change watcher unavailable", "err", err)
	}

	c.acceptor = acceptor.New(c.logger, acceptor.DefaultMaxConcurrent)
	if err := c.acceptor.Listen(cfg.Port); err != nil {
		cancel()
		return fmt.Errorf("node: listen: %w", err)
	}
	boundPort := portOf(c.acceptor.Addr())

	c.dispatcher = dispatch.New(c.idx, cfg.DeviceID, cfg.Nickname, c.logger)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.acceptor.Serve(c.dispatcher.HandleSession); err != nil {
			c.logger.Warn("node: serve exited", "err", err)
		}
	}()

	c.browser = discovery.NewBrowser(c.logger)
	if err := c.browser.Start(ctx); err != nil {
		cancel()
		c.acceptor.Stop()
		return fmt.Errorf("node: browse start: %w", err)
	}

	c.advertiser = discovery.NewAdvertiser(c.logger)
	if err := c.advertiser.Register(cfg.Nickname, cfg.DeviceID, cfg.Nickname, boundPort); err != nil {
		cancel()
		c.browser.Stop()
		c.acceptor.Stop()
		return fmt.Errorf("node: advertise register: %w", err)
	}

	c.coord = transfer.New(cfg.DeviceID, cfg.Nickname, c.browser.Get, c.logger)

	c.monitor = netmon.New()
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.monitor.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.watchConnectivity(ctx, boundPort)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.fanOutPeerEvents(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.probeRTT(ctx)
	}()

	c.started = true
	return nil
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// watchConnectivity marks every cached peer offline on netmon.Lost and
// re-registers the mDNS advertisement on netmon.Available. Browsing is not
// restarted on Available, so stale cache entries are not flushed then.
func (c *Controller) watchConnectivity(ctx context.Context, port int) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-c.monitor.Events():
			if !ok {
				return
			}
			switch tr {
			case netmon.Lost:
				c.browser.MarkAllOffline()
			case netmon.Available:
				if err := c.advertiser.Register(c.cfg.Nickname, c.cfg.DeviceID, c.cfg.Nickname, port); err != nil {
					c.logger.Warn("node: re-advertise failed", "err", err)
				}
			}
		}
	}
}

func (c *Controller) fanOutPeerEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.browser.Events():
			if !ok {
				return
			}
			c.broadcastPeer(ev.Peer)
		}
	}
}

func (c *Controller) broadcastPeer(p model.DevicePeer) {
	c.peerSubsMu.Lock()
	defer c.peerSubsMu.Unlock()
	for ch := range c.peerSubs {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// Stop gracefully tears down every running component. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.advertiser.Unregister()
	c.browser.Stop()
	c.acceptor.Stop()
	c.idx.StopWatch()
	c.coord.Stop()
	c.wg.Wait()

	c.peerSubsMu.Lock()
	for ch := range c.peerSubs {
		close(ch)
	}
	c.peerSubs = map[chan model.DevicePeer]struct{}{}
	c.peerSubsMu.Unlock()
}

// Peers returns a restartable channel of peer snapshots: seeded with the
// current set, then fed by add/lost events until ctx is done or the node
// stops.
func (c *Controller) Peers(ctx context.Context) (<-chan model.DevicePeer, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	ch := make(chan model.DevicePeer, 32)
	c.peerSubsMu.Lock()
	c.peerSubs[ch] = struct{}{}
	c.peerSubsMu.Unlock()

	for _, p := range c.browser.Snapshot() {
		select {
		case ch <- p:
		default:
		}
	}

	go func() {
		<-ctx.Done()
		c.peerSubsMu.Lock()
		if _, ok := c.peerSubs[ch]; ok {
			delete(c.peerSubs, ch)
			close(ch)
		}
		c.peerSubsMu.Unlock()
	}()

	return ch, nil
}

// LocalFiles returns the indexer's current snapshot.
func (c *Controller) LocalFiles() ([]model.SharedFile, error) {
	c.mu.Lock()
	started := c.started
	idx := c.idx
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	return idx.List(), nil
}

// RefreshLocalIndex forces a synchronous rescan.
func (c *Controller) RefreshLocalIndex() error {
	c.mu.Lock()
	started := c.started
	idx := c.idx
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return idx.Scan()
}

// RemoteFiles opens a short-lived session to peerDeviceID, lists its shared
// files, and closes.
func (c *Controller) RemoteFiles(ctx context.Context, peerDeviceID string) ([]model.SharedFile, error) {
	c.mu.Lock()
	started := c.started
	cfg := c.cfg
	browser := c.browser
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	peer, ok := browser.Get(peerDeviceID)
	if !ok {
		return nil, fmt.Errorf("node: peer %s unknown", peerDeviceID)
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Addr())
	if err != nil {
		return nil, fmt.Errorf("node: dial %s: %w", peerDeviceID, err)
	}
	sess := session.New(conn)
	defer sess.Close()

	if err := sess.SendMessage(protocol.TypeHandshake, protocol.HandshakePayload{
		DeviceID: cfg.DeviceID, Nickname: cfg.Nickname, ProtocolVersion: protocol.ProtocolVersion,
	}); err != nil {
		return nil, err
	}
	msgType, _, err := sess.RecvMessage()
	if err != nil {
		return nil, err
	}
	if msgType != protocol.TypeHandshakeAck {
		return nil, fmt.Errorf("node: unexpected handshake reply %q", msgType)
	}

	if err := sess.SendMessage(protocol.TypeListFiles, protocol.ListFilesPayload{}); err != nil {
		return nil, err
	}
	msgType, raw, err := sess.RecvMessage()
	if err != nil {
		return nil, err
	}
	if msgType != protocol.TypeFileList {
		return nil, fmt.Errorf("node: unexpected list reply %q", msgType)
	}
	var list protocol.FileListPayload
	if err := protocol.DecodePayload(raw, &list); err != nil {
		return nil, err
	}

	out := make([]model.SharedFile, len(list.Files))
	for i, f := range list.Files {
		out[i] = model.SharedFile{
			FileID: f.FileID, Name: f.Name, Size: f.Size,
			MimeType: f.MimeType, RelativePath: f.RelativePath, LastModified: f.LastModified,
		}
	}
	return out, nil
}

// StartDownload delegates to the transfer coordinator.
func (c *Controller) StartDownload(ctx context.Context, req model.TransferRequest) (string, error) {
	c.mu.Lock()
	started := c.started
	coord := c.coord
	c.mu.Unlock()
	if !started {
		return "", ErrNotStarted
	}
	return coord.StartDownload(ctx, req)
}

// CancelTransfer delegates to the transfer coordinator.
func (c *Controller) CancelTransfer(id string) {
	c.mu.Lock()
	coord := c.coord
	c.mu.Unlock()
	if coord != nil {
		coord.CancelTransfer(id)
	}
}

// ObserveTransfers delegates to the transfer coordinator. Returns a closed
// channel if the node has not been started.
func (c *Controller) ObserveTransfers(ctx context.Context) <-chan model.Transfer {
	c.mu.Lock()
	coord := c.coord
	c.mu.Unlock()
	if coord == nil {
		ch := make(chan model.Transfer)
		close(ch)
		return ch
	}
	return coord.ObserveTransfers(ctx)
}

// ObserveTransfer delegates to the transfer coordinator. Returns a closed
// channel if the node has not been started.
func (c *Controller) ObserveTransfer(ctx context.Context, id string) <-chan model.Transfer {
	c.mu.Lock()
	coord := c.coord
	c.mu.Unlock()
	if coord == nil {
		ch := make(chan model.Transfer)
		close(ch)
		return ch
	}
	return coord.ObserveTransfer(ctx, id)
}
