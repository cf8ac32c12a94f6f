// Package discovery implements the Advertise (C4) and Browse (C5) halves of
// service discovery over multicast DNS-SD, using
// github.com/libp2p/zeroconf/v2 (the mDNS/DNS-SD layer referenced across the
// pack's libp2p-based stacks). The callback-heavy zeroconf Browse API is
// re-architected per spec §9 as a producer goroutine draining into a
// mutex-guarded peer cache, exposed to consumers as a restartable channel of
// snapshots rather than raw callbacks.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"github.com/localmesh/p2pnode/internal/model"
	"github.com/localmesh/p2pnode/internal/protocol"
)

const (
	ServiceType = "_p2p-file-share._tcp"
	Domain      = "local."

	// peerGrace is how long after its LastSeen an offline peer stays in
	// the cache before being evicted entirely (spec §3:
	// "implementation-defined grace").
	peerGrace = 2 * time.Minute

	sweepInterval = 5 * time.Second
)

var (
	ErrDiscoveryStartFailed = errors.New("discovery: start failed")
	ErrResolveFailed        = errors.New("discovery: resolve failed")
)

// Advertiser registers this node's service record and keeps it registered
// until Unregister is called.
type Advertiser struct {
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

func NewAdvertiser(logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{logger: logger}
}

// Register publishes {deviceId, nickname, version} as TXT keys under the
// instance name (defaulting to nickname) on port. If the platform mDNS
// responder renames the instance on conflict, that rename is accepted
// silently (spec §4.4); callers only see the port they asked for.
func (a *Advertiser) Register(instanceName, deviceID, nickname string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	txt := []string{
		"deviceId=" + deviceID,
		"nickname=" + nickname,
		"version=" + protocol.ProtocolVersion,
	}

	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscoveryStartFailed, err)
	}
	a.server = server
	a.logger.Info("discovery: registered", "instance", instanceName, "port", port)
	return nil
}

// Unregister withdraws the service record. Idempotent.
func (a *Advertiser) Unregister() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Event is emitted by Browser.Events() on every peer addition or loss.
type Event struct {
	Peer  model.DevicePeer
	Added bool
}

// Browser maintains the deviceId -> DevicePeer cache and the
// instanceName -> deviceId mapping described in spec §4.4.
type Browser struct {
	logger *slog.Logger

	mu          sync.RWMutex
	peers       map[string]model.DevicePeer // deviceId -> peer
	instanceIdx map[string]string            // instanceName -> deviceId
	expiry      map[string]time.Time         // deviceId -> next expected refresh

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBrowser(logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		logger:      logger,
		peers:       map[string]model.DevicePeer{},
		instanceIdx: map[string]string{},
		expiry:      map[string]time.Time{},
		events:      make(chan Event, 32),
	}
}

// Start begins browsing for peers until ctx is cancelled or Stop is called.
func (b *Browser) Start(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscoveryStartFailed, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrDiscoveryStartFailed, err)
	}

	b.wg.Add(2)
	go b.drainEntries(ctx, entries)
	go b.sweepExpired(ctx)
	return nil
}

func (b *Browser) drainEntries(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			peer, err := entryToPeer(entry)
			if err != nil {
				b.logger.Warn("discovery: resolve failed", "instance", entry.Instance, "err", err)
				continue
			}
			b.upsert(entry.Instance, peer, entry.TTL)
		}
	}
}

func entryToPeer(entry *zeroconf.ServiceEntry) (model.DevicePeer, error) {
	txt := map[string]string{}
	for _, kv := range entry.Text {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		}
	}
	deviceID, ok := txt["deviceId"]
	if !ok || deviceID == "" {
		return model.DevicePeer{}, fmt.Errorf("%w: missing deviceId TXT key", ErrResolveFailed)
	}

	addr := ""
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		addr = entry.AddrIPv6[0].String()
	} else {
		return model.DevicePeer{}, fmt.Errorf("%w: no address in record", ErrResolveFailed)
	}

	return model.DevicePeer{
		DeviceID: deviceID,
		Nickname: txt["nickname"],
		Address:  addr,
		Port:     entry.Port,
		Online:   true,
		LastSeen: time.Now(),
	}, nil
}

func (b *Browser) upsert(instanceName string, peer model.DevicePeer, ttl uint32) {
	b.mu.Lock()
	b.peers[peer.DeviceID] = peer
	b.instanceIdx[instanceName] = peer.DeviceID
	grace := time.Duration(ttl) * time.Second
	if grace <= 0 {
		grace = sweepInterval * 3
	}
	b.expiry[peer.DeviceID] = time.Now().Add(grace)
	b.mu.Unlock()

	b.emit(Event{Peer: peer, Added: true})
}

// sweepExpired periodically marks peers offline once their TTL lapses
// without a refresh, and evicts offline peers whose LastSeen is older than
// peerGrace.
func (b *Browser) sweepExpired(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.markStale()
		}
	}
}

func (b *Browser) markStale() {
	now := time.Now()
	var lost []model.DevicePeer
	var evict []string

	b.mu.Lock()
	for id, exp := range b.expiry {
		peer, ok := b.peers[id]
		if !ok {
			continue
		}
		if peer.Online && now.After(exp) {
			peer.Online = false
			b.peers[id] = peer
			lost = append(lost, peer)
		} else if !peer.Online && now.Sub(peer.LastSeen) > peerGrace {
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		delete(b.peers, id)
		delete(b.expiry, id)
		for inst, did := range b.instanceIdx {
			if did == id {
				delete(b.instanceIdx, inst)
			}
		}
	}
	b.mu.Unlock()

	for _, p := range lost {
		b.emit(Event{Peer: p, Added: false})
	}
}

// MarkAllOffline marks every cached peer offline without evicting them, used
// when the Network Monitor (C9) observes connectivity loss.
func (b *Browser) MarkAllOffline() {
	b.mu.Lock()
	var lost []model.DevicePeer
	for id, p := range b.peers {
		if p.Online {
			p.Online = false
			b.peers[id] = p
			lost = append(lost, p)
		}
	}
	b.mu.Unlock()
	for _, p := range lost {
		b.emit(Event{Peer: p, Added: false})
	}
}

func (b *Browser) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		// Slow consumer: drop rather than block discovery's producer loop.
	}
}

// Events returns the channel of peer add/lost events.
func (b *Browser) Events() <-chan Event {
	return b.events
}

// Snapshot returns the current peer set.
func (b *Browser) Snapshot() []model.DevicePeer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.DevicePeer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p)
	}
	return out
}

// Get looks up a single peer by deviceId.
func (b *Browser) Get(deviceID string) (model.DevicePeer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.peers[deviceID]
	return p, ok
}

// UpdateRTT records the most recently measured PING/PONG round-trip for a
// peer. A no-op if the peer has since been evicted from the cache.
func (b *Browser) UpdateRTT(deviceID string, rtt time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[deviceID]
	if !ok {
		return
	}
	p.RTT = rtt
	b.peers[deviceID] = p
}

// Stop halts browsing. Idempotent.
func (b *Browser) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}
