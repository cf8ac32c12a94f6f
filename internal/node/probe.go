package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/localmesh/p2pnode/internal/model"
	"github.com/localmesh/p2pnode/internal/protocol"
	"github.com/localmesh/p2pnode/internal/session"
)

const (
	rttProbeInterval = 15 * time.Second
	rttDialTimeout   = 5 * time.Second
)

// rttSnapshot and rttRecorder are discovery.Browser's Snapshot/UpdateRTT
// methods passed as function values, the same seam transfer.PeerResolver
// uses for discovery.Browser.Get — lets probeAllPeers be exercised against
// a fake peer set in tests without a live mDNS browser.
type rttSnapshot func() []model.DevicePeer
type rttRecorder func(deviceID string, rtt time.Duration)

// probeRTT periodically pings every known peer and records the measured
// round-trip on the browse cache, populating model.DevicePeer.RTT (spec §12).
func (c *Controller) probeRTT(ctx context.Context) {
	ticker := time.NewTicker(rttProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAllPeers(ctx, c.browser.Snapshot, c.browser.UpdateRTT)
		}
	}
}

func (c *Controller) probeAllPeers(ctx context.Context, snapshot rttSnapshot, record rttRecorder) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	for _, p := range snapshot() {
		if !p.Online {
			continue
		}
		rtt, err := pingOnce(ctx, cfg.DeviceID, cfg.Nickname, p.Addr())
		if err != nil {
			c.logger.Debug("node: rtt probe failed", "peer", p.DeviceID, "err", err)
			continue
		}
		record(p.DeviceID, rtt)
	}
}

// pingOnce dials addr, performs the same HANDSHAKE/HANDSHAKE_ACK exchange
// RemoteFiles does, then sends one PING and returns the elapsed time until
// the matching PONG arrives. The dispatcher's handshake() rejects any first
// message that isn't HANDSHAKE, so PING cannot be the opening message on a
// fresh connection.
func pingOnce(ctx context.Context, deviceID, nickname, addr string) (time.Duration, error) {
	dialer := net.Dialer{Timeout: rttDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	sess := session.New(conn)
	defer sess.Close()

	if err := sess.SendMessage(protocol.TypeHandshake, protocol.HandshakePayload{
		DeviceID: deviceID, Nickname: nickname, ProtocolVersion: protocol.ProtocolVersion,
	}); err != nil {
		return 0, err
	}
	msgType, _, err := sess.RecvMessage()
	if err != nil {
		return 0, err
	}
	if msgType != protocol.TypeHandshakeAck {
		return 0, fmt.Errorf("node: unexpected handshake reply %q", msgType)
	}

	sent := time.Now()
	if err := sess.SendMessage(protocol.TypePing, protocol.PingPayload{Timestamp: sent.UnixMilli()}); err != nil {
		return 0, err
	}
	msgType, _, err = sess.RecvMessage()
	if err != nil {
		return 0, err
	}
	if msgType != protocol.TypePong {
		return 0, fmt.Errorf("node: unexpected reply %q to PING", msgType)
	}
	return time.Since(sent), nil
}
