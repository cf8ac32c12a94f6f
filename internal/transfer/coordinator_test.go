package transfer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/localmesh/p2pnode/internal/model"
	"github.com/localmesh/p2pnode/internal/protocol"
	"github.com/localmesh/p2pnode/internal/session"
	"github.com/stretchr/testify/require"
)

// fakeClock is a deterministic, manually-advanced Clock for the
// coordinator's rate calculation.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// servePeer runs a minimal, scripted server side of the protocol over one
// accepted connection: handshake, then one TRANSFER_REQUEST -> TRANSFER_START
// -> raw bytes -> TRANSFER_COMPLETE, optionally injecting failures.
func servePeer(t *testing.T, ln net.Listener, content []byte, fail string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	sess := session.New(conn)
	defer sess.Close()

	msgType, _, err := sess.RecvMessage()
	if err != nil || msgType != protocol.TypeHandshake {
		return
	}
	if err := sess.SendMessage(protocol.TypeHandshakeAck, protocol.HandshakeAckPayload{
		DeviceID: "peer-1", Nickname: "peer", Status: "accepted",
	}); err != nil {
		return
	}

	msgType, raw, err := sess.RecvMessage()
	if err != nil || msgType != protocol.TypeTransferRequest {
		return
	}
	var reqPayload protocol.TransferRequestPayload
	_ = protocol.DecodePayload(raw, &reqPayload)

	if fail == "file_not_found" {
		_ = sess.SendMessage(protocol.TypeTransferError, protocol.TransferErrorPayload{
			TransferID: reqPayload.TransferID, ErrorCode: protocol.ErrCodeFileNotFound, Message: "nope",
		})
		return
	}

	if err := sess.SendMessage(protocol.TypeTransferStart, protocol.TransferStartPayload{
		TransferID: reqPayload.TransferID, FileID: reqPayload.FileID, FileName: "f.bin",
		FileSize: int64(len(content)), ChunkSize: 4,
	}); err != nil {
		return
	}

	if fail == "drop_mid_stream" {
		_ = sess.SendBytes(content[:len(content)/2])
		conn.Close()
		return
	}

	if err := sess.SendBytes(content); err != nil {
		return
	}
	_ = sess.SendMessage(protocol.TypeTransferComplete, protocol.TransferCompletePayload{
		TransferID: reqPayload.TransferID, FileID: reqPayload.FileID,
	})
}

func dialerFor(ln net.Listener) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}
}

func onlinePeerResolver(deviceID, addr string) PeerResolver {
	return func(id string) (model.DevicePeer, bool) {
		if id != deviceID {
			return model.DevicePeer{}, false
		}
		return model.DevicePeer{DeviceID: id, Address: "127.0.0.1", Port: 0, Online: true}, true
	}
}

func TestStartDownloadHappyPath(t *testing.T) {
	content := bytes.Repeat([]byte("ab"), 10)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go servePeer(t, ln, content, "")

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	c := New("me", "tester", onlinePeerResolver("peer-1", ""), nil, WithDialer(dialerFor(ln)))

	id, err := c.StartDownload(context.Background(), model.TransferRequest{
		PeerDeviceID: "peer-1", FileID: "f1", DestinationPath: dest,
	})
	require.NoError(t, err)

	ch := c.ObserveTransfer(context.Background(), id)
	var final model.Transfer
	for snap := range ch {
		final = snap
	}
	require.Equal(t, model.StateCompleted, final.State.Kind)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestStartDownloadFileNotFoundIsTerminalNotRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go servePeer(t, ln, nil, "file_not_found")

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	c := New("me", "tester", onlinePeerResolver("peer-1", ""), nil, WithDialer(dialerFor(ln)))
	id, err := c.StartDownload(context.Background(), model.TransferRequest{
		PeerDeviceID: "peer-1", FileID: "missing", DestinationPath: dest,
	})
	require.NoError(t, err)

	ch := c.ObserveTransfer(context.Background(), id)
	var final model.Transfer
	for snap := range ch {
		final = snap
	}
	require.Equal(t, model.StateFailed, final.State.Kind)
	require.Equal(t, protocol.ErrCodeFileNotFound, final.State.Code)
	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))
}

func TestStartDownloadUnknownPeerFailsFast(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	resolver := func(string) (model.DevicePeer, bool) { return model.DevicePeer{}, false }
	c := New("me", "tester", resolver, nil)

	id, err := c.StartDownload(context.Background(), model.TransferRequest{
		PeerDeviceID: "ghost", FileID: "f1", DestinationPath: dest,
	})
	require.NoError(t, err)

	ch := c.ObserveTransfer(context.Background(), id)
	final := <-ch
	for snap := range ch {
		final = snap
	}
	require.Equal(t, model.StateFailed, final.State.Kind)
	require.Equal(t, CodePeerUnknown, final.State.Code)
}

func TestValidateRequestRejectsRelativeDestination(t *testing.T) {
	err := ValidateRequest(model.TransferRequest{
		PeerDeviceID: "p", FileID: "f", DestinationPath: "relative/path.bin",
	}, nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateRequestRejectsExistingDestination(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "exists.bin")
	require.NoError(t, os.WriteFile(dest, []byte("x"), 0o644))
	err := ValidateRequest(model.TransferRequest{
		PeerDeviceID: "p", FileID: "f", DestinationPath: dest,
	}, osFilesystem{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestValidateRequestErrorReportsOffendingField(t *testing.T) {
	err := ValidateRequest(model.TransferRequest{FileID: "f", DestinationPath: "/tmp/x"}, nil)
	require.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "peerDeviceId", verr.Field)
	require.Equal(t, "ValidateRequest", verr.Op)
}

func TestCancelTransferIsIdempotentOnTerminalState(t *testing.T) {
	content := []byte("hello world")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go servePeer(t, ln, content, "")

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	c := New("me", "tester", onlinePeerResolver("peer-1", ""), nil, WithDialer(dialerFor(ln)))

	id, err := c.StartDownload(context.Background(), model.TransferRequest{
		PeerDeviceID: "peer-1", FileID: "f1", DestinationPath: dest,
	})
	require.NoError(t, err)

	ch := c.ObserveTransfer(context.Background(), id)
	for range ch {
	}

	c.CancelTransfer(id) // no-op, must not panic or alter terminal state
	snap := c.get(id).snapshot()
	require.Equal(t, model.StateCompleted, snap.State.Kind)
}

func TestCancelTransferMidStreamTransitionsToCancelledAndRemovesTemp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	block := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sess := session.New(conn)
		defer sess.Close()
		msgType, _, _ := sess.RecvMessage()
		if msgType != protocol.TypeHandshake {
			return
		}
		_ = sess.SendMessage(protocol.TypeHandshakeAck, protocol.HandshakeAckPayload{Status: "accepted"})
		msgType, raw, _ := sess.RecvMessage()
		if msgType != protocol.TypeTransferRequest {
			return
		}
		var rp protocol.TransferRequestPayload
		_ = protocol.DecodePayload(raw, &rp)
		_ = sess.SendMessage(protocol.TypeTransferStart, protocol.TransferStartPayload{
			TransferID: rp.TransferID, FileName: "big.bin", FileSize: 1 << 20, ChunkSize: 4096,
		})
		<-block // hold the connection open without sending bytes
	}()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	c := New("me", "tester", onlinePeerResolver("peer-1", ""), nil, WithDialer(dialerFor(ln)))

	id, err := c.StartDownload(context.Background(), model.TransferRequest{
		PeerDeviceID: "peer-1", FileID: "big", DestinationPath: dest,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.get(id).snapshot().State.Kind == model.StateInProgress
	}, 2*time.Second, 10*time.Millisecond)

	c.CancelTransfer(id)
	close(block)

	require.Eventually(t, func() bool {
		return c.get(id).snapshot().State.Kind == model.StateCancelled
	}, 2*time.Second, 10*time.Millisecond)

	entries, _ := os.ReadDir(dir)
	for _, de := range entries {
		require.NotContains(t, de.Name(), ".transfer-")
	}
}

func TestObserveTransfersSeesAllTrackedTransfers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	content := []byte("xyz")
	go servePeer(t, ln, content, "")

	dir := t.TempDir()
	c := New("me", "tester", onlinePeerResolver("peer-1", ""), nil, WithDialer(dialerFor(ln)))

	id, err := c.StartDownload(context.Background(), model.TransferRequest{
		PeerDeviceID: "peer-1", FileID: "f1", DestinationPath: filepath.Join(dir, "a.bin"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.ObserveTransfers(ctx)

	seenID := false
	timeout := time.After(2 * time.Second)
	for !seenID {
		select {
		case snap := <-ch:
			if snap.TransferID == id {
				seenID = true
			}
		case <-timeout:
			t.Fatal("never observed the started transfer")
		}
	}
}

func TestIsRetryableCodeConnectionLostVsFileNotFound(t *testing.T) {
	require.True(t, isRetryableCode(protocol.ErrCodeConnectionLost))
	require.False(t, isRetryableCode(protocol.ErrCodeFileNotFound))
}

// staticFS is a minimal in-memory Filesystem used to exercise error mapping
// paths without touching a real disk.
type staticFS struct {
	osFilesystem
	createErr error
}

func (f staticFS) CreateTemp(dir, pattern string) (File, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.osFilesystem.CreateTemp(dir, pattern)
}

func TestAttemptLocalCreateTempFailureIsTerminal(t *testing.T) {
	content := []byte("data")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go servePeer(t, ln, content, "")

	dir := t.TempDir()
	fs := staticFS{createErr: fmt.Errorf("disk exploded")}
	c := New("me", "tester", onlinePeerResolver("peer-1", ""), nil, WithDialer(dialerFor(ln)), WithFilesystem(fs))

	id, err := c.StartDownload(context.Background(), model.TransferRequest{
		PeerDeviceID: "peer-1", FileID: "f1", DestinationPath: filepath.Join(dir, "out.bin"),
	})
	require.NoError(t, err)

	ch := c.ObserveTransfer(context.Background(), id)
	var final model.Transfer
	for snap := range ch {
		final = snap
	}
	require.Equal(t, model.StateFailed, final.State.Kind)
	require.Equal(t, CodeIOError, final.State.Code)
}
