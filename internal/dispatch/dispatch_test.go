package dispatch

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/localmesh/p2pnode/internal/index"
	"github.com/localmesh/p2pnode/internal/protocol"
	"github.com/localmesh/p2pnode/internal/session"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (server, client *session.Session) {
	t.Helper()
	a, b := net.Pipe()
	return session.New(a), session.New(b)
}

func handshakeClient(t *testing.T, client *session.Session) {
	t.Helper()
	require.NoError(t, client.SendMessage(protocol.TypeHandshake, protocol.HandshakePayload{
		DeviceID: "client-1", Nickname: "client", ProtocolVersion: protocol.ProtocolVersion,
	}))
	msgType, raw, err := client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHandshakeAck, msgType)
	var ack protocol.HandshakeAckPayload
	require.NoError(t, protocol.DecodePayload(raw, &ack))
	require.Equal(t, "accepted", ack.Status)
}

func TestHandshakeAndListFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi\n"), 0o644))
	idx := index.New(root, nil)
	require.NoError(t, idx.Scan())

	d := New(idx, "server-1", "server", nil)
	server, client := newPair(t)

	go d.HandleSession(server)
	handshakeClient(t, client)

	require.NoError(t, client.SendMessage(protocol.TypeListFiles, protocol.ListFilesPayload{}))
	msgType, raw, err := client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFileList, msgType)

	var list protocol.FileListPayload
	require.NoError(t, protocol.DecodePayload(raw, &list))
	require.Len(t, list.Files, 1)
	require.Equal(t, "hello.txt", list.Files[0].Name)

	client.Close()
}

func TestPing(t *testing.T) {
	root := t.TempDir()
	idx := index.New(root, nil)
	require.NoError(t, idx.Scan())
	d := New(idx, "server-1", "server", nil)
	server, client := newPair(t)

	go d.HandleSession(server)
	handshakeClient(t, client)

	require.NoError(t, client.SendMessage(protocol.TypePing, protocol.PingPayload{Timestamp: 123}))
	msgType, raw, err := client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypePong, msgType)
	var pong protocol.PongPayload
	require.NoError(t, protocol.DecodePayload(raw, &pong))
	require.EqualValues(t, 123, pong.Timestamp)

	client.Close()
}

func TestUnknownTypeRepliesInvalidRequestAndContinues(t *testing.T) {
	root := t.TempDir()
	idx := index.New(root, nil)
	require.NoError(t, idx.Scan())
	d := New(idx, "server-1", "server", nil)
	server, client := newPair(t)

	go d.HandleSession(server)
	handshakeClient(t, client)

	require.NoError(t, client.SendMessage("WAT", struct{}{}))
	msgType, raw, err := client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeTransferError, msgType)
	var errPayload protocol.TransferErrorPayload
	require.NoError(t, protocol.DecodePayload(raw, &errPayload))
	require.Equal(t, protocol.ErrCodeInvalidRequest, errPayload.ErrorCode)

	// session must still be alive: ping again
	require.NoError(t, client.SendMessage(protocol.TypePing, protocol.PingPayload{Timestamp: 7}))
	msgType, _, err = client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypePong, msgType)

	client.Close()
}

func TestTransferRequestUnknownFile(t *testing.T) {
	root := t.TempDir()
	idx := index.New(root, nil)
	require.NoError(t, idx.Scan())
	d := New(idx, "server-1", "server", nil)
	server, client := newPair(t)

	go d.HandleSession(server)
	handshakeClient(t, client)

	require.NoError(t, client.SendMessage(protocol.TypeTransferRequest, protocol.TransferRequestPayload{
		FileID: "does-not-exist", TransferID: "t1",
	}))
	msgType, raw, err := client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeTransferError, msgType)
	var errPayload protocol.TransferErrorPayload
	require.NoError(t, protocol.DecodePayload(raw, &errPayload))
	require.Equal(t, protocol.ErrCodeFileNotFound, errPayload.ErrorCode)

	client.Close()
}

func TestTransferRequestHappyPath(t *testing.T) {
	root := t.TempDir()
	content := []byte("hi\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), content, 0o644))
	idx := index.New(root, nil)
	require.NoError(t, idx.Scan())
	d := New(idx, "server-1", "server", nil)
	server, client := newPair(t)

	go d.HandleSession(server)
	handshakeClient(t, client)

	fileID := index.FileID("hello.txt")
	require.NoError(t, client.SendMessage(protocol.TypeTransferRequest, protocol.TransferRequestPayload{
		FileID: fileID, TransferID: "t1",
	}))

	msgType, raw, err := client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeTransferStart, msgType)
	var start protocol.TransferStartPayload
	require.NoError(t, protocol.DecodePayload(raw, &start))
	require.EqualValues(t, len(content), start.FileSize)

	buf := make([]byte, start.FileSize)
	n, err := client.RecvBytes(buf, int(start.FileSize))
	require.NoError(t, err)
	require.Equal(t, content, buf[:n])

	msgType, _, err = client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeTransferComplete, msgType)

	client.Close()
}

func TestCancelBeforeStartIsHonored(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), make([]byte, 1<<20), 0o644))
	idx := index.New(root, nil)
	require.NoError(t, idx.Scan())
	d := New(idx, "server-1", "server", nil)
	server, client := newPair(t)

	go d.HandleSession(server)
	handshakeClient(t, client)

	require.NoError(t, client.SendMessage(protocol.TypeCancelTransfer, protocol.CancelTransferPayload{TransferID: "t1"}))
	msgType, _, err := client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeTransferCancelled, msgType)

	fileID := index.FileID("big.bin")
	require.NoError(t, client.SendMessage(protocol.TypeTransferRequest, protocol.TransferRequestPayload{
		FileID: fileID, TransferID: "t1",
	}))
	msgType, raw, err := client.RecvMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeTransferError, msgType)
	var errPayload protocol.TransferErrorPayload
	require.NoError(t, protocol.DecodePayload(raw, &errPayload))
	require.Equal(t, protocol.ErrCodeTransferCancelled, errPayload.ErrorCode)

	client.Close()
}

func TestSessionClosesOnBulkSendFailure(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), make([]byte, 1<<20), 0o644))
	idx := index.New(root, nil)
	require.NoError(t, idx.Scan())
	d := New(idx, "server-1", "server", nil)
	server, client := newPair(t)

	done := make(chan struct{})
	go func() {
		d.HandleSession(server)
		close(done)
	}()
	handshakeClient(t, client)

	fileID := index.FileID("big.bin")
	require.NoError(t, client.SendMessage(protocol.TypeTransferRequest, protocol.TransferRequestPayload{
		FileID: fileID, TransferID: "t1",
	}))

	_, _, err := client.RecvMessage() // TRANSFER_START
	require.NoError(t, err)
	client.Close() // abruptly close mid-bulk

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleSession did not return after client closed mid-bulk")
	}
}
