package session

import (
	"net"
	"testing"
	"time"

	"github.com/localmesh/p2pnode/internal/protocol"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	return New(a), New(b)
}

func TestSendRecvMessage(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- client.SendMessage(protocol.TypePing, protocol.PingPayload{Timestamp: 42})
	}()

	msgType, raw, err := server.RecvMessage()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, protocol.TypePing, msgType)

	var p protocol.PingPayload
	require.NoError(t, protocol.DecodePayload(raw, &p))
	require.EqualValues(t, 42, p.Timestamp)
}

func TestSendRecvBytes(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	payload := []byte("hello world, this is bulk data")
	go func() {
		_ = client.SendBytes(payload)
	}()

	buf := make([]byte, len(payload))
	n, err := server.RecvBytes(buf, len(payload))
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestCloseIdempotent(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.False(t, client.IsOpen())
}

func TestRecvAfterCloseIsClosedErr(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()
	require.NoError(t, client.Close())

	_, _, err := client.RecvMessage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestInactivityTimeout(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()
	server.timeout = 50 * time.Millisecond

	_, _, err := server.RecvMessage()
	require.ErrorIs(t, err, ErrConnectionLost)
}
