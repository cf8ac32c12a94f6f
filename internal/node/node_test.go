package node

import (
	"context"
	"testing"

	"github.com/localmesh/p2pnode/internal/model"
	"github.com/stretchr/testify/require"
)

// Start brings up real mDNS advertise/browse via zeroconf, which needs a
// multicast-capable network stack this package does not assume is present
// in every test environment. These tests exercise the guard paths that
// don't require a live Start; node/node_test.go intentionally does not
// attempt an end-to-end Start()/Stop() cycle for that reason.

func TestOperationsBeforeStartReturnErrNotStarted(t *testing.T) {
	c := New(nil)

	_, err := c.LocalFiles()
	require.ErrorIs(t, err, ErrNotStarted)

	err = c.RefreshLocalIndex()
	require.ErrorIs(t, err, ErrNotStarted)

	_, err = c.Peers(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)

	_, err = c.StartDownload(context.Background(), model.TransferRequest{})
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestObserveChannelsClosedBeforeStart(t *testing.T) {
	c := New(nil)

	_, open := <-c.ObserveTransfers(context.Background())
	require.False(t, open)

	_, open = <-c.ObserveTransfer(context.Background(), "whatever")
	require.False(t, open)
}

func TestCancelTransferBeforeStartDoesNotPanic(t *testing.T) {
	c := New(nil)
	c.CancelTransfer("whatever")
}

func TestStopBeforeStartIsANoop(t *testing.T) {
	c := New(nil)
	c.Stop() // must not panic
}
