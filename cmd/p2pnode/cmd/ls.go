package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/localmesh/p2pnode/internal/model"
	"github.com/spf13/cobra"
)

var (
	flagLsPeer string
	flagLsWait time.Duration
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List shared files, local or on a peer",
	Long: `Without --peer, ls lists files under the local shared root. With
--peer <deviceId>, it dials that peer and lists its shared files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := bootstrap()
		if err != nil {
			return err
		}
		defer c.Stop()

		var files []model.SharedFile
		if flagLsPeer == "" {
			files, err = c.LocalFiles()
			if err != nil {
				return err
			}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), flagLsWait)
			defer cancel()
			if err := waitForPeer(ctx, c, flagLsPeer); err != nil {
				return err
			}
			files, err = c.RemoteFiles(context.Background(), flagLsPeer)
			if err != nil {
				return err
			}
		}

		renderFileTable(files)
		return nil
	},
}

func renderFileTable(files []model.SharedFile) {
	if len(files) == 0 {
		fmt.Println("no files")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"File ID", "Name", "Size", "Type", "Path"})
	for _, f := range files {
		t.AppendRow(table.Row{f.FileID, f.Name, humanize.Bytes(uint64(f.Size)), f.MimeType, f.RelativePath})
	}
	t.Render()
}

// waitForPeer blocks until deviceID is seen online or ctx is done.
func waitForPeer(ctx context.Context, c interface {
	Peers(context.Context) (<-chan model.DevicePeer, error)
}, deviceID string) error {
	ch, err := c.Peers(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return fmt.Errorf("peer %s not found", deviceID)
			}
			if p.DeviceID == deviceID && p.Online {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("peer %s not found: %w", deviceID, ctx.Err())
		}
	}
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().StringVar(&flagLsPeer, "peer", "", "device ID of a remote peer to list instead of the local share")
	lsCmd.Flags().DurationVar(&flagLsWait, "wait", 5*time.Second, "how long to wait for the peer to appear on mDNS")
}
