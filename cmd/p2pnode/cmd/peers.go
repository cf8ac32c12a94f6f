package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var flagPeersWait time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers discovered on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := bootstrap()
		if err != nil {
			return err
		}
		defer c.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), flagPeersWait)
		defer cancel()

		ch, err := c.Peers(ctx)
		if err != nil {
			return err
		}

		seen := map[string]struct{}{}
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Device ID", "Nickname", "Address", "Online", "Last Seen"})

		for p := range ch {
			if _, ok := seen[p.DeviceID]; ok {
				continue
			}
			seen[p.DeviceID] = struct{}{}
			t.AppendRow(table.Row{
				p.DeviceID, p.Nickname, p.Addr(), p.Online,
				humanize.Time(p.LastSeen),
			})
		}

		if len(seen) == 0 {
			fmt.Println("no peers found")
			return nil
		}
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(peersCmd)
	peersCmd.Flags().DurationVar(&flagPeersWait, "wait", 3*time.Second, "how long to listen for mDNS announcements before printing")
}
