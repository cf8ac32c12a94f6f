package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the node in the foreground",
	Long: `Start advertises the shared directory over mDNS, browses for other
peers on the LAN, and accepts incoming transfer requests until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := bootstrap()
		if err != nil {
			return err
		}

		fmt.Printf("p2pnode listening, shared root %q. Press Ctrl+C to stop.\n", flagSharedRoot)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig

		fmt.Println("shutting down...")
		c.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
