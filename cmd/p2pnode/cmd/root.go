// Package cmd is the p2pnode command tree, styled after the teacher's
// cli/cmd package: a cobra root command with signal-aware Execute(), and one
// file per subcommand.
package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	flagSharedRoot string
	flagPort       int
	flagNickname   string
	flagDeviceID   string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:     "p2pnode",
	Short:   "Discover peers on the local network and share files between them",
	Long:    `p2pnode advertises a shared directory over mDNS, discovers other p2pnode instances on the LAN, and transfers files directly between them with no server in the middle.`,
	Version: "v0.1.0",
}

// Execute runs the root command (child commands register themselves in their
// files' init functions), exiting 130 on interrupt and 1 on error. Called
// once by main.main().
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(130)
	}()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagSharedRoot, "shared-root", "", "directory to share and scan (or $P2PNODE_SHARED_ROOT)")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 0, "TCP port to listen on (default 8888)")
	rootCmd.PersistentFlags().StringVar(&flagNickname, "nickname", "", "display name advertised to peers (default hostname)")
	rootCmd.PersistentFlags().StringVar(&flagDeviceID, "device-id", "", "stable device identifier (default random UUID)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn, or error (default info, or $P2PNODE_LOG_LEVEL)")
}
