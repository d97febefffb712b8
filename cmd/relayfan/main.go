// Package main provides the CLI entry point for relayfan.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags, e.g.
//
//	go build -ldflags="-X main.Version=1.2.3"
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "relayfan",
		Short:   "relayfan - userspace multi-protocol traffic forwarder",
		Long:    "relayfan dispatches inbound flows across a configurable tree of outbound handlers: direct dials, fixed-target UDP redirects, SOCKS5 UDP outbound, and failover/try-all composites.",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("relayfan %s (%s/%s, %s)\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
			return nil
		},
	}
}
