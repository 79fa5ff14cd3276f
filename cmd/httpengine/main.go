// httpengine - the NaviServer protocol engine CLI: an HTTP/1.1 task
// client and an HTTP/3 over QUIC server driver.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/naviserver/httpengine/cmd/httpengine/commands"
	"github.com/naviserver/httpengine/internal/logging"
)

var version = "v0.9.0"

func main() {
	var verbosity int

	rootCmd := &cobra.Command{
		Use:   "httpengine",
		Short: "HTTP/1.1 client and HTTP/3 server protocol engine",
		Long: `httpengine drives the NaviServer protocol engine from the command line.

The fetch command issues HTTP/1.1 requests through the concurrent
task-queue client (keep-alive reuse, chunked transfer, gzip/deflate
decoding, proxying, body spooling). The serve3 command runs the
HTTP/3 over QUIC server driver against a static file tree.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLevel(verbosity)
		},
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"increase log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.NewFetchCommand())
	rootCmd.AddCommand(commands.NewServe3Command())
	rootCmd.AddCommand(commands.NewConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}
