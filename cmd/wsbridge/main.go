package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/wsbridge/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a process exit code out of a command without printing
// anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wsbridge",
		Short: "Local WebSocket bridge between a native process and its renderer",
		Long: `wsbridge runs the broker that sits between a native owner process and
the renderer peers connected to it over a local WebSocket.

It binds the first free port in a range, tracks the controller and
extension peers, queues outbound messages under backpressure, and keeps
the session alive across renderer reloads.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		serveCmd(),
		probeCmd(),
		versionCmd(),
	)
	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			os.Exit(ee.code)
		}
		errors.PrintError(err)
		os.Exit(1)
	}
}
