package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vango-dev/wsbridge/internal/config"
	"github.com/vango-dev/wsbridge/internal/errors"
	"github.com/vango-dev/wsbridge/pkg/transport"
)

func probeCmd() *cobra.Command {
	var (
		host     string
		port     int
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print the port the server would bind",
		Long: `Probe tries the same ports the server would, starting at --port and
trying up to --attempts ports, and prints the first one that is free.

Examples:
  wsbridge probe
  wsbridge probe --port 8000 --attempts 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if attempts <= 0 {
				return errors.New("W040").WithDetail(fmt.Sprintf("--attempts %d must be positive", attempts))
			}
			free, ok := probe(host, port, attempts, transport.IsPortFree)
			if !ok {
				return errors.New("W020").
					WithDetail(fmt.Sprintf("ports %d-%d on %s are all in use", port, port+attempts-1, host))
			}
			fmt.Fprintln(cmd.OutOrStdout(), free)
			return nil
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", config.DefaultHost, "Host to probe")
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "First port to try")
	cmd.Flags().IntVarP(&attempts, "attempts", "n", 50, "Number of ports to try")

	return cmd
}

// probe returns the first port in [port, port+attempts) that free accepts.
func probe(host string, port, attempts int, free func(string, int) bool) (int, bool) {
	for i := 0; i < attempts; i++ {
		if p := port + i; p <= 65535 && free(host, p) {
			return p, true
		}
	}
	return 0, false
}
