// Package main implements forgectl, a CLI for the forged HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	serverURL string
	owner     string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "forgectl",
		Short: "CLI for the forged session orchestration daemon",
		Long: `forgectl talks to a running forged daemon. It creates and closes
sessions, streams prompt and batch output, and inspects quotas.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("FORGED_SERVER", "http://localhost:9191"), "forged server URL")
	root.PersistentFlags().StringVar(&opts.owner, "owner", os.Getenv("FORGED_OWNER"), "owner id sent as "+ownerHeader)

	root.AddCommand(
		newHealthCmd(opts),
		newSessionCmd(opts),
		newPromptCmd(opts),
		newBatchCmd(opts),
		newQuotaCmd(opts),
		newReapCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check forged server health",
		Long: `Check the health status of the forged HTTP server.

Examples:
  # Check health
  forgectl health

  # Check health on a different server
  forgectl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health struct {
				Status   string `json:"status"`
				Sessions int    `json:"sessions"`
			}
			if err := newClient(opts).getJSON(cmd.Context(), "/health", &health); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", health.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Sessions:      %d\n", health.Sessions)
			return nil
		},
	}
}
