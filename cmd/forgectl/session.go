package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	forgedhttp "github.com/fyrsmithlabs/forged/internal/http"
	"github.com/fyrsmithlabs/forged/internal/session"
)

func newSessionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect and close sessions",
	}
	cmd.AddCommand(newSessionCreateCmd(opts), newSessionStatusCmd(opts), newSessionCloseCmd(opts))
	return cmd
}

func newSessionCreateCmd(opts *options) *cobra.Command {
	var (
		req          forgedhttp.CreateSessionRequest
		capabilities string
	)
	cmd := &cobra.Command{
		Use:   "create <scope-id>",
		Short: "Create a session",
		Long: `Create a session for the current owner. Requested limits are clamped
to the owner's tier; the effective configuration is printed.

Examples:
  forgectl --owner acme session create proj-1 --max-parallel 4 --capabilities codegen,preview`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ScopeID = args[0]
			if capabilities != "" {
				req.Config.AllowedCapabilities = strings.Split(capabilities, ",")
			}
			var resp forgedhttp.CreateSessionResponse
			if err := newClient(opts).sendJSON(cmd.Context(), http.MethodPost, "/api/v1/sessions", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.SessionID)
			printConfig(cmd.ErrOrStderr(), resp.Config)
			return nil
		},
	}
	cmd.Flags().IntVar(&req.Config.MaxParallelSubagents, "max-parallel", 0, "requested parallel subagents")
	cmd.Flags().IntVar(&req.Config.MaxTokensPerSession, "max-tokens", 0, "requested session token budget")
	cmd.Flags().IntVar(&req.Config.SessionTimeoutMinutes, "timeout-minutes", 0, "requested idle timeout in minutes")
	cmd.Flags().StringVar(&capabilities, "capabilities", "", "comma-separated requested capabilities")
	return cmd
}

func printConfig(w io.Writer, cfg session.Config) {
	fmt.Fprintf(w, "max_parallel_subagents:  %d\n", cfg.MaxParallelSubagents)
	fmt.Fprintf(w, "max_tokens_per_session:  %d\n", cfg.MaxTokensPerSession)
	fmt.Fprintf(w, "session_timeout_minutes: %d\n", cfg.SessionTimeoutMinutes)
	fmt.Fprintf(w, "allowed_capabilities:    %s\n", strings.Join(cfg.AllowedCapabilities, ","))
}

func newSessionStatusCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show session status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st session.Status
			if err := newClient(opts).getJSON(cmd.Context(), sessionPath(args[0]), &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintf(out, "Session:   %s\n", st.ID)
			fmt.Fprintf(out, "Scope:     %s\n", st.ScopeID)
			fmt.Fprintf(out, "Tier:      %s\n", st.Tier)
			fmt.Fprintf(out, "State:     %s\n", st.State)
			fmt.Fprintf(out, "Tokens:    %d / %d\n", st.TotalTokensUsed, st.Config.MaxTokensPerSession)
			fmt.Fprintf(out, "Subagents: %d / %d\n", st.ActiveSubagentCount, st.Config.MaxParallelSubagents)
			fmt.Fprintf(out, "Events:    %d\n", st.EventCount)
			if st.QuotaExceeded {
				fmt.Fprintf(out, "Quota:     exceeded\n")
			}
			if st.RejectedAttempts > 0 {
				fmt.Fprintf(out, "Rejected:  %d\n", st.RejectedAttempts)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newSessionCloseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session",
		Long:  `Close a session. Closing an already closed session prints the same summary.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap session.Snapshot
			if err := newClient(opts).sendJSON(cmd.Context(), http.MethodDelete, sessionPath(args[0]), nil, &snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed %s (%s): %d events, %d tokens\n",
				snap.ID, snap.CloseReason, len(snap.Events), snap.TotalTokensUsed)
			return nil
		},
	}
}

func sessionPath(id string) string {
	return "/api/v1/sessions/" + url.PathEscape(id)
}
