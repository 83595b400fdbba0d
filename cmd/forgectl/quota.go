package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forged/internal/ledger"
	"github.com/fyrsmithlabs/forged/internal/reaper"
)

func newQuotaCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show the current owner's token quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.owner == "" {
				return fmt.Errorf("--owner or FORGED_OWNER is required")
			}
			var entry ledger.Entry
			path := "/api/v1/owners/" + url.PathEscape(opts.owner) + "/quota"
			if err := newClient(opts).getJSON(cmd.Context(), path, &entry); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Owner:     %s (%s)\n", entry.OwnerID, entry.Tier)
			fmt.Fprintf(out, "Daily:     %d / %d\n", entry.DailyUsed, entry.DailyLimit)
			fmt.Fprintf(out, "Monthly:   %d / %d\n", entry.MonthlyUsed, entry.MonthlyLimit)
			fmt.Fprintf(out, "Reserved:  %d\n", entry.Reserved)
			fmt.Fprintf(out, "Remaining: %d\n", entry.RemainingQuota)
			return nil
		},
	}
}

func newReapCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one idle-session sweep on the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result reaper.SweepResult
			if err := newClient(opts).sendJSON(cmd.Context(), http.MethodPost, "/api/v1/admin/reap", nil, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, idled %d, closed %d, persisted %d\n",
				result.Scanned, result.Idled, len(result.Closed), result.Persists)
			for _, id := range result.Closed {
				fmt.Fprintf(cmd.OutOrStdout(), "  closed %s\n", id)
			}
			return nil
		},
	}
}
