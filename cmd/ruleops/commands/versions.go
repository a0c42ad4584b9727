package commands

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/ruleops/server"
	"github.com/jonwraymond/ruleops/version"
)

var (
	versionsConflicts bool
	refreshForce      bool
)

var versionsCmd = &cobra.Command{
	Use:   "versions [rule-id...]",
	Short: "Compare cached rule versions with the upstream source",
	Long: `Ask a running server to compare its cached rule versions with the
upstream source. With --conflicts, report drift instead: outdated rules,
downgrades, rules deleted upstream, and (with version.deep_check) content
changed under an unchanged version.

Examples:
  ruleops versions
  ruleops versions pricing.discount pricing.tax --conflicts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"id": args}
		if versionsConflicts {
			var out struct {
				Conflicts []version.Conflict `json:"conflicts"`
			}
			if err := newAPIClient().do(cmd.Context(), http.MethodGet, "/v1/conflicts", q, nil, &out); err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), out)
		}
		var out struct {
			Versions []version.Comparison `json:"versions"`
		}
		if err := newAPIClient().do(cmd.Context(), http.MethodGet, "/v1/versions", q, nil, &out); err != nil {
			return err
		}
		return printValue(cmd.OutOrStdout(), out)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [rule-id...]",
	Short: "Refresh outdated rules on a running server",
	Long: `Ask a running server to reload rules whose upstream version changed.
Without ids every cached rule is checked. --force reloads without
comparing versions.

Examples:
  ruleops refresh
  ruleops refresh pricing.discount --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out server.RefreshResponse
		req := server.RefreshRequest{IDs: args, Force: refreshForce}
		if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/v1/rules/refresh", nil, req, &out); err != nil {
			return err
		}
		return printValue(cmd.OutOrStdout(), out)
	},
}

func init() {
	rootCmd.AddCommand(versionsCmd, refreshCmd)

	versionsCmd.Flags().BoolVar(&versionsConflicts, "conflicts", false, "Report version drift instead of a plain comparison")
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "Reload without comparing versions")
}
