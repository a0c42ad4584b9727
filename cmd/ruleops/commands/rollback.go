package commands

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/ruleops/server"
)

var (
	rollbackIndex int
	rollbackList  bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <rule-id>",
	Short: "Restore a previous version of a rule on a running server",
	Long: `Restore a saved snapshot of a rule. Snapshots are taken whenever a
cached rule is refreshed or invalidated; index 0 is the most recent. A
restored snapshot is removed from the history and the replaced content
is saved as a new snapshot, so "rollback <id>" twice undoes a rollback.

Examples:
  ruleops rollback pricing.discount
  ruleops rollback pricing.discount --index 2
  ruleops rollback pricing.discount --list`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		path := "/v1/rules/" + url.PathEscape(id)
		c := newAPIClient()

		if rollbackList {
			var out struct {
				RuleID    string                    `json:"rule_id"`
				Snapshots []server.SnapshotResponse `json:"snapshots"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, path+"/snapshots", nil, nil, &out); err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), out)
		}

		if rollbackIndex < 0 {
			return fmt.Errorf("--index must not be negative")
		}
		var out map[string]any
		req := server.RollbackRequest{Index: rollbackIndex}
		if err := c.do(cmd.Context(), http.MethodPost, path+"/rollback", nil, req, &out); err != nil {
			return err
		}
		return printValue(cmd.OutOrStdout(), out)
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)

	rollbackCmd.Flags().IntVar(&rollbackIndex, "index", 0, "Snapshot index, 0 is the most recent")
	rollbackCmd.Flags().BoolVar(&rollbackList, "list", false, "List snapshots instead of restoring one")
}
