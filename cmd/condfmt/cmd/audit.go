package cmd

import (
	"github.com/spf13/cobra"

	"github.com/solatis/condfmt/internal/core/api"
)

var auditCmd = &cobra.Command{
	Use:   "audit DOC_ID",
	Short: "Show recent rule operations recorded by the rule service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		database, queries, err := openControlDB()
		if err != nil {
			return err
		}
		defer database.Close()

		entries, err := api.NewAuditLog(queries).List(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().Int("limit", 50, "maximum number of entries")
}
