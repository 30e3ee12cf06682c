package cmd

import (
	"github.com/spf13/cobra"
)

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Manage local documents (local backend)",
}

var docCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an empty local document and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := store.CreateDoc(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("document created", "doc_id", id, "data_dir", cfg.Local.DataDir)
		return printJSON(cmd.OutOrStdout(), map[string]string{"docId": id})
	},
}

var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := store.Docs()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string][]string{"docs": ids})
	},
}

var docAddTableCmd = &cobra.Command{
	Use:   "add-table TABLE [COLUMN...]",
	Short: "Add a table with the given columns to a local document",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, _ := cmd.Flags().GetString("doc")
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.AddTable(cmd.Context(), doc, args[0], args[1:]...); err != nil {
			return err
		}
		columns, err := store.ListColumns(cmd.Context(), doc, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), columns)
	},
}

func init() {
	rootCmd.AddCommand(docCmd)
	docCmd.AddCommand(docCreateCmd, docListCmd, docAddTableCmd)
	docAddTableCmd.Flags().String("doc", "", "document id")
	_ = docAddTableCmd.MarkFlagRequired("doc")
}
