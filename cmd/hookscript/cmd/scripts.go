package cmd

import (
	"github.com/nfrund/hookscript/internal/app"
	"github.com/spf13/cobra"
)

var scriptsFormat string

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "List the scripts in the catalogue",
	Long: `List every script in the configured catalogue with its status, trigger
and error count.

Examples:
  hookscript scripts
  hookscript scripts --catalogue sqlite --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), func(c *app.Container) error {
			store, err := c.Catalogue()
			if err != nil {
				return err
			}
			scripts, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if scriptsFormat == "json" {
				return writeJSON(cmd.OutOrStdout(), scripts)
			}
			writeScriptsTable(cmd.OutOrStdout(), scripts)
			return nil
		})
	},
}

func init() {
	scriptsCmd.Flags().StringVar(&scriptsFormat, "format", "table", "output format (table, json)")
	rootCmd.AddCommand(scriptsCmd)
}
