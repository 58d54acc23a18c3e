package cmd

import (
	"errors"
	"fmt"

	"github.com/nfrund/hookscript/internal/app"
	"github.com/nfrund/hookscript/internal/catalogue"
	"github.com/nfrund/hookscript/internal/scheduler"
	"github.com/nfrund/hookscript/internal/script"
	"github.com/nfrund/hookscript/internal/storage"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Compile every script and check cron expressions",
	Long: `Validate the scripts of a directory of YAML records, or of the configured
catalogue when no directory is given.

Each script is compiled under the engine of the phase its trigger selects,
so a before hook that calls records.get fails here rather than at runtime.
Cron triggers must parse.

Examples:
  hookscript validate ./scripts
  hookscript validate --catalogue sqlite

Output:
  ✅ Success - script compiled
  ❌ Error   - record rejected or script failed to compile`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), func(c *app.Container) error {
			engines, err := c.Engines()
			if err != nil {
				return err
			}

			var store catalogue.Store
			var rejected []catalogue.Rejected
			if len(args) == 1 {
				file, err := catalogue.NewFile(cmd.Context(), storage.NewDiskStore(args[0]), ".")
				if err != nil {
					return err
				}
				store, rejected = file, file.Rejected()
			} else if store, err = c.Catalogue(); err != nil {
				return err
			}

			scripts, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := len(rejected)
			for _, r := range rejected {
				fmt.Fprintf(out, "❌ %s: %v\n", r.Path, r.Err)
			}
			for _, s := range scripts {
				if err := checkScript(engines, s); err != nil {
					failed++
					fmt.Fprintf(out, "❌ %s: %v\n", s.Name, err)
					continue
				}
				fmt.Fprintf(out, "✅ %s (%s)\n", s.Name, s.Trigger)
			}

			fmt.Fprintf(out, "\n%d scripts checked, %d failed\n", len(scripts)+len(rejected), failed)
			if failed > 0 {
				return errors.New("validation failed")
			}
			return nil
		})
	},
}

func checkScript(engines *script.EngineSet, s *script.Script) error {
	if s.Trigger.Kind == script.TriggerCron {
		if _, err := scheduler.ParseExpression(s.Trigger.Expression); err != nil {
			return err
		}
	}
	return engines.Check(s)
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
