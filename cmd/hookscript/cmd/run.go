package cmd

import (
	"fmt"

	"github.com/nfrund/hookscript/internal/app"
	"github.com/nfrund/hookscript/internal/script"
	"github.com/spf13/cobra"
)

var (
	entityFlag string
	formatFlag string
)

var runCmd = &cobra.Command{
	Use:   "run <script-name>",
	Short: "Run a manual script",
	Long: `Run an active script with a manual trigger and print its outcome.

Examples:
  hookscript run recalculate_totals
  hookscript run recalculate_totals --entity '{"qty": 3, "price": 7}'
  hookscript run recalculate_totals --format json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseEntity(entityFlag)
		if err != nil {
			return err
		}
		return withContainer(cmd.Context(), func(c *app.Container) error {
			orchestrator, err := c.Orchestrator()
			if err != nil {
				return err
			}
			result, err := orchestrator.RunManual(cmd.Context(), args[0], entity)
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		})
	},
}

var apiCmd = &cobra.Command{
	Use:   "api <method> <path>",
	Short: "Run the script bound to an API route",
	Long: `Run the first active script whose api trigger matches the method and
path. The request body is given with --entity.

Examples:
  hookscript api POST /greet --entity '{"name": "Ada"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		request, err := parseEntity(entityFlag)
		if err != nil {
			return err
		}
		return withContainer(cmd.Context(), func(c *app.Container) error {
			orchestrator, err := c.Orchestrator()
			if err != nil {
				return err
			}
			result, err := orchestrator.RunAPI(cmd.Context(), args[1], args[0], request)
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		})
	},
}

var phaseCmd = &cobra.Command{
	Use:   "phase <entity-type> <event>",
	Short: "Run the scripts bound to a lifecycle event",
	Long: `Run every active script bound to the entity type and event, exactly as
the host would around a write, and print the phase result.

Examples:
  hookscript phase invoice before_create --entity '{"amount": -5}'
  hookscript phase invoice after_update --entity '{"id": "inv-1"}' --format json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := parseEntity(entityFlag)
		if err != nil {
			return err
		}
		return withContainer(cmd.Context(), func(c *app.Container) error {
			orchestrator, err := c.Orchestrator()
			if err != nil {
				return err
			}
			result, err := orchestrator.RunPhase(cmd.Context(), args[0], script.EventType(args[1]), entity)
			if err != nil {
				return err
			}

			display := phaseDisplay(result)
			if executor, err := c.Executor(); err == nil {
				display.Errors = errorsDisplay(executor.Reporter().GetErrorSummary())
			}
			if formatFlag == "json" {
				return writeJSON(cmd.OutOrStdout(), display)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Phase %s for %s.%s: %s\n", display.Phase, display.EntityType, display.Event, display.Status)
			if display.Reason != "" {
				fmt.Fprintf(out, "Reason: %s\n", display.Reason)
			}
			writeResultsTable(out, display.Results)
			if len(display.Changes) > 0 {
				fmt.Fprintf(out, "Changes: %v\n", display.Changes)
			}
			writeErrorsTable(out, display.Errors)
			return nil
		})
	},
}

func printResult(cmd *cobra.Command, result *script.ExecutionResult) error {
	display := resultDisplay(result)
	if formatFlag == "json" {
		return writeJSON(cmd.OutOrStdout(), display)
	}
	writeResultsTable(cmd.OutOrStdout(), []ResultDisplay{display})
	return nil
}

func init() {
	for _, c := range []*cobra.Command{runCmd, apiCmd, phaseCmd} {
		c.Flags().StringVar(&entityFlag, "entity", "", "entity snapshot as a JSON object")
		c.Flags().StringVar(&formatFlag, "format", "table", "output format (table, json)")
		rootCmd.AddCommand(c)
	}
}
