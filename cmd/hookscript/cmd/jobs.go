package cmd

import (
	"github.com/nfrund/hookscript/internal/app"
	"github.com/spf13/cobra"
)

var jobsFormat string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled scripts and their next run",
	Long: `Load the job table from the catalogue's active cron scripts and print
each job's expression and next run time. Scripts whose expression does not
parse are left out and logged.

Examples:
  hookscript jobs
  hookscript jobs --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), func(c *app.Container) error {
			sched, err := c.Scheduler()
			if err != nil {
				return err
			}
			if err := sched.LoadJobs(cmd.Context()); err != nil {
				return err
			}
			jobs := sched.Status()
			if jobsFormat == "json" {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			writeJobsTable(cmd.OutOrStdout(), jobs)
			return nil
		})
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsFormat, "format", "table", "output format (table, json)")
	rootCmd.AddCommand(jobsCmd)
}
