package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nfrund/hookscript/internal/app"
	"github.com/nfrund/hookscript/internal/script"
	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the lifecycle listener",
	Long: `Start the cron scheduler and the lifecycle event listener and run until
interrupted. With HOT_RELOAD_SCRIPTS=true the file catalogue reloads when
records change on disk. With SCRIPT_ERROR_SUMMARY_INTERVAL set, failures are
summarised in the log once per interval; the remaining summary is printed on
exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := app.New(ctx, appConfig)
		if err := c.Start(ctx); err != nil {
			c.Shutdown(context.WithoutCancel(ctx))
			return err
		}
		slog.Info("hookscript running", "catalogue", appConfig.Catalogue, "version", version)

		executor, err := c.Executor()
		if err != nil {
			c.Shutdown(context.WithoutCancel(ctx))
			return err
		}
		if appConfig.ErrorSummaryInterval > 0 {
			go reportErrors(ctx, executor.Reporter(), appConfig.ErrorSummaryInterval)
		}

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = c.Shutdown(shutdownCtx)
		writeErrorsTable(cmd.OutOrStdout(), errorsDisplay(executor.Reporter().GetErrorSummary()))
		return err
	},
}

// reportErrors logs the error summary every interval, then starts a fresh
// window
func reportErrors(ctx context.Context, reporter *script.ErrorReporter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logErrorWindow(reporter)
		}
	}
}

func logErrorWindow(reporter *script.ErrorReporter) *ErrorsDisplay {
	d := errorsDisplay(reporter.GetErrorSummary())
	if d == nil {
		return nil
	}
	reporter.ClearErrorHistory()
	slog.Warn("Script errors since last summary",
		"total", d.Total,
		"by_type", d.ByType,
		"by_script", d.ByScript,
		"unhealthy", d.Unhealthy,
	)
	return d
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for running scripts on shutdown")
	rootCmd.AddCommand(serveCmd)
}
