package cmd

import (
	"context"
	"os"

	"github.com/nfrund/hookscript/internal/app"
	"github.com/nfrund/hookscript/internal/config"
	"github.com/nfrund/hookscript/internal/logging"
	"github.com/spf13/cobra"
)

var (
	catalogueFlag  string
	scriptsDirFlag string
	logLevelFlag   string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hookscript",
	Short: "Run and schedule sandboxed business-rule scripts",
	Long: `hookscript runs tenant-authored Tengo scripts against entity lifecycle
events, cron schedules, manual invocations and API routes.

Configuration comes from the environment (and an optional .env file).
The flags below override the matching variables for one invocation.

Use "hookscript [command] --help" for more information about a command.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&catalogueFlag, "catalogue", "", "script catalogue backend (memory, file, sqlite, surreal)")
	rootCmd.PersistentFlags().StringVar(&scriptsDirFlag, "scripts-dir", "", "directory of the file catalogue")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if catalogueFlag != "" {
		cfg.Catalogue = catalogueFlag
	}
	if scriptsDirFlag != "" {
		cfg.ScriptsDir = scriptsDirFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
	appConfig = cfg
	return nil
}

// withContainer builds the service graph for one command and tears it down
// afterwards
func withContainer(ctx context.Context, fn func(c *app.Container) error) (err error) {
	c := app.New(ctx, appConfig)
	defer func() {
		if shutdownErr := c.Shutdown(context.WithoutCancel(ctx)); err == nil {
			err = shutdownErr
		}
	}()
	return fn(c)
}
