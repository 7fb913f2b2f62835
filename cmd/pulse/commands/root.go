// Package commands implements the pulse CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/pulse/am"
	"github.com/teranos/pulse/errors"
	"github.com/teranos/pulse/logger"
	"github.com/teranos/pulse/sym"
)

var (
	configPath string
	jsonLog    bool
	logLevel   string
)

// RootCmd is the pulse command
var RootCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Persistent, clusterable job scheduler",
	Long: sym.Pulse + ` pulse — persistent, clusterable job scheduler

pulse fires jobs from simple, cron and calendar-interval triggers, keeps
them in a SQLite or PostgreSQL job store and shares the work between every
node pointed at the same database.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (PULSE_* prefix)
3. --config file, or ./pulse.toml found upward from the working directory
4. User config (~/.pulse/pulse.toml)
5. System config (/etc/pulse/pulse.toml)
6. Default values

Examples:
  pulse start                     # Run the scheduler in the foreground
  pulse db migrate                # Create or upgrade the job store schema
  pulse jobs                      # List stored jobs
  pulse triggers --group reports  # List triggers of one group
  pulse am show                   # Show the effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am show prints config to stdout, keep it clean
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		level := logLevel
		if !cmd.Flags().Changed("log-level") {
			if cfg, err := loadConfig(); err == nil && cfg.Log.Level != "" {
				level = cfg.Log.Level
			}
		}
		if err := logger.Initialize(jsonLog, level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: pulse.toml cascade)")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Log as JSON")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(DbCmd)
	RootCmd.AddCommand(AmCmd)
	RootCmd.AddCommand(JobsCmd)
	RootCmd.AddCommand(TriggersCmd)
	RootCmd.AddCommand(VersionCmd)
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

// loadConfig reads --config when given, the cascade otherwise.
func loadConfig() (*am.Config, error) {
	if configPath != "" {
		return am.LoadFromFile(configPath)
	}
	return am.Load()
}
