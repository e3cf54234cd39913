// Package cli implements the cadence command line.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/config"
	"github.com/opencode-ai/cadence/internal/daemon"
	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/logging"
)

var (
	cfgFile        string
	dbPath         string
	logLevel       string
	jsonOutput     bool
	jsonlOutput    bool
	noColor        bool
	noProgress     bool
	nonInteractive bool

	appConfig  *config.Config
	appVersion = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "cadence",
	Short:         "Sequence automation engine",
	Long:          "Cadence enrolls leads into multi-step email sequences, advances them on a schedule and runs template experiments.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput && jsonlOutput {
			return fmt.Errorf("--json and --jsonl are mutually exclusive")
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Database.Path = dbPath
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		appConfig = cfg
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./cadence.yaml or ~/.config/cadence/config.yaml)")
	flags.StringVar(&dbPath, "db", "", "SQLite database path (overrides database.path)")
	flags.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&noProgress, "no-progress", false, "disable progress output")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "never prompt")
}

// Execute runs the root command.
func Execute(version string) error {
	if strings.TrimSpace(version) != "" {
		appVersion = version
	}
	rootCmd.Version = appVersion
	return rootCmd.Execute()
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.Default()
	}
	return appConfig
}

// openDatabase opens and migrates the configured database.
func openDatabase() (*db.DB, error) {
	cfg := GetConfig()
	database, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(context.Background()); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// openServices opens the database and wires the stores over it. The
// returned function closes the database.
func openServices() (*daemon.Services, func(), error) {
	database, err := openDatabase()
	if err != nil {
		return nil, nil, err
	}
	services, err := daemon.NewServices(database, GetConfig(), nil)
	if err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return services, func() { _ = database.Close() }, nil
}

// daemonAddr is the admin address of the configured daemon.
func daemonAddr() string {
	cfg := GetConfig()
	return fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)
}
