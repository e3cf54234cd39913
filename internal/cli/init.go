package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initForce        bool
	initSkipBuiltins bool

	// configDirFunc is replaced in tests.
	configDirFunc = defaultConfigDir
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	initCmd.Flags().BoolVar(&initSkipBuiltins, "skip-builtins", false, "do not import the built-in templates")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file and database",
	Long:  "Write a default config file, create and migrate the database, and import the built-in templates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		results := []initResult{createConfigFile(), initDatabase()}
		if !initSkipBuiltins {
			results = append(results, importBuiltinTemplates())
		}

		if IsJSONOutput() || IsJSONLOutput() {
			out := make([]map[string]string, 0, len(results))
			for _, r := range results {
				out = append(out, map[string]string{"step": r.name, "status": r.status, "message": r.message})
			}
			return WriteOutput(os.Stdout, out)
		}

		failed := false
		for _, r := range results {
			color := colorGreen
			switch r.status {
			case "skipped":
				color = colorYellow
			case "failed":
				color = colorRed
				failed = true
			}
			fmt.Fprintf(os.Stdout, "%-24s %s  %s\n", r.name, colorize(strings.ToUpper(r.status), color), r.message)
		}
		if failed {
			return fmt.Errorf("init did not complete")
		}
		return nil
	},
}

type initResult struct {
	name    string
	status  string // done, skipped, failed
	message string
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cadence")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".cadence"
	}
	return filepath.Join(home, ".config", "cadence")
}

func createConfigFile() initResult {
	result := initResult{name: "Config file"}
	dir := configDirFunc()
	path := filepath.Join(dir, "config.yaml")

	if _, err := os.Stat(path); err == nil && !initForce {
		result.status = "skipped"
		result.message = path + " already exists (use --force to overwrite)"
		return result
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}
	result.status = "done"
	result.message = path
	return result
}

func initDatabase() initResult {
	result := initResult{name: "Database"}
	database, err := openDatabase()
	if err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}
	defer database.Close()
	result.status = "done"
	result.message = database.Path()
	return result
}

func importBuiltinTemplates() initResult {
	result := initResult{name: "Built-in templates"}
	services, closeDB, err := openServices()
	if err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}
	defer closeDB()

	n, err := services.ImportBuiltinTemplates(context.Background())
	if err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}
	result.status = "done"
	result.message = fmt.Sprintf("%d imported", n)
	return result
}

const configTemplate = `# Cadence Configuration File
#
# Every key can be overridden with an environment variable:
# CADENCE_<SECTION>_<KEY>, for example CADENCE_DATABASE_PATH.

# The database defaults to $HOME/.local/share/cadence/cadence.db.
# database:
#   path: /var/lib/cadence/cadence.db

engine:
  # Bound on steps one advance may chain through.
  max_steps_per_advance: 32
  # Zone for sequences that do not set one.
  default_timezone: UTC

scheduler:
  tick_interval: 5s
  advance_timeout: 10s
  max_concurrent: 8
  batch_size: 200

daemon:
  host: 127.0.0.1
  port: 7450
  rate_limit: true

mqtt:
  enabled: false
  host: localhost
  port: 1883
  client_id: cadence
  qos: 1
  topic_prefix: cadence

influxdb:
  enabled: false
  url: http://localhost:8086
  org: cadence
  bucket: cadence
  batch_size: 100
  flush_interval: 10s

logging:
  level: info
  format: console
`
