package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/daemon"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/tui"
)

var (
	watchInterval time.Duration
	watchTheme    string
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "poll interval")
	watchCmd.Flags().StringVar(&watchTheme, "theme", "default", "color theme (default, high-contrast)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of a running daemon",
	Long:  "Poll the daemon's status and running experiments and render them in a full-screen dashboard.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if IsJSONOutput() || IsJSONLOutput() || !hasTTY() {
			return errors.New("watch needs an interactive terminal; use cadence status for one-shot output")
		}

		client, err := daemon.Dial(daemonAddr())
		if err != nil {
			return err
		}
		defer client.Close()

		return tui.Run(watchFetcher(client), tui.Options{
			Target:   daemonAddr(),
			Interval: watchInterval,
			Theme:    watchTheme,
		})
	},
}

func watchFetcher(client *daemon.Client) tui.Fetcher {
	return func(ctx context.Context) (*tui.Snapshot, error) {
		status, err := client.Status(ctx)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Experiments []*models.Experiment `json:"experiments"`
		}
		req := map[string]any{"status": string(models.ExperimentStatusRunning)}
		if err := client.Call(ctx, daemon.MethodListExperiments, req, &resp); err != nil {
			return nil, err
		}
		return &tui.Snapshot{Status: status, Experiments: resp.Experiments}, nil
	}
}
