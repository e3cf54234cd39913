package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/daemon"
	"github.com/opencode-ai/cadence/internal/scheduler"
)

var tickRemote bool

func init() {
	rootCmd.AddCommand(tickCmd)
	tickCmd.Flags().BoolVar(&tickRemote, "remote", false, "ask the running daemon to tick")
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Advance every due enrollment once",
	Long: `Run a single scheduler pass: every active enrollment whose wait has
elapsed is advanced and its intents are dispatched. Useful from cron when
no daemon is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var result scheduler.TickResult
		if tickRemote {
			if err := callDaemon(daemon.MethodTick, nil, &result); err != nil {
				return err
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.scheduler.Tick(context.Background())
			if err != nil {
				return err
			}
			result = *res
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, result)
		}
		fmt.Fprintf(os.Stdout, "%d due: %d advanced, %d skipped, %d conflicts, %d failed, %d intents (%s)\n",
			result.Due, result.Advanced, result.Skipped, result.Conflicts, result.Failed,
			len(result.Intents), formatDuration(result.Duration))
		return nil
	},
}
