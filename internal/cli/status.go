package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemon.Dial(daemonAddr())
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()
		status, err := client.Status(ctx)
		if err != nil {
			return &PreflightError{
				Message:  fmt.Sprintf("daemon at %s is not reachable: %v", daemonAddr(), err),
				Hint:     "start it with cadence serve",
				NextStep: "cadence serve",
			}
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, status)
		}

		fmt.Fprintf(os.Stdout, "%s %s on %s, up %s\n", bold("cadence"), status.Version, orDash(status.Hostname), status.Uptime)
		if s := status.Scheduler; s != nil {
			state := colorize("running", colorGreen)
			switch {
			case !s.Running:
				state = colorize("stopped", colorRed)
			case s.Paused:
				state = colorize("paused", colorYellow)
			}
			fmt.Fprintf(os.Stdout, "Scheduler: %s, %d ticks, %d advanced, %d skipped, %d conflicts, %d failed\n",
				state, s.Ticks, s.Advanced, s.Skipped, s.Conflicts, s.Failed)
			fmt.Fprintf(os.Stdout, "Intents:   %d dispatched, %d failed\n", s.IntentsDispatched, s.IntentsFailed)
			if s.LastTickAt != nil {
				fmt.Fprintf(os.Stdout, "Last tick: %s\n", formatTime(*s.LastTickAt))
			}
		}

		names := make([]string, 0, len(status.Health))
		for name := range status.Health {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(os.Stdout)
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			state := status.Health[name]
			if state == "ok" {
				state = colorize(state, colorGreen)
			} else {
				state = colorize(state, colorRed)
			}
			rows = append(rows, []string{name, state})
		}
		if err := writeTable(os.Stdout, []string{"CHECK", "STATE"}, rows); err != nil {
			return err
		}

		if len(status.RateLimit) > 0 {
			fmt.Fprintln(os.Stdout)
			rows = rows[:0]
			for _, m := range status.RateLimit {
				rows = append(rows, []string{m.Method, strconv.FormatInt(m.TotalRequests, 10), strconv.FormatInt(m.DeniedRequests, 10)})
			}
			return writeTable(os.Stdout, []string{"METHOD", "REQUESTS", "DENIED"}, rows)
		}
		return nil
	},
}
