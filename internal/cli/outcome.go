package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/daemon"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/outcomes"
)

var (
	outcomeID         string
	outcomeEntity     string
	outcomeLead       string
	outcomeEnrollment string
	outcomeExperiment string
	outcomeAt         string
	outcomeRemote     bool
	outcomeAsync      bool
)

func init() {
	rootCmd.AddCommand(outcomeCmd)
	outcomeCmd.AddCommand(outcomeRecordCmd)

	flags := outcomeRecordCmd.Flags()
	flags.StringVar(&outcomeID, "id", "", "event id for idempotent redelivery (default random)")
	flags.StringVar(&outcomeEntity, "entity", "", "entity key used for experiment assignment (default the lead id)")
	flags.StringVar(&outcomeLead, "lead", "", "lead id")
	flags.StringVar(&outcomeEnrollment, "enrollment", "", "enrollment id")
	flags.StringVar(&outcomeExperiment, "experiment", "", "experiment id to count the outcome against")
	flags.StringVar(&outcomeAt, "at", "", "when the outcome occurred (RFC 3339, default now)")
	flags.BoolVar(&outcomeRemote, "remote", false, "record through the running daemon")
	flags.BoolVar(&outcomeAsync, "async", false, "with --remote, queue the event instead of waiting for it to apply")
}

var outcomeCmd = &cobra.Command{
	Use:     "outcome",
	Aliases: []string{"outcomes"},
	Short:   "Record engagement outcomes",
}

var outcomeRecordCmd = &cobra.Command{
	Use:   "record <sent|open|click|conversion|reply>",
	Short: "Record one outcome event",
	Long: `Apply an outcome to the lead's active enrollments and, with --experiment,
count it against the entity's variant. Replies and conversions stop
enrollments whose sequence asks for it. Events are applied once per --id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := buildOutcomeEvent(args[0])
		if err != nil {
			return err
		}

		if outcomeRemote {
			var resp map[string]any
			req := map[string]any{"event": ev, "async": outcomeAsync}
			if err := callDaemon(daemon.MethodRecordOutcome, req, &resp); err != nil {
				return err
			}
			return WriteOutput(os.Stdout, resp)
		}

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		result, err := rt.consumer.Handle(context.Background(), ev)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, result)
		}
		writeOutcomeResult(result)
		return nil
	},
}

func buildOutcomeEvent(kind string) (*models.OutcomeEvent, error) {
	ev := &models.OutcomeEvent{
		ID:           strings.TrimSpace(outcomeID),
		EntityKey:    strings.TrimSpace(outcomeEntity),
		LeadID:       strings.TrimSpace(outcomeLead),
		EnrollmentID: strings.TrimSpace(outcomeEnrollment),
		ExperimentID: strings.TrimSpace(outcomeExperiment),
		Event:        models.OutcomeType(strings.ToLower(kind)),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EntityKey == "" {
		ev.EntityKey = ev.LeadID
	}
	if outcomeAt != "" {
		at, err := time.Parse(time.RFC3339, outcomeAt)
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		ev.OccurredAt = at
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func writeOutcomeResult(result *outcomes.Result) {
	if result.Duplicate {
		fmt.Fprintf(os.Stdout, "Event %s was already applied\n", result.EventID)
		return
	}
	fmt.Fprintf(os.Stdout, "Event %s: %d enrollments updated, %d stopped\n", result.EventID, result.Updated, result.Stopped)
	if result.Recorded {
		fmt.Fprintf(os.Stdout, "Counted against variant %s\n", result.VariantID)
	}
}
