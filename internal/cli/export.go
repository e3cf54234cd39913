package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/models"
)

var (
	exportEventsType   string
	exportEventsEntity string
	exportEventsID     string
	exportEventsSince  string
	exportEventsLimit  int
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportStatusCmd)
	exportCmd.AddCommand(exportEventsCmd)

	exportEventsCmd.Flags().StringVar(&exportEventsType, "type", "", "filter by event type (e.g. enrollment.advanced)")
	exportEventsCmd.Flags().StringVar(&exportEventsEntity, "entity-type", "", "filter by entity type (sequence, enrollment, experiment, template)")
	exportEventsCmd.Flags().StringVar(&exportEventsID, "entity-id", "", "filter by entity id")
	exportEventsCmd.Flags().StringVar(&exportEventsSince, "since", "", "only events after this duration ago (e.g. 24h) or RFC 3339 time")
	exportEventsCmd.Flags().IntVar(&exportEventsLimit, "limit", 0, "maximum events to export (default all)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export Cadence data",
	Long:  "Export Cadence state for automation or reporting.",
}

var exportStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Export full status",
	Long:  "Export full status as JSON: sequences, templates, experiments and enrollment counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		seqs, err := services.Sequences.List(ctx, db.SequenceQuery{LatestOnly: true, Limit: 10000})
		if err != nil {
			return fmt.Errorf("failed to list sequences: %w", err)
		}
		tmpls, err := services.Templates.List(ctx, db.TemplateQuery{Limit: 10000})
		if err != nil {
			return fmt.Errorf("failed to list templates: %w", err)
		}
		exps, err := services.Experiments.List(ctx, db.ExperimentQuery{Limit: 10000})
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}
		counts, err := db.NewEnrollmentRepository(services.DB).CountByStatus(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to count enrollments: %w", err)
		}

		status := ExportStatus{
			Sequences:   nonNilSlice(seqs),
			Templates:   nonNilSlice(tmpls),
			Experiments: nonNilSlice(exps),
			Enrollments: counts,
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, status)
		}

		running := 0
		for _, exp := range exps {
			if exp.Status == models.ExperimentStatusRunning {
				running++
			}
		}
		writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintf(writer, "Sequences:\t%d\n", len(seqs))
		fmt.Fprintf(writer, "Templates:\t%d\n", len(tmpls))
		fmt.Fprintf(writer, "Experiments:\t%d (%d running)\n", len(exps), running)
		for _, st := range []models.EnrollmentStatus{
			models.EnrollmentStatusActive,
			models.EnrollmentStatusCompleted,
			models.EnrollmentStatusStopped,
			models.EnrollmentStatusFailed,
		} {
			fmt.Fprintf(writer, "Enrollments %s:\t%d\n", st, counts[st])
		}
		if err := writer.Flush(); err != nil {
			return err
		}

		fmt.Println("Use --json or --jsonl for full export output.")
		return nil
	},
}

// ExportStatus is the payload returned by `cadence export status`.
type ExportStatus struct {
	Sequences   []*models.Sequence              `json:"sequences"`
	Templates   []*models.Template              `json:"templates"`
	Experiments []*models.Experiment            `json:"experiments"`
	Enrollments map[models.EnrollmentStatus]int `json:"enrollments"`
}

var exportEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Export the event log",
	Long:  "Export events oldest first. Combine with --jsonl to stream one event per line.",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := db.EventQuery{}
		if exportEventsType != "" {
			t := models.EventType(exportEventsType)
			q.Type = &t
		}
		if exportEventsEntity != "" {
			et := models.EntityType(exportEventsEntity)
			q.EntityType = &et
		}
		if exportEventsID != "" {
			q.EntityID = &exportEventsID
		}
		if exportEventsSince != "" {
			since, err := parseSince(exportEventsSince, time.Now())
			if err != nil {
				return err
			}
			q.Since = &since
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		var events []*models.Event
		for {
			q.Limit = 500
			if exportEventsLimit > 0 && exportEventsLimit-len(events) < q.Limit {
				q.Limit = exportEventsLimit - len(events)
			}
			page, err := services.Events.Query(context.Background(), q)
			if err != nil {
				return err
			}
			events = append(events, page.Events...)
			if page.NextCursor == "" || (exportEventsLimit > 0 && len(events) >= exportEventsLimit) {
				break
			}
			q.Cursor = page.NextCursor
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, nonNilSlice(events))
		}
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, []string{formatTime(ev.Timestamp), string(ev.Type), string(ev.EntityType), ev.EntityID})
		}
		return writeTable(os.Stdout, []string{"TIME", "TYPE", "ENTITY", "ID"}, rows)
	},
}

// parseSince accepts a duration back from now or an absolute RFC 3339 time.
func parseSince(value string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q (expected a duration like 24h or an RFC 3339 time)", value)
	}
	return t, nil
}

func nonNilSlice[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
