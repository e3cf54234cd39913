package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/daemon"
	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/scheduler"
)

var (
	enrollLeadID string
	enrollEmail  string
	enrollStatus string
	enrollSource string
	enrollFields []string
	enrollRemote bool

	enrollmentListLead      string
	enrollmentListSequence  string
	enrollmentListStatus    string
	enrollmentListLimit     int
	enrollmentStopReason    string
	enrollmentAdvanceRemote bool
)

func init() {
	rootCmd.AddCommand(enrollCmd)
	enrollCmd.Flags().StringVar(&enrollLeadID, "lead-id", "", "lead id (required)")
	enrollCmd.Flags().StringVar(&enrollEmail, "email", "", "lead email")
	enrollCmd.Flags().StringVar(&enrollStatus, "status", "", "lead status")
	enrollCmd.Flags().StringVar(&enrollSource, "source", "", "lead source")
	enrollCmd.Flags().StringArrayVar(&enrollFields, "field", nil, "custom field key=value (repeatable, values typed as YAML)")
	enrollCmd.Flags().BoolVar(&enrollRemote, "remote", false, "enroll through the running daemon")

	rootCmd.AddCommand(enrollmentCmd)
	enrollmentCmd.AddCommand(enrollmentListCmd)
	enrollmentCmd.AddCommand(enrollmentShowCmd)
	enrollmentCmd.AddCommand(enrollmentStopCmd)
	enrollmentCmd.AddCommand(enrollmentAdvanceCmd)

	enrollmentListCmd.Flags().StringVar(&enrollmentListLead, "lead", "", "filter by lead id")
	enrollmentListCmd.Flags().StringVar(&enrollmentListSequence, "sequence", "", "filter by sequence id")
	enrollmentListCmd.Flags().StringVar(&enrollmentListStatus, "status", "", "filter by status (active, completed, stopped, failed)")
	enrollmentListCmd.Flags().IntVar(&enrollmentListLimit, "limit", 100, "maximum enrollments to list")
	enrollmentStopCmd.Flags().StringVar(&enrollmentStopReason, "reason", models.StopReasonManual, "stop reason")
	enrollmentAdvanceCmd.Flags().BoolVar(&enrollmentAdvanceRemote, "remote", false, "advance through the running daemon")
}

var enrollCmd = &cobra.Command{
	Use:   "enroll <sequence-id>",
	Short: "Enroll a lead into a sequence",
	Long: `Enroll a lead into an active sequence. The sequence's entry conditions
are checked against the lead, and a lead can be active in a sequence
lineage only once.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(enrollLeadID) == "" {
			return &PreflightError{
				Message:  "--lead-id is required",
				NextStep: fmt.Sprintf("cadence enroll %s --lead-id lead-1 --email ada@example.com", args[0]),
			}
		}
		fields, err := parseFields(enrollFields)
		if err != nil {
			return err
		}
		lead := &models.Lead{
			ID:           enrollLeadID,
			Email:        enrollEmail,
			Status:       enrollStatus,
			Source:       enrollSource,
			CustomFields: fields,
		}

		var enr *models.Enrollment
		if enrollRemote {
			var resp struct {
				Enrollment *models.Enrollment `json:"enrollment"`
			}
			req := map[string]any{"sequence_id": args[0], "lead": lead}
			if err := callDaemon(daemon.MethodEnrollLead, req, &resp); err != nil {
				return err
			}
			enr = resp.Enrollment
		} else {
			services, closeDB, err := openServices()
			if err != nil {
				return err
			}
			defer closeDB()
			if enr, err = services.Engine.EnrollLead(context.Background(), lead, args[0]); err != nil {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, enr)
		}
		fmt.Fprintf(os.Stdout, "Enrolled %s as %s (first step %s, due %s)\n",
			enr.LeadID, enr.ID, orDash(enr.CurrentStepID), formatTime(enr.NextEligibleAt))
		return nil
	},
}

var enrollmentCmd = &cobra.Command{
	Use:     "enrollment",
	Aliases: []string{"enrollments"},
	Short:   "Inspect and control enrollments",
}

var enrollmentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrollments",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := db.EnrollmentQuery{LeadID: enrollmentListLead, SequenceID: enrollmentListSequence, Limit: enrollmentListLimit}
		if enrollmentListStatus != "" {
			st := models.EnrollmentStatus(enrollmentListStatus)
			q.Status = &st
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		list, err := services.Engine.List(context.Background(), q)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stdout, "No enrollments found.")
			return nil
		}

		rows := make([][]string, 0, len(list))
		for _, enr := range list {
			next := formatTime(enr.NextEligibleAt)
			if enr.Status.IsTerminal() {
				next = "-"
			}
			rows = append(rows, []string{
				enr.ID,
				enr.LeadID,
				enr.SequenceID,
				orDash(enr.CurrentStepID),
				formatEnrollmentStatus(enr.Status),
				next,
			})
		}
		return writeTable(os.Stdout, []string{"ID", "LEAD", "SEQUENCE", "STEP", "STATUS", "NEXT"}, rows)
	},
}

var enrollmentShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an enrollment and its step history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		enr, err := services.Engine.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, enr)
		}
		return writeEnrollmentDetail(enr)
	},
}

func writeEnrollmentDetail(enr *models.Enrollment) error {
	fmt.Fprintf(os.Stdout, "%s %s\n", bold(enr.ID), formatEnrollmentStatus(enr.Status))
	fmt.Fprintf(os.Stdout, "Lead:      %s\n", enr.LeadID)
	fmt.Fprintf(os.Stdout, "Sequence:  %s (lineage %s)\n", enr.SequenceID, enr.LineageID)
	fmt.Fprintf(os.Stdout, "Step:      %s\n", orDash(enr.CurrentStepID))
	if !enr.Status.IsTerminal() {
		fmt.Fprintf(os.Stdout, "Next:      %s\n", formatTime(enr.NextEligibleAt))
	}
	if enr.StopReason != "" {
		fmt.Fprintf(os.Stdout, "Reason:    %s\n", enr.StopReason)
	}
	if len(enr.Context) > 0 {
		keys := make([]string, 0, len(enr.Context))
		for k := range enr.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(os.Stdout, "Context:")
		for _, k := range keys {
			fmt.Fprintf(os.Stdout, "  %s=%v\n", k, enr.Context[k])
		}
	}
	fmt.Fprintln(os.Stdout)

	rows := make([][]string, 0, len(enr.History))
	for _, h := range enr.History {
		exited := "-"
		if h.ExitedAt != nil {
			exited = formatTime(*h.ExitedAt)
		}
		rows = append(rows, []string{h.StepID, string(h.StepType), string(h.Outcome), formatTime(h.EnteredAt), exited, orDash(h.Detail)})
	}
	return writeTable(os.Stdout, []string{"STEP", "TYPE", "OUTCOME", "ENTERED", "EXITED", "DETAIL"}, rows)
}

var enrollmentStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop an active enrollment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		enr, err := services.Engine.Stop(context.Background(), args[0], enrollmentStopReason)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, enr)
		}
		fmt.Fprintf(os.Stdout, "Enrollment %s is now %s (%s)\n", enr.ID, formatEnrollmentStatus(enr.Status), enr.StopReason)
		return nil
	},
}

var enrollmentAdvanceCmd = &cobra.Command{
	Use:   "advance <id>",
	Short: "Advance one enrollment now",
	Long: `Advance an enrollment if it is due, dispatching any intents it emits.
An enrollment still waiting is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Event      scheduler.AdvanceEvent `json:"event"`
			Enrollment *models.Enrollment     `json:"enrollment"`
		}

		if enrollmentAdvanceRemote {
			if err := callDaemon(daemon.MethodAdvanceEnrollment, map[string]string{"id": args[0]}, &resp); err != nil {
				return err
			}
		} else {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := context.Background()
			if _, err := rt.services.Engine.Get(ctx, args[0]); err != nil {
				return err
			}
			resp.Event = rt.scheduler.Advance(ctx, args[0])
			if resp.Enrollment, err = rt.services.Engine.Get(ctx, args[0]); err != nil {
				return err
			}
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, resp)
		}
		line := fmt.Sprintf("%s: %s", args[0], resp.Event.Outcome)
		if resp.Event.Skipped != "" {
			line += " (" + string(resp.Event.Skipped) + ")"
		}
		if resp.Event.Intents > 0 {
			line += fmt.Sprintf(", %d intents", resp.Event.Intents)
		}
		if resp.Event.Error != "" {
			line += ": " + colorize(resp.Event.Error, colorRed)
		}
		fmt.Fprintln(os.Stdout, line)
		fmt.Fprintf(os.Stdout, "Now %s at step %s\n", formatEnrollmentStatus(resp.Enrollment.Status), orDash(resp.Enrollment.CurrentStepID))
		return nil
	},
}
