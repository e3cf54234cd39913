package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/models"
)

var (
	experimentName       string
	experimentTemplate   string
	experimentSequence   string
	experimentStep       string
	experimentMetric     string
	experimentTraffic    int
	experimentVariants   []string
	experimentListStatus string
	experimentListLimit  int
)

func init() {
	rootCmd.AddCommand(experimentCmd)
	experimentCmd.AddCommand(experimentCreateCmd)
	experimentCmd.AddCommand(experimentListCmd)
	experimentCmd.AddCommand(experimentShowCmd)
	experimentCmd.AddCommand(experimentTransitionCmd("start", "Start a draft experiment", (*experiments.Manager).StartTest))
	experimentCmd.AddCommand(experimentTransitionCmd("pause", "Pause a running experiment", (*experiments.Manager).PauseTest))
	experimentCmd.AddCommand(experimentTransitionCmd("resume", "Resume a paused experiment", (*experiments.Manager).ResumeTest))
	experimentCmd.AddCommand(experimentTransitionCmd("complete", "Complete an experiment", (*experiments.Manager).CompleteTest))
	experimentCmd.AddCommand(experimentResultsCmd)
	experimentCmd.AddCommand(experimentAssignCmd)

	experimentCreateCmd.Flags().StringVar(&experimentName, "name", "", "experiment name")
	experimentCreateCmd.Flags().StringVar(&experimentTemplate, "template", "", "base template the experiment applies to")
	experimentCreateCmd.Flags().StringVar(&experimentSequence, "sequence", "", "sequence id for a step-scoped experiment")
	experimentCreateCmd.Flags().StringVar(&experimentStep, "step", "", "step id for a step-scoped experiment")
	experimentCreateCmd.Flags().StringVar(&experimentMetric, "metric", "", "primary metric (open_rate, click_rate, conversion_rate)")
	experimentCreateCmd.Flags().IntVar(&experimentTraffic, "traffic", -1, "percent of entities included (default 100)")
	experimentCreateCmd.Flags().StringArrayVar(&experimentVariants, "variant", nil, "variant id:weight:template[:control] (repeatable)")

	experimentListCmd.Flags().StringVar(&experimentListStatus, "status", "", "filter by status (draft, running, paused, completed)")
	experimentListCmd.Flags().StringVar(&experimentTemplate, "template", "", "filter by template")
	experimentListCmd.Flags().StringVar(&experimentSequence, "sequence", "", "filter by sequence")
	experimentListCmd.Flags().IntVar(&experimentListLimit, "limit", 100, "maximum experiments to list")
}

var experimentCmd = &cobra.Command{
	Use:     "experiment",
	Aliases: []string{"exp", "experiments"},
	Short:   "Manage A/B experiments",
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft experiment",
	Long: `Create an experiment scoped to a template (--template) or to one step of
a sequence (--sequence and --step). Variants reference existing templates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, err := parseVariantFlags(experimentVariants)
		if err != nil {
			return err
		}
		metric, err := parseMetric(experimentMetric)
		if err != nil {
			return err
		}
		variants := make([]models.Variant, 0, len(flags))
		for _, f := range flags {
			variants = append(variants, models.Variant{
				ID:         f.ID,
				Name:       f.ID,
				TemplateID: f.TemplateID,
				Weight:     f.Weight,
				IsControl:  f.IsControl,
			})
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		exp, err := services.Experiments.CreateTest(context.Background(), experiments.CreateTestRequest{
			Options: experiments.Options{
				Name:              experimentName,
				PrimaryMetric:     metric,
				TrafficAllocation: trafficFlag(experimentTraffic),
			},
			TemplateID: experimentTemplate,
			SequenceID: experimentSequence,
			StepID:     experimentStep,
			Variants:   variants,
		})
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, exp)
		}
		return writeExperimentDetail(exp)
	},
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := db.ExperimentQuery{TemplateID: experimentTemplate, SequenceID: experimentSequence, Limit: experimentListLimit}
		if experimentListStatus != "" {
			st := models.ExperimentStatus(experimentListStatus)
			q.Status = &st
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		list, err := services.Experiments.List(context.Background(), q)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stdout, "No experiments found.")
			return nil
		}

		rows := make([][]string, 0, len(list))
		for _, exp := range list {
			scope := exp.TemplateID
			if exp.StepScoped() {
				scope = exp.SequenceID + "/" + exp.StepID
			}
			rows = append(rows, []string{
				exp.ID,
				truncate(exp.Name, 32),
				formatExperimentStatus(exp.Status),
				orDash(scope),
				string(exp.PrimaryMetric),
				strconv.Itoa(len(exp.Variants)),
				strconv.Itoa(exp.TrafficAllocation) + "%",
			})
		}
		return writeTable(os.Stdout, []string{"ID", "NAME", "STATUS", "SCOPE", "METRIC", "VARIANTS", "TRAFFIC"}, rows)
	},
}

var experimentShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		exp, err := services.Experiments.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, exp)
		}
		return writeExperimentDetail(exp)
	},
}

func experimentTransitionCmd(use, short string, fn func(*experiments.Manager, context.Context, string) (*models.Experiment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, closeDB, err := openServices()
			if err != nil {
				return err
			}
			defer closeDB()

			exp, err := fn(services.Experiments, context.Background(), args[0])
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(os.Stdout, exp)
			}
			fmt.Fprintf(os.Stdout, "Experiment %s is now %s\n", exp.ID, formatExperimentStatus(exp.Status))
			return nil
		},
	}
}

var experimentResultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show per-variant counts and rates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		results, err := services.Experiments.GetResults(context.Background(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, results)
		}
		return writeResults(results)
	},
}

func writeResults(results *models.ExperimentResults) error {
	fmt.Fprintf(os.Stdout, "%s %s (metric %s)\n\n", bold(results.Name), formatExperimentStatus(results.Status), results.PrimaryMetric)
	rows := make([][]string, 0, len(results.Variants))
	for _, v := range results.Variants {
		id := v.ID
		if v.IsControl {
			id += " (control)"
		}
		if v.ID == results.LeaderID {
			id = colorize(id+" *", colorGreen)
		}
		rows = append(rows, []string{
			id,
			strconv.FormatInt(v.Counters.Sent, 10),
			strconv.FormatInt(v.Counters.Opens, 10),
			strconv.FormatInt(v.Counters.Clicks, 10),
			strconv.FormatInt(v.Counters.Conversions, 10),
			formatRate(v.OpenRate),
			formatRate(v.ClickRate),
			formatRate(v.ConversionRate),
		})
	}
	return writeTable(os.Stdout, []string{"VARIANT", "SENT", "OPENS", "CLICKS", "CONVERSIONS", "OPEN", "CLICK", "CONVERSION"}, rows)
}

func formatRate(rate float64) string {
	return strconv.FormatFloat(rate*100, 'f', 1, 64) + "%"
}

var experimentAssignCmd = &cobra.Command{
	Use:   "assign <id> <entity-key>",
	Short: "Show the variant an entity is assigned",
	Long:  "Assignment is deterministic: the same entity always lands in the same variant of an experiment.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		variant, err := services.Experiments.Assign(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, variant)
		}
		fmt.Fprintf(os.Stdout, "%s -> %s (template %s)\n", args[1], variant.ID, variant.TemplateID)
		return nil
	},
}

func writeExperimentDetail(exp *models.Experiment) error {
	fmt.Fprintf(os.Stdout, "%s %s\n", bold(exp.Name), formatExperimentStatus(exp.Status))
	fmt.Fprintf(os.Stdout, "ID:       %s\n", exp.ID)
	if exp.StepScoped() {
		fmt.Fprintf(os.Stdout, "Scope:    sequence %s step %s\n", exp.SequenceID, exp.StepID)
	} else {
		fmt.Fprintf(os.Stdout, "Scope:    template %s\n", exp.TemplateID)
	}
	fmt.Fprintf(os.Stdout, "Metric:   %s\n", exp.PrimaryMetric)
	fmt.Fprintf(os.Stdout, "Traffic:  %d%%\n", exp.TrafficAllocation)
	if exp.StartedAt != nil {
		fmt.Fprintf(os.Stdout, "Started:  %s\n", formatTime(*exp.StartedAt))
	}
	if exp.CompletedAt != nil {
		fmt.Fprintf(os.Stdout, "Completed: %s\n", formatTime(*exp.CompletedAt))
	}
	fmt.Fprintln(os.Stdout)

	rows := make([][]string, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		rows = append(rows, []string{v.ID, v.TemplateID, strconv.Itoa(v.Weight), formatYesNo(v.IsControl)})
	}
	return writeTable(os.Stdout, []string{"VARIANT", "TEMPLATE", "WEIGHT", "CONTROL"}, rows)
}
