package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/sequences"
)

var (
	sequenceImportBuiltin bool
	sequenceImportSearch  bool
	sequenceListStatus    string
	sequenceListAll       bool
	sequenceListLimit     int
)

func init() {
	rootCmd.AddCommand(sequenceCmd)
	sequenceCmd.AddCommand(sequenceImportCmd)
	sequenceCmd.AddCommand(sequenceValidateCmd)
	sequenceCmd.AddCommand(sequenceVersionCmd)
	sequenceCmd.AddCommand(sequenceListCmd)
	sequenceCmd.AddCommand(sequenceShowCmd)
	sequenceCmd.AddCommand(sequenceStatusCmd)

	sequenceImportCmd.Flags().BoolVar(&sequenceImportBuiltin, "builtin", false, "import the built-in sequences")
	sequenceImportCmd.Flags().BoolVar(&sequenceImportSearch, "search", false, "import from .cadence/sequences, ~/.config/cadence/sequences and the built-ins")
	sequenceListCmd.Flags().StringVar(&sequenceListStatus, "status", "", "filter by status (draft, active, paused, archived)")
	sequenceListCmd.Flags().BoolVar(&sequenceListAll, "all-versions", false, "include superseded versions")
	sequenceListCmd.Flags().IntVar(&sequenceListLimit, "limit", 100, "maximum sequences to list")
}

var sequenceCmd = &cobra.Command{
	Use:     "sequence",
	Aliases: []string{"seq", "sequences"},
	Short:   "Manage sequence definitions",
}

var sequenceImportCmd = &cobra.Command{
	Use:   "import [path...]",
	Short: "Import sequence definitions",
	Long:  "Import YAML sequence definitions from files or directories. Each import creates a new sequence lineage.",
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := loadDefinitions(args)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			return &PreflightError{
				Message:  "no sequence definitions to import",
				Hint:     "pass YAML files or directories, or use --builtin",
				NextStep: "cadence sequence import --builtin",
			}
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		ctx := context.Background()
		imported := make([]*models.Sequence, 0, len(defs))
		for _, def := range defs {
			step := startProgress(fmt.Sprintf("Importing %s", def.Name))
			seq, err := services.Sequences.Import(ctx, def)
			if err != nil {
				step.Fail(err)
				return fmt.Errorf("import %s (%s): %w", def.Name, def.Source, err)
			}
			step.Done()
			imported = append(imported, seq)
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, imported)
		}
		return writeSequenceTable(imported)
	},
}

func loadDefinitions(paths []string) ([]*sequences.Definition, error) {
	var defs []*sequences.Definition
	if sequenceImportSearch {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		found, err := sequences.LoadSequencesFromSearchPaths(cwd)
		if err != nil {
			return nil, err
		}
		defs = append(defs, found...)
	} else if sequenceImportBuiltin {
		builtins, err := sequences.LoadBuiltinSequences()
		if err != nil {
			return nil, err
		}
		defs = append(defs, builtins...)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			found, err := sequences.LoadSequencesFromDir(path)
			if err != nil {
				return nil, err
			}
			defs = append(defs, found...)
			continue
		}
		def, err := sequences.LoadSequence(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

var sequenceValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a sequence definition without storing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := sequences.LoadSequence(args[0])
		if err != nil {
			return err
		}
		seq, err := def.ToSequence()
		if err != nil {
			return &models.InvalidSequenceError{Reason: err.Error()}
		}
		if err := sequences.Validate(seq); err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, seq)
		}
		fmt.Fprintf(os.Stdout, "%s is valid (%d steps, first step %s)\n", args[0], len(seq.Steps), seq.FirstStepID)
		return nil
	},
}

var sequenceVersionCmd = &cobra.Command{
	Use:   "version <previous-id> <path>",
	Short: "Create a new version of a sequence",
	Long: `Store a definition as the next version of an existing lineage. Running
enrollments keep the version they started on; new enrollments use the new one.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := sequences.LoadSequence(args[1])
		if err != nil {
			return err
		}
		seq, err := def.ToSequence()
		if err != nil {
			return &models.InvalidSequenceError{Reason: err.Error()}
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		created, err := services.Sequences.CreateVersion(context.Background(), args[0], seq)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, created)
		}
		fmt.Fprintf(os.Stdout, "Created %s version %d (%s)\n", created.Name, created.Version, created.ID)
		return nil
	},
}

var sequenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sequences",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := db.SequenceQuery{LatestOnly: !sequenceListAll, Limit: sequenceListLimit}
		if sequenceListStatus != "" {
			st := models.SequenceStatus(sequenceListStatus)
			if !st.Valid() {
				return fmt.Errorf("unknown sequence status %q", sequenceListStatus)
			}
			q.Status = &st
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		list, err := services.Sequences.List(context.Background(), q)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stdout, "No sequences found.")
			return nil
		}
		return writeSequenceTable(list)
	},
}

func writeSequenceTable(list []*models.Sequence) error {
	descWidth := terminalWidth(120) - 90
	rows := make([][]string, 0, len(list))
	for _, seq := range list {
		rows = append(rows, []string{
			seq.ID,
			seq.Name,
			strconv.Itoa(seq.Version),
			formatSequenceStatus(seq.Status),
			strconv.Itoa(len(seq.Steps)),
			truncate(orDash(seq.Description), descWidth),
		})
	}
	return writeTable(os.Stdout, []string{"ID", "NAME", "VERSION", "STATUS", "STEPS", "DESCRIPTION"}, rows)
}

var sequenceShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a sequence and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		seq, err := services.Sequences.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, seq)
		}

		fmt.Fprintf(os.Stdout, "%s %s (version %d)\n", bold(seq.Name), formatSequenceStatus(seq.Status), seq.Version)
		fmt.Fprintf(os.Stdout, "ID:        %s\n", seq.ID)
		fmt.Fprintf(os.Stdout, "Lineage:   %s\n", seq.LineageID)
		if seq.SupersededBy != "" {
			fmt.Fprintf(os.Stdout, "Superseded by: %s\n", seq.SupersededBy)
		}
		fmt.Fprintf(os.Stdout, "Timezone:  %s\n", orDash(seq.Settings.Timezone))
		fmt.Fprintf(os.Stdout, "Stops on:  reply=%s conversion=%s\n",
			formatYesNo(seq.Settings.StopOnReply), formatYesNo(seq.Settings.StopOnConversion))
		fmt.Fprintln(os.Stdout)

		ids := make([]string, 0, len(seq.Steps))
		for id := range seq.Steps {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			step := seq.Steps[id]
			first := ""
			if id == seq.FirstStepID {
				first = "*"
			}
			rows = append(rows, []string{first + id, string(step.Type()), orDash(stepDetail(step))})
		}
		return writeTable(os.Stdout, []string{"STEP", "TYPE", "DETAIL"}, rows)
	},
}

func stepDetail(step models.Step) string {
	switch cfg := step.Config.(type) {
	case models.EmailConfig:
		return fmt.Sprintf("template=%s next=%v", cfg.TemplateID, step.Next)
	case models.WaitConfig:
		return fmt.Sprintf("duration=%s skip_weekends=%s next=%v", cfg.Duration, formatYesNo(cfg.SkipWeekends), step.Next)
	case models.ConditionConfig:
		return fmt.Sprintf("conditions=%d true=%s false=%s", len(cfg.Conditions), orDash(cfg.TrueStep), orDash(cfg.FalseStep))
	case models.WebhookConfig:
		return fmt.Sprintf("%s %s next=%v", cfg.Method, cfg.URL, step.Next)
	case models.GoalConfig:
		return "goal=" + cfg.Name
	}
	return ""
}

var sequenceStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Change a sequence's status",
	Long:  "Move a sequence between draft, active, paused and archived. Paused sequences do not advance their enrollments.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		seq, err := services.Sequences.SetStatus(context.Background(), args[0], models.SequenceStatus(args[1]))
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, seq)
		}
		fmt.Fprintf(os.Stdout, "Sequence %s is now %s\n", seq.ID, formatSequenceStatus(seq.Status))
		return nil
	},
}
