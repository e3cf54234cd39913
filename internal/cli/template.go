package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/templates"
)

var (
	templateImportBuiltin bool
	templateImportSearch  bool
	templateListTag       string
	templateListBase      string
	templateRenderVars    []string
	templateTestName      string
	templateTestMetric    string
	templateTestTraffic   int
	templateTestVariants  []string
	templateTestStart     bool
	templateResolveSeq    string
	templateResolveStep   string
	templateDeleteForce   bool
)

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(templateImportCmd)
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateShowCmd)
	templateCmd.AddCommand(templateRenderCmd)
	templateCmd.AddCommand(templateTestCmd)
	templateCmd.AddCommand(templateResolveCmd)
	templateCmd.AddCommand(templateDeleteCmd)

	templateImportCmd.Flags().BoolVar(&templateImportBuiltin, "builtin", false, "import the built-in templates")
	templateImportCmd.Flags().BoolVar(&templateImportSearch, "search", false, "import from .cadence/templates, ~/.config/cadence/templates and the built-ins")
	templateListCmd.Flags().StringVar(&templateListTag, "tag", "", "filter by tag")
	templateListCmd.Flags().StringVar(&templateListBase, "base", "", "list variant templates of a base template")
	templateRenderCmd.Flags().StringArrayVar(&templateRenderVars, "var", nil, "template variable (key=value, repeatable)")

	templateTestCmd.Flags().StringVar(&templateTestName, "name", "", "experiment name")
	templateTestCmd.Flags().StringVar(&templateTestMetric, "metric", "", "primary metric (open_rate, click_rate, conversion_rate)")
	templateTestCmd.Flags().IntVar(&templateTestTraffic, "traffic", -1, "percent of entities included in the test (default 100)")
	templateTestCmd.Flags().StringArrayVar(&templateTestVariants, "variant", nil, "variant id:weight[:template|file.yaml][:control] (repeatable)")
	templateTestCmd.Flags().BoolVar(&templateTestStart, "start", false, "start the test after creating it")

	templateResolveCmd.Flags().StringVar(&templateResolveSeq, "sequence", "", "resolve within a sequence step (with --step)")
	templateResolveCmd.Flags().StringVar(&templateResolveStep, "step", "", "step id within --sequence")
	templateDeleteCmd.Flags().BoolVar(&templateDeleteForce, "force", false, "delete without confirmation")
}

var templateCmd = &cobra.Command{
	Use:     "template",
	Aliases: []string{"tmpl", "templates"},
	Short:   "Manage message templates",
}

var templateImportCmd = &cobra.Command{
	Use:   "import [path...]",
	Short: "Import template files",
	Long:  "Import YAML templates from files or directories. Templates with an existing id are replaced.",
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := loadTemplateFiles(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return &PreflightError{
				Message:  "no templates to import",
				Hint:     "pass YAML files or directories, or use --builtin",
				NextStep: "cadence template import --builtin",
			}
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		step := startProgress(fmt.Sprintf("Importing %d templates", len(files)))
		n, err := services.Templates.Import(context.Background(), files)
		if err != nil {
			step.Fail(err)
			return err
		}
		step.Done()

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]int{"imported": n})
		}
		fmt.Fprintf(os.Stdout, "Imported %d templates\n", n)
		return nil
	},
}

func loadTemplateFiles(paths []string) ([]*templates.File, error) {
	var files []*templates.File
	if templateImportSearch {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		found, err := templates.LoadTemplatesFromSearchPaths(cwd)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	} else if templateImportBuiltin {
		builtins, err := templates.LoadBuiltinTemplates()
		if err != nil {
			return nil, err
		}
		files = append(files, builtins...)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			found, err := templates.LoadTemplatesFromDir(path)
			if err != nil {
				return nil, err
			}
			files = append(files, found...)
			continue
		}
		f, err := templates.LoadTemplate(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		list, err := services.Templates.List(context.Background(), db.TemplateQuery{Tag: templateListTag, BaseID: templateListBase})
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stdout, "No templates found.")
			return nil
		}

		subjectWidth := terminalWidth(120) - 70
		rows := make([][]string, 0, len(list))
		for _, tmpl := range list {
			rows = append(rows, []string{
				tmpl.ID,
				templateSourceLabel(tmpl.Source),
				orDash(strings.Join(tmpl.Tags, ",")),
				orDash(tmpl.BaseID),
				truncate(orDash(tmpl.Subject), subjectWidth),
			})
		}
		return writeTable(os.Stdout, []string{"ID", "SOURCE", "TAGS", "BASE", "SUBJECT"}, rows)
	},
}

var templateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		tmpl, err := services.Templates.GetTemplate(context.Background(), args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, tmpl)
		}

		fmt.Fprintf(os.Stdout, "%s (%s)\n", bold(tmpl.Name), templateSourceLabel(tmpl.Source))
		fmt.Fprintf(os.Stdout, "ID:      %s\n", tmpl.ID)
		if tmpl.BaseID != "" {
			fmt.Fprintf(os.Stdout, "Base:    %s\n", tmpl.BaseID)
		}
		if len(tmpl.Tags) > 0 {
			fmt.Fprintf(os.Stdout, "Tags:    %s\n", strings.Join(tmpl.Tags, ", "))
		}
		fmt.Fprintf(os.Stdout, "Subject: %s\n", tmpl.Subject)
		if len(tmpl.Variables) > 0 {
			fmt.Fprintln(os.Stdout, "Variables:")
			for _, v := range tmpl.Variables {
				line := "  " + v.Name
				if v.Required {
					line += " (required)"
				}
				if v.Default != "" {
					line += " default=" + v.Default
				}
				if v.Description != "" {
					line += "  " + colorize(v.Description, colorGray)
				}
				fmt.Fprintln(os.Stdout, line)
			}
		}
		fmt.Fprintln(os.Stdout)
		fmt.Fprintln(os.Stdout, tmpl.Body)
		return nil
	},
}

var templateRenderCmd = &cobra.Command{
	Use:   "render <id>",
	Short: "Render a template with variables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseKeyValues(templateRenderVars)
		if err != nil {
			return err
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		tmpl, err := services.Templates.GetTemplate(context.Background(), args[0])
		if err != nil {
			return err
		}
		rendered, err := templates.RenderTemplate(tmpl, vars)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, rendered)
		}
		if rendered.Subject != "" {
			fmt.Fprintf(os.Stdout, "Subject: %s\n\n", rendered.Subject)
		}
		fmt.Fprintln(os.Stdout, rendered.Body)
		return nil
	},
}

var templateTestCmd = &cobra.Command{
	Use:   "test <base-template-id>",
	Short: "Create an A/B test on a template",
	Long: `Create an experiment on a base template. Each --variant names an
existing template or a YAML template file that is registered as a variant
of the base:

  cadence template test welcome \
    --variant control:50::control \
    --variant short:50:./welcome-short.yaml --start

Once running, every resolution of the base template is assigned a variant.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, err := parseVariantFlags(templateTestVariants)
		if err != nil {
			return err
		}
		if len(flags) == 0 {
			return &PreflightError{
				Message:  "at least one --variant is required",
				NextStep: fmt.Sprintf("cadence template test %s --variant control:50::control --variant b:50:other-template", args[0]),
			}
		}
		metric, err := parseMetric(templateTestMetric)
		if err != nil {
			return err
		}
		specs, err := variantSpecs(flags)
		if err != nil {
			return err
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		ctx := context.Background()
		exp, err := services.Templates.CreateTemplateTest(ctx, args[0], specs, experiments.Options{
			Name:              templateTestName,
			PrimaryMetric:     metric,
			TrafficAllocation: trafficFlag(templateTestTraffic),
		})
		if err != nil {
			return err
		}
		if templateTestStart {
			if exp, err = services.Experiments.StartTest(ctx, exp.ID); err != nil {
				return err
			}
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, exp)
		}
		return writeExperimentDetail(exp)
	},
}

// variantSpecs turns parsed flags into registry specs. A template part that
// names a YAML file is loaded as inline variant content.
func variantSpecs(flags []variantFlag) ([]templates.VariantSpec, error) {
	specs := make([]templates.VariantSpec, 0, len(flags))
	for _, f := range flags {
		spec := templates.VariantSpec{ID: f.ID, Weight: f.Weight, IsControl: f.IsControl, TemplateID: f.TemplateID}
		switch strings.ToLower(filepath.Ext(f.TemplateID)) {
		case ".yaml", ".yml":
			file, err := templates.LoadTemplate(f.TemplateID)
			if err != nil {
				return nil, fmt.Errorf("variant %s: %w", f.ID, err)
			}
			spec.TemplateID = ""
			spec.Template = file.ToModel()
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

var templateResolveCmd = &cobra.Command{
	Use:   "resolve <base-template-id> <entity-key>",
	Short: "Show which template an entity receives",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		ctx := context.Background()
		scope := experiments.Scope{SequenceID: templateResolveSeq, StepID: templateResolveStep}
		if templateResolveSeq != "" {
			seq, err := services.Sequences.Get(ctx, templateResolveSeq)
			if err != nil {
				return err
			}
			scope.LineageID = seq.LineageID
		}
		res, err := services.Templates.GetTemplateForUser(ctx, args[0], args[1], scope)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]any{
				"template":      res.Template,
				"experiment_id": res.ExperimentID,
				"variant_id":    res.VariantID,
			})
		}
		fmt.Fprintf(os.Stdout, "Template:   %s\n", res.Template.ID)
		fmt.Fprintf(os.Stdout, "Experiment: %s\n", orDash(res.ExperimentID))
		fmt.Fprintf(os.Stdout, "Variant:    %s\n", orDash(res.VariantID))
		return nil
	},
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a template",
	Long:  "Delete a template. Sequences whose email steps reference it fail when they reach that step.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !templateDeleteForce {
			if SkipConfirmation() {
				return fmt.Errorf("refusing to delete %s without --force", args[0])
			}
			if !confirm(fmt.Sprintf("Delete template '%s'?", args[0])) {
				fmt.Fprintln(os.Stderr, "Cancelled.")
				return nil
			}
		}

		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		if err := services.Templates.Delete(context.Background(), args[0]); err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]string{"deleted": args[0]})
		}
		fmt.Fprintf(os.Stdout, "Deleted template %s\n", args[0])
		return nil
	},
}

func templateSourceLabel(src models.TemplateSource) string {
	if src == "" {
		return "-"
	}
	return string(src)
}
