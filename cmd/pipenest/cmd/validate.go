package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meow-stack/pipenest/internal/logging"
	"github.com/meow-stack/pipenest/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate <pipeline>",
	Short: "Validate a pipeline without running it",
	Long: `Validate a pipeline and every pipeline file it references.

Checks:
- YAML, JSON or TOML syntax
- Required fields
- Unique step names
- Registered step types
- Nested step configuration (pipeline or pipeline_file, outputs)

Circular references are only detected when the pipeline runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	logger, closer, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	eng, err := newEngine(cfg, dir, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	def, err := eng.loader.Load(resolveRef(dir, args[0]), "")
	if err != nil {
		return fmt.Errorf("loading pipeline: %w", err)
	}

	out := cmd.OutOrStdout()
	problems := pipeline.ValidateTree(def, eng.orch.Registry(), eng.loader)
	if len(problems) == 0 {
		fmt.Fprintf(out, "✓ %s is valid\n", def.Name)
		return nil
	}

	for _, p := range problems {
		fmt.Fprintf(out, "✗ %v\n", p)
	}
	return fmt.Errorf("%s: %d problem(s) found", def.Name, len(problems))
}
