package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/meow-stack/pipenest/internal/logging"
	"github.com/meow-stack/pipenest/internal/orchestrator"
	"github.com/meow-stack/pipenest/internal/report"
)

var runCmd = &cobra.Command{
	Use:   "run <pipeline>",
	Short: "Run a pipeline",
	Long: `Load a pipeline file and execute it as a root pipeline.

The pipeline is looked up relative to the working directory, then in the
configured pipeline_dir. Nested pipeline_file references resolve relative
to the file that contains them.

Outputs are printed as YAML. When the run fails, a debug report with the
execution tree and an error analysis is printed instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runInputs      []string
	runTraceID     string
	runReport      bool
	runMetricsFile string
	runMaxDepth    int
	runMaxSteps    int
	runTimeout     time.Duration
)

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "root input (format: name=value, value parsed as YAML)")
	runCmd.Flags().StringVar(&runTraceID, "trace-id", "", "trace id (default: random)")
	runCmd.Flags().BoolVar(&runReport, "report", false, "print the debug report even when the run succeeds")
	runCmd.Flags().StringVar(&runMetricsFile, "metrics-file", "", "write Prometheus metrics to this file after the run")
	runCmd.Flags().IntVar(&runMaxDepth, "max-depth", 0, "override safety.max_depth")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "override safety.max_total_steps")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "override safety.timeout_seconds")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	if runMaxDepth > 0 {
		cfg.Safety.MaxDepth = runMaxDepth
	}
	if runMaxSteps > 0 {
		cfg.Safety.MaxTotalSteps = runMaxSteps
	}
	if runTimeout > 0 {
		cfg.Safety.TimeoutSeconds = int(runTimeout.Round(time.Second) / time.Second)
	}

	inputs, err := parseInputs(runInputs)
	if err != nil {
		return err
	}

	traceID := runTraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	logger, closer, err := logging.NewForRun(cfg, dir, traceID)
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
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("closing engine", "error", err)
		}
	}()

	def, err := eng.loader.Load(resolveRef(dir, args[0]), "")
	if err != nil {
		return fmt.Errorf("loading pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := eng.orch.Run(ctx, def, orchestrator.RunOptions{
		Inputs:  inputs,
		TraceID: traceID,
	})

	if runMetricsFile != "" {
		if err := eng.metrics.WriteFile(runMetricsFile); err != nil {
			logger.Warn("writing metrics file", "path", runMetricsFile, "error", err)
		}
	}

	out := cmd.OutOrStdout()
	if runErr != nil || runReport {
		opts := report.DefaultOptions()
		opts.Tree.Color = useColor(out)
		fmt.Fprint(out, report.DebugReport(res.Trace, res, opts))
	}
	if runErr != nil {
		return fmt.Errorf("pipeline %s failed: %s", def.Name, report.FormatError(runErr, nil, nil))
	}

	fmt.Fprintf(out, "✓ %s completed in %s (%d steps, trace %s)\n",
		def.Name, res.Duration.Round(time.Millisecond), res.Steps, res.TraceID)
	if len(res.Outputs) > 0 {
		data, err := yaml.Marshal(res.Outputs)
		if err != nil {
			return fmt.Errorf("encoding outputs: %w", err)
		}
		fmt.Fprint(out, string(data))
	}
	return nil
}

// parseInputs turns name=value flags into root inputs. Values are parsed
// as YAML so numbers, booleans and lists keep their type; anything that
// does not parse stays a string.
func parseInputs(raw []string) (map[string]any, error) {
	inputs := make(map[string]any, len(raw))
	for _, v := range raw {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid input format: %s (expected name=value)", v)
		}
		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
			parsed = value
		}
		inputs[name] = parsed
	}
	return inputs, nil
}
