package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meow-stack/pipenest/internal/report"
	"github.com/meow-stack/pipenest/internal/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect recorded traces",
	Long: `Inspect the traces written to the configured trace_dir.

Every run with tracing.jsonl enabled writes one <trace_id>.jsonl file
holding a record per finished span.`,
}

var traceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded traces, newest first",
	Args:  cobra.NoArgs,
	RunE:  runTraceList,
}

var traceShowCmd = &cobra.Command{
	Use:   "show <trace-id|file>",
	Short: "Show the execution tree and analysis of a trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceShow,
}

var (
	traceLimit    int
	traceMaxDepth int
)

func init() {
	traceListCmd.Flags().IntVar(&traceLimit, "limit", 20, "maximum traces to show")
	traceShowCmd.Flags().IntVar(&traceMaxDepth, "max-depth", -1, "collapse spans nested deeper than this (-1: show all)")
	traceCmd.AddCommand(traceListCmd, traceShowCmd)
	rootCmd.AddCommand(traceCmd)
}

func traceDir() (string, error) {
	dir, err := getWorkDir()
	if err != nil {
		return "", err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return "", err
	}
	return cfg.TraceDir(dir), nil
}

func runTraceList(cmd *cobra.Command, args []string) error {
	dir, err := traceDir()
	if err != nil {
		return err
	}

	ids, err := trace.ListTraces(dir)
	if err != nil {
		return fmt.Errorf("listing traces: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No traces found.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Traces are written when a pipeline runs with tracing.jsonl enabled.")
		return nil
	}
	if traceLimit > 0 && len(ids) > traceLimit {
		ids = ids[:traceLimit]
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRACE ID\tPIPELINE\tSTATUS\tSPANS\tSTARTED")
	for _, id := range ids {
		tc, err := trace.ReadJSONL(filepath.Join(dir, id+".jsonl"))
		if err != nil {
			fmt.Fprintf(w, "%s\t-\tunreadable\t-\t-\n", id)
			continue
		}
		trees := trace.BuildExecutionTree(tc)
		if len(trees) == 0 {
			fmt.Fprintf(w, "%s\t-\tempty\t0\t-\n", id)
			continue
		}
		root := trees[0].Span
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			id, root.PipelineID, root.Status, tc.Len(), humanize.Time(root.StartTime))
	}
	return w.Flush()
}

func runTraceShow(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		dir, err := traceDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, args[0]+".jsonl")
	}

	tc, err := trace.ReadJSONL(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("trace %s not found", args[0])
		}
		return fmt.Errorf("reading trace: %w", err)
	}

	out := cmd.OutOrStdout()
	opts := report.DefaultOptions()
	opts.Tree.MaxDepth = traceMaxDepth
	opts.Tree.Color = useColor(out)
	fmt.Fprint(out, report.DebugReport(tc, nil, opts))
	return nil
}
