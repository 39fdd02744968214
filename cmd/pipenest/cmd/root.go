package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/meow-stack/pipenest/internal/config"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose bool
	workDir string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "pipenest",
	Short: "Run pipelines that run pipelines",
	Long: `pipenest executes pipeline definitions whose steps may invoke other
pipelines, inline or from files, to any depth.

Every run is bounded by safety limits (nesting depth, circular references,
total steps, memory and time) and recorded as a trace of spans that can be
inspected after the fact.

Configuration is read from ~/.pipenest/config.toml and then
.pipenest/config.toml in the working directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("pipenest {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return filepath.Abs(workDir)
	}
	return os.Getwd()
}

// loadConfig loads the layered configuration for dir.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// resolveRef prefers a pipeline file relative to the working directory and
// otherwise leaves ref for the loader's pipeline_dir lookup.
func resolveRef(dir, ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	candidate := filepath.Join(dir, ref)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ref
}

// useColor reports whether w is a terminal that should get ANSI colours.
func useColor(w io.Writer) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
