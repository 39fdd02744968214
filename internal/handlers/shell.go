package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cast"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/orchestrator"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/types"
)

// Shell runs config.command through a shell and returns
// {stdout, stderr, exit_code}. Templates in command, workdir and env
// values are resolved first. Inside a run the command also sees
// PIPENEST_DEPTH, PIPENEST_STEPS and PIPENEST_TRACE_ID. Without a workdir
// the command runs in the invocation's workspace, if it has one.
//
// A non-zero exit fails the step unless config.allow_failure is set.
// When ctx is done the whole process group gets SIGTERM, then SIGKILL
// after GracePeriod.
type Shell struct {
	// DefaultShell is used when config.shell is empty. Defaults to "/bin/sh".
	DefaultShell string

	// GracePeriod between SIGTERM and SIGKILL. Defaults to 3s.
	GracePeriod time.Duration
}

// NewShell creates a Shell with default settings.
func NewShell() *Shell {
	return &Shell{DefaultShell: "/bin/sh", GracePeriod: 3 * time.Second}
}

// Execute runs the command.
func (s *Shell) Execute(ctx context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error) {
	raw, ok := step.Get("command")
	if !ok {
		return nil, perrors.ConfigMissingField("command").WithDetail("step", step.Name)
	}
	command := scope.ResolveTemplate(cast.ToString(raw), ectx)
	if strings.TrimSpace(command) == "" {
		return nil, perrors.ConfigInvalidValue("command", raw, "must not be empty")
	}

	shell := s.DefaultShell
	if v, ok := step.Get("shell"); ok && cast.ToString(v) != "" {
		shell = cast.ToString(v)
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	// not CommandContext: cancellation is handled below so the process
	// group gets SIGTERM before SIGKILL
	cmd := exec.Command(shell, "-c", command)
	if v, ok := step.Get("workdir"); ok {
		cmd.Dir = scope.ResolveTemplate(cast.ToString(v), ectx)
	} else if dir, ok := ectx.Workspace(); ok {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), runEnv(ctx)...)
	if v, ok := step.Get("env"); ok {
		env, err := cast.ToStringMapStringE(v)
		if err != nil {
			return nil, perrors.ConfigInvalidValue("env", v, "must be a mapping of strings")
		}
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, scope.ResolveTemplate(env[k], ectx)))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		s.terminate(cmd, done)
		return nil, ctx.Err()

	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("running command: %w", err)
			}
			exitCode = exitErr.ExitCode()
		}
	}

	result := map[string]any{
		"stdout":    strings.TrimSuffix(stdout.String(), "\n"),
		"stderr":    strings.TrimSuffix(stderr.String(), "\n"),
		"exit_code": exitCode,
	}

	allow, _ := step.Get("allow_failure")
	if exitCode != 0 && !cast.ToBool(allow) {
		msg := fmt.Sprintf("command exited with status %d", exitCode)
		if tail := lastLine(stderr.String()); tail != "" {
			msg += ": " + tail
		}
		return result, errors.New(msg)
	}
	return result, nil
}

// runEnv describes the surrounding run to the command. It is empty
// outside an orchestrated run.
func runEnv(ctx context.Context) []string {
	depth := orchestrator.Depth(ctx)
	if depth < 0 {
		return nil
	}
	env := []string{
		fmt.Sprintf("PIPENEST_DEPTH=%d", depth),
		fmt.Sprintf("PIPENEST_STEPS=%d", orchestrator.StepCount(ctx)),
	}
	if tc, ok := orchestrator.TraceContext(ctx); ok {
		env = append(env, "PIPENEST_TRACE_ID="+tc.TraceID)
	}
	return env
}

func (s *Shell) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	grace := s.GracePeriod
	if grace <= 0 {
		grace = 3 * time.Second
	}

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
