package forge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Executor provides a consistent interface for running external build tools,
// wiring their output either to the console or to a per-library log writer.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	ApplyIdlePriority bool            // Apply nice -n 19 to this specific command
	LogWriter         io.Writer       // When set, command output goes here instead of stdio
	Env               []string        // Extra KEY=value entries appended to the environment
}

// NewExecutor builds an executor whose command output goes to log; a nil log
// means console stdio.
func NewExecutor(ctx context.Context, log io.Writer) *Executor {
	return &Executor{Context: ctx, LogWriter: log}
}

// Command builds an *exec.Cmd bound to the executor's context.
func (e *Executor) Command(name string, arg ...string) *exec.Cmd {
	ctx := e.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return exec.CommandContext(ctx, name, arg...)
}

// Run executes the given command. Stdio defaults to the log writer when one
// is configured (parallel builds), to the console otherwise.
func (e *Executor) Run(cmd *exec.Cmd) error {
	// --- Phase 0: wire up stdio ---
	var out io.Writer = os.Stdout
	var errOut io.Writer = os.Stderr
	if e.LogWriter != nil {
		out = e.LogWriter
		errOut = e.LogWriter
	} else if !Verbose && !Debug {
		out = io.Discard
	}
	if cmd.Stdout == nil {
		cmd.Stdout = out
	}
	if cmd.Stderr == nil {
		cmd.Stderr = errOut
	}

	// --- Phase 1: build the final command ---
	finalCmd := cmd
	if e.ApplyIdlePriority {
		args := append([]string{"-n", "19", cmd.Path}, cmd.Args[1:]...)
		finalCmd = e.Command("nice", args...)
		finalCmd.Stdout = cmd.Stdout
		finalCmd.Stderr = cmd.Stderr
		finalCmd.Stdin = cmd.Stdin
		finalCmd.Dir = cmd.Dir
		finalCmd.Env = cmd.Env
	}

	if len(e.Env) > 0 {
		base := finalCmd.Env
		if base == nil {
			base = os.Environ()
		}
		finalCmd.Env = append(base, e.Env...)
	}

	debugf("exec: %s\n", finalCmd.String())
	if err := finalCmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", cmd.Args[0], err)
	}
	return nil
}

// LookTool resolves a required external tool on PATH, with an error message
// that distinguishes the environment cause from configuration problems.
func LookTool(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("required tool %q not found on PATH: %w", name, err)
	}
	return path, nil
}
