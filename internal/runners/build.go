package runners

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const outputTail = 4 << 10

// ExecRunner abstracts execution of external commands for testability.
type ExecRunner interface {
	// Run executes command with args in dir and returns stdout+stderr.
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// RealExecRunner runs actual commands.
type RealExecRunner struct{}

func (r *RealExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var b bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &b
	err := cmd.Run()
	return b.String(), err
}

// Build runs the configured build commands in the project repository. The
// gate passes only when every command exits 0.
type Build struct {
	Exec     ExecRunner
	Commands []string
}

type commandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

func (b Build) Run(ctx context.Context, req Request) (Result, error) {
	if len(b.Commands) == 0 {
		return Result{}, errors.New("no build commands configured")
	}
	dir := req.Project.RepoPath
	var results []commandResult
	var failed []string
	for _, command := range b.Commands {
		if err := ctx.Err(); err != nil {
			return Result{Details: map[string]any{"commands": results}}, err
		}
		out, err := b.Exec.Run(ctx, dir, "sh", "-c", command)
		cr := commandResult{Command: command, Output: tail(out, outputTail)}
		if err != nil {
			cr.ExitCode = exitCode(err)
			failed = append(failed, command)
		}
		results = append(results, cr)
	}
	details := map[string]any{"commands": results}
	if len(failed) > 0 {
		return Result{Summary: fmt.Sprintf("build failed: %s", strings.Join(failed, "; ")), Details: details}, nil
	}
	return Result{Passed: true, Summary: fmt.Sprintf("%d build commands passed", len(results)), Details: details}, nil
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
