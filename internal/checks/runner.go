package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/agentfactory/internal/proc"
)

// Result holds the structured output of a check run.
type Result struct {
	CheckName  string  `json:"check_name"`
	Dir        string  `json:"dir"`
	Passed     bool    `json:"passed"`
	ExitCode   int     `json:"exit_code"`
	DurationMs int     `json:"duration_ms"`
	Summary    string  `json:"summary"`
	Issues     []Issue `json:"issues,omitempty"`
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
}

// CheckConfig holds the fields the runner needs for one check.
type CheckConfig struct {
	Name    string
	Command string
	Parser  string
	Timeout time.Duration
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out. The shell runs in its
// own process group, so a timeout kills everything it started.
type ExecRunner struct {
	Grace time.Duration
}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	var stdoutBuf, stderrBuf strings.Builder
	ex, err := proc.Run(ctx, proc.Spec{
		Argv:   []string{"sh", "-c", command},
		Dir:    dir,
		Stdout: &stdoutBuf,
		Stderr: &stderrBuf,
		Grace:  e.Grace,
	})
	if err != nil {
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
	}
	if ex.Killed {
		return stdoutBuf.String(), stderrBuf.String(), ex.Code, ctx.Err()
	}
	return stdoutBuf.String(), stderrBuf.String(), ex.Code, nil
}

// Runner executes checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	r := &Runner{
		cmd:     cmd,
		parsers: make(map[string]Parser),
	}
	r.parsers["eslint"] = &ESLintParser{}
	r.parsers["vitest"] = &VitestParser{}
	r.parsers["npm-audit"] = &NPMAuditParser{}
	r.parsers["findings-json"] = &FindingsParser{}
	r.parsers["generic"] = &GenericParser{}
	return r
}

// Run executes a single check in the given directory.
func (r *Runner) Run(ctx context.Context, dir string, cfg CheckConfig) (*Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(ctx, dir, cfg.Command)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Result{
				CheckName:  cfg.Name,
				Dir:        dir,
				Passed:     false,
				ExitCode:   -1,
				DurationMs: durationMs,
				Summary:    fmt.Sprintf("timeout after %s", timeout),
				Issues: []Issue{{
					Rule:     "timeout",
					Severity: "error",
					Message:  fmt.Sprintf("%s did not finish within %s", cfg.Name, timeout),
				}},
				Stdout: stdout,
				Stderr: stderr,
			}, nil
		}
		return nil, fmt.Errorf("run check %q: %w", cfg.Name, err)
	}

	parser, ok := r.parsers[cfg.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	return &Result{
		CheckName:  cfg.Name,
		Dir:        dir,
		Passed:     exitCode == 0 && parsed.Passed,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Summary:    parsed.Summary,
		Issues:     parsed.Issues,
		Stdout:     stdout,
		Stderr:     stderr,
	}, nil
}
