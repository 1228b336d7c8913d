// Package proc runs child processes in their own process group so that a
// timeout or cancellation can terminate the whole tree and reap it.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// DefaultGrace is the delay between the polite and the forced kill.
const DefaultGrace = 5 * time.Second

// Spec describes a process to run.
type Spec struct {
	Argv   []string
	Dir    string
	Env    []string // appended to the parent environment
	Stdout io.Writer
	Stderr io.Writer
	Grace  time.Duration
}

// Exit describes how a process ended.
type Exit struct {
	Code     int
	Killed   bool // terminated by us after ctx was done
	Duration time.Duration
}

// ErrNoCommand is returned for an empty Argv.
var ErrNoCommand = errors.New("proc: empty command")

// Run starts spec and waits for it. When ctx is done the process group gets
// SIGTERM, then SIGKILL after the grace period. Run returns only after the
// process has been reaped. A non-zero exit status is not an error.
func Run(ctx context.Context, spec Spec) (Exit, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return Exit{Code: -1}, ErrNoCommand
	}
	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Exit{Code: -1}, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitFrom(err, start, false)
	case <-ctx.Done():
	}

	_ = signalGroup(cmd.Process, terminateSignal)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return exitFrom(err, start, true)
	case <-timer.C:
	}
	_ = signalGroup(cmd.Process, killSignal)
	return exitFrom(<-done, start, true)
}

func exitFrom(err error, start time.Time, killed bool) (Exit, error) {
	ex := Exit{Killed: killed, Duration: time.Since(start)}
	if err == nil {
		return ex, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ex.Code = exitErr.ExitCode()
		return ex, nil
	}
	if killed {
		// Wait may report pipe errors after a forced kill; the process is gone.
		ex.Code = -1
		return ex, nil
	}
	ex.Code = -1
	return ex, fmt.Errorf("wait: %w", err)
}
