// Package sandbox runs acceptance tests in bounded subprocesses and scans
// captured output for leaked secret material.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// fixedSeed makes generated-code test runs reproducible.
const fixedSeed = "1337"

// defaultTimeout applies when a test spec carries no timeout.
const defaultTimeout = 60 * time.Second

// Result captures one bounded command run.
type Result struct {
	Cmd      string        `json:"cmd"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Runner executes shell commands with a timeout in a working directory.
// The local-subprocess runner is the reference isolation level; a container
// runner can replace it behind the same signature.
type Runner struct {
	workDir string
	logger  *slog.Logger
}

// NewRunner creates a runner rooted at workDir.
func NewRunner(workDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{workDir: workDir, logger: logger}
}

// Run executes cmd through the shell, bounded by timeout. Expiry kills the
// process group and is reported via TimedOut rather than an error; an error
// means the command could not be started at all.
func (r *Runner) Run(ctx context.Context, cmd string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := exec.CommandContext(runCtx, "sh", "-c", cmd)
	command.Dir = r.workDir
	// The shell gets its own process group so expiry kills background
	// children too, not just the direct sh process.
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	command.Cancel = func() error {
		if command.Process == nil {
			return nil
		}
		return syscall.Kill(-command.Process.Pid, syscall.SIGKILL)
	}
	command.WaitDelay = 5 * time.Second
	command.Env = append(command.Environ(),
		"PYTHONHASHSEED="+fixedSeed,
		"RANDOM_SEED="+fixedSeed,
		"NO_NETWORK=1",
	)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	start := time.Now()
	err := command.Run()
	result := &Result{
		Cmd:      cmd,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	switch {
	case result.TimedOut:
		result.ExitCode = -1
		r.logger.Warn("command timed out", "cmd", cmd, "timeout", timeout)
		return result, nil
	case err == nil:
		result.ExitCode = 0
		return result, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
}
