package infra

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lxdroid/waydroidd/internal/domain"
)

// DefaultCommandTimeout bounds a single external tool invocation.
const DefaultCommandTimeout = 30 * time.Second

// Executor implements domain.CommandRunner by shelling out to the
// waydroid binary. It has no side effects beyond the invocation itself;
// recording outcomes is the supervisor's job.
type Executor struct {
	toolPath string
	timeout  time.Duration
}

// NewExecutor creates an executor for the waydroid tool. The binary is
// resolved once at construction; if it is missing every Execute call
// fails with KindToolNotFound rather than panicking later.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	toolPath, err := exec.LookPath("waydroid")
	if err != nil {
		toolPath = ""
	}
	return &Executor{toolPath: toolPath, timeout: timeout}
}

// NewExecutorWithTool creates an executor for a specific binary path
// (for testing against a fake tool).
func NewExecutorWithTool(toolPath string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Executor{toolPath: toolPath, timeout: timeout}
}

// Execute runs the tool with the given subcommand arguments. All failure
// modes are normalized into Result.Err as *domain.ExecError; nothing is
// thrown past this boundary.
func (e *Executor) Execute(ctx context.Context, args ...string) domain.Result {
	if e.toolPath == "" {
		return domain.Result{Err: &domain.ExecError{
			Kind: domain.KindToolNotFound,
			Err:  exec.ErrNotFound,
		}}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.toolPath, args...)
	cmd.Stdin = nil // Prevent any interactive prompts

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return domain.Result{OK: true, Output: stdout.String()}
	}

	return domain.Result{
		Output: stdout.String(),
		Err:    normalizeExecErr(runCtx, err, stderr.String()),
	}
}

// ObservedRunning asks the tool whether a container session is up.
// `waydroid status` prints a "Session: RUNNING|STOPPED" line.
func (e *Executor) ObservedRunning(ctx context.Context) (bool, error) {
	res := e.Execute(ctx, "status")
	if !res.OK {
		return false, res.Err
	}
	return strings.Contains(res.Output, "RUNNING"), nil
}

func normalizeExecErr(runCtx context.Context, err error, stderr string) *domain.ExecError {
	stderr = strings.TrimSpace(stderr)

	switch {
	case errors.Is(runCtx.Err(), context.Canceled):
		return &domain.ExecError{Kind: domain.KindCanceled, Stderr: stderr, Err: err}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &domain.ExecError{Kind: domain.KindTimeout, Stderr: stderr, Err: err}
	case errors.Is(err, exec.ErrNotFound):
		return &domain.ExecError{Kind: domain.KindToolNotFound, Stderr: stderr, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &domain.ExecError{Kind: domain.KindPermissionDenied, Stderr: stderr, Err: err}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &domain.ExecError{Kind: domain.KindNonZeroExit, Stderr: stderr, Err: err}
	}
	return &domain.ExecError{Kind: domain.KindToolNotFound, Stderr: stderr, Err: err}
}

// Ensure Executor implements domain.CommandRunner.
var _ domain.CommandRunner = (*Executor)(nil)
