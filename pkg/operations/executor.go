package operations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/terradev/terradev/pkg/engine"
)

// LocalExecutor runs the IaC binary on this host.
type LocalExecutor struct {
	// Binary is the executable, resolved through PATH when not absolute.
	Binary string

	// Env is appended to the process environment.
	Env []string

	// WaitDelay bounds how long output pipes may stay open after the process is killed.
	WaitDelay time.Duration
}

// NewLocalExecutor creates an executor for binary.
func NewLocalExecutor(binary string) *LocalExecutor {
	if binary == "" {
		binary = "terraform"
	}
	return &LocalExecutor{
		Binary:    binary,
		Env:       []string{"TF_IN_AUTOMATION=1", "TF_INPUT=0"},
		WaitDelay: 5 * time.Second,
	}
}

// Run executes the binary with req.Args in req.WorkDir. A non-zero exit is not
// an error; the exit code is reported in the result.
func (e *LocalExecutor) Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.Binary, req.Args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.WaitDelay = e.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &engine.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return result, engine.NewTransientError("operation timed out", runCtx.Err()).
			WithCode(engine.ErrCodeTimeout).
			WithOperation(string(req.Mode))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute %s: %w", e.Binary, err)
	}

	return result, nil
}
