package ssh

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/terradev/terradev/pkg/engine"
)

// Executor runs the IaC binary on the remote host. It implements engine.Executor.
type Executor struct {
	client *Client
	binary string
	env    []string
}

// NewExecutor creates a remote executor for binary.
func NewExecutor(client *Client, binary string) *Executor {
	if binary == "" {
		binary = "terraform"
	}
	return &Executor{
		client: client,
		binary: binary,
		env:    []string{"TF_IN_AUTOMATION=1", "TF_INPUT=0"},
	}
}

// Run executes the binary with req.Args in req.WorkDir on the remote host.
// A non-zero exit is reported in the result, not as an error.
func (e *Executor) Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	client, err := e.client.conn(runCtx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmd := RemoteCommand(req.WorkDir, e.env, e.binary, req.Args)
	log.Debug().Str("command", cmd).Str("mode", string(req.Mode)).Msg("executing remote command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = runCtx.Err()
	case execErr = <-done:
	}

	result := &engine.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("remote command completed")

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return result, engine.NewTransientError("operation timed out", runCtx.Err()).
			WithCode(engine.ErrCodeTimeout).
			WithOperation(string(req.Mode))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
	}

	return result, nil
}

// RemoteCommand renders the shell command line for a remote run. Every
// argument is single-quoted.
func RemoteCommand(workDir string, env []string, binary string, args []string) string {
	var b strings.Builder
	if workDir != "" {
		b.WriteString("cd ")
		b.WriteString(shellQuote(workDir))
		b.WriteString(" && ")
	}
	for _, kv := range env {
		b.WriteString(kv)
		b.WriteByte(' ')
	}
	b.WriteString(shellQuote(binary))
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
