package engine

import (
	"context"
	"errors"
)

// ProviderGateway is the per-provider capability consumed by drift detection and repair.
// Errors are per call; callers never abort a batch on a single failure.
type ProviderGateway interface {
	// ListInstances returns the live instances the provider reports for a job.
	// An empty job lists every instance the provider manages.
	ListInstances(ctx context.Context, provider, job string) ([]LiveInstance, error)

	// Terminate destroys a live instance.
	Terminate(ctx context.Context, provider, instanceID string) error

	// Create provisions a new instance. The provider assigns its identifier.
	Create(ctx context.Context, provider string, spec InstanceSpec) (*LiveInstance, error)
}

// Executor runs IaC commands. A run that exceeds req.Timeout must return an error
// satisfying IsTimeout.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ErrNoState is returned by a StateBackend when there is no state to capture.
var ErrNoState = errors.New("no state present")

// StateBackend captures and restores the executor's state for a working directory.
type StateBackend interface {
	// Capture returns the current state bytes, or ErrNoState.
	Capture(ctx context.Context, workDir string) ([]byte, error)

	// Restore overwrites the current state with data.
	Restore(ctx context.Context, workDir string, data []byte) error

	// ClearLock removes lock artifacts left by an interrupted run.
	ClearLock(ctx context.Context, workDir string) error
}

// CandidateSource is a pull interface over pricing data.
type CandidateSource interface {
	Candidates(ctx context.Context, req Requirements) ([]Candidate, error)
}
