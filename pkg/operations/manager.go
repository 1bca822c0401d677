package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/config"
	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/stores"
	"github.com/terradev/terradev/pkg/telemetry"
)

// DefaultTimeout bounds a single executor run.
const DefaultTimeout = 600 * time.Second

// Store is the persistence the manager needs. stores.SQLiteStore implements it.
type Store interface {
	SaveOperation(ctx context.Context, op *engine.Operation) error
	GetOperation(ctx context.Context, id string) (*engine.Operation, error)
	ListOperations(ctx context.Context, filter stores.OperationFilter) ([]*engine.Operation, error)
	InsertSnapshot(ctx context.Context, snap *engine.StateSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*engine.StateSnapshot, error)
	ListSnapshots(ctx context.Context) ([]*engine.StateSnapshot, error)
}

// Options configures a Manager.
type Options struct {
	// WorkDir is the IaC working directory handed to the executor.
	WorkDir string

	// Binary is recorded as the first element of every operation command.
	Binary string

	// Workspace labels snapshots.
	Workspace string

	// Timeout bounds each executor run. Zero means DefaultTimeout.
	Timeout time.Duration

	// Permissions are the scopes granted to this manager.
	Permissions []engine.PermissionScope

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// OptionsFromConfig maps the operations config section onto Options.
func OptionsFromConfig(cfg config.OperationsConfig) Options {
	perms := make([]engine.PermissionScope, 0, len(cfg.Permissions))
	for _, p := range cfg.Permissions {
		perms = append(perms, engine.PermissionScope(p))
	}
	return Options{
		WorkDir:     cfg.WorkDir,
		Binary:      cfg.TerraformBin,
		Timeout:     cfg.Timeout,
		Permissions: perms,
	}
}

// PlanOptions configures Plan.
type PlanOptions struct {
	// Plan, when set, is attached to the operation in place of the plan parsed
	// from the executor output. The decision engine's CreatePlan produces it.
	Plan *engine.Plan

	// Decisions are the decision logs the plan was built from.
	Decisions []engine.DecisionLog
}

// ApplyOptions configures Apply.
type ApplyOptions struct {
	// FromOperationID is the plan operation being applied. A pinned source
	// cancels the apply.
	FromOperationID string

	// PlanFile is passed to the executor. It defaults to the saved plan of FromOperationID.
	PlanFile string

	AutoApprove bool
}

// DestroyOptions configures Destroy.
type DestroyOptions struct {
	Target      string
	AutoApprove bool
}

// Manager runs permission-scoped operations against an Executor and keeps
// snapshots of the executor state for rollback.
type Manager struct {
	// mu serializes read-modify-write cycles on stored operation records.
	mu sync.Mutex

	store    Store
	executor engine.Executor
	state    engine.StateBackend
	opts     Options
	granted  map[engine.PermissionScope]bool
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates an operation manager.
func NewManager(store Store, executor engine.Executor, state engine.StateBackend, opts Options, logger zerolog.Logger) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Binary == "" {
		opts.Binary = "terraform"
	}
	if opts.Workspace == "" {
		opts.Workspace = "default"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}

	granted := make(map[engine.PermissionScope]bool, len(opts.Permissions))
	for _, p := range opts.Permissions {
		granted[p] = true
	}

	return &Manager{
		store:    store,
		executor: executor,
		state:    state,
		opts:     opts,
		granted:  granted,
		logger:   logger.With().Str("component", "operations").Logger(),
		now:      time.Now,
	}
}

// ValidatePermissions reports whether every scope mode requires is granted,
// and the missing ones in requirement order.
func (m *Manager) ValidatePermissions(mode engine.OperationMode) (bool, []string) {
	missing := []string{}
	for _, p := range mode.RequiredPermissions() {
		if !m.granted[p] {
			missing = append(missing, string(p))
		}
	}
	return len(missing) == 0, missing
}

// ReadOnly inspects the current state.
func (m *Manager) ReadOnly(ctx context.Context) (*engine.Operation, error) {
	op := m.newOperation(engine.ModeReadOnly, readOnlyArgs())
	if ok, err := m.checkPermissions(ctx, op); !ok {
		return op, err
	}
	if err := m.execute(ctx, op); err != nil {
		return op, err
	}
	return op, m.finish(ctx, op)
}

// DryRun plans without saving the plan. Pending changes are a success.
func (m *Manager) DryRun(ctx context.Context) (*engine.Operation, error) {
	op := m.newOperation(engine.ModeDryRun, dryRunArgs())
	if ok, err := m.checkPermissions(ctx, op); !ok {
		return op, err
	}
	if err := m.execute(ctx, op); err != nil {
		return op, err
	}
	if op.Status == engine.OperationSuccess {
		op.Plan = ParsePlan(uuid.NewString(), op.Stdout, m.now())
		op.ResourcesAffected = planSize(op.Plan)
		op.CostImpact = op.Plan.CostEstimate
	}
	return op, m.finish(ctx, op)
}

// Plan computes and saves a plan. The pre-plan state is snapshotted.
func (m *Manager) Plan(ctx context.Context, opts PlanOptions) (*engine.Operation, error) {
	op := m.newOperation(engine.ModePlan, nil)
	op.Command = m.command(planArgs(op.ID))
	op.DecisionLogs = opts.Decisions

	if ok, err := m.checkPermissions(ctx, op); !ok {
		return op, err
	}
	if ok, err := m.snapshot(ctx, op); !ok {
		return op, err
	}
	if err := m.execute(ctx, op); err != nil {
		return op, err
	}

	if op.Status == engine.OperationSuccess {
		if opts.Plan != nil {
			op.Plan = opts.Plan
		} else {
			op.Plan = ParsePlan(uuid.NewString(), op.Stdout, m.now())
		}
		op.ResourcesAffected = planSize(op.Plan)
		op.CostImpact = op.Plan.CostEstimate
		op.RollbackAvailable = true
	}
	return op, m.finish(ctx, op)
}

// Apply applies changes. With FromOperationID the source plan operation must
// exist, and a pin on it cancels the apply before anything runs.
func (m *Manager) Apply(ctx context.Context, opts ApplyOptions) (*engine.Operation, error) {
	var source *engine.Operation
	if opts.FromOperationID != "" {
		var err error
		source, err = m.lookup(ctx, opts.FromOperationID)
		if err != nil {
			return nil, err
		}
		if opts.PlanFile == "" && source.Mode == engine.ModePlan {
			opts.PlanFile = PlanFile(source.ID)
		}
	}

	op := m.newOperation(engine.ModeApply, applyArgs(opts.PlanFile, opts.AutoApprove))
	if source != nil {
		op.Plan = source.Plan
		op.DecisionLogs = source.DecisionLogs
	}

	if ok, err := m.checkPermissions(ctx, op); !ok {
		return op, err
	}
	if source != nil && source.PinEnabled {
		return op, m.reject(ctx, op, engine.OperationCancelled, engine.ErrCodePinned,
			fmt.Sprintf("Operation is pinned: %s", source.PinReason))
	}
	if ok, err := m.snapshot(ctx, op); !ok {
		return op, err
	}
	if err := m.execute(ctx, op); err != nil {
		return op, err
	}

	if op.Status == engine.OperationSuccess {
		op.ResourcesAffected = CountResources(op.Stdout)
		op.RollbackAvailable = true
		if op.Plan != nil {
			op.CostImpact = op.Plan.CostEstimate
		}
	}
	return op, m.finish(ctx, op)
}

// Destroy tears down managed resources. A destroy cannot be rolled back.
func (m *Manager) Destroy(ctx context.Context, opts DestroyOptions) (*engine.Operation, error) {
	op := m.newOperation(engine.ModeDestroy, destroyArgs(opts.Target, opts.AutoApprove))
	if ok, err := m.checkPermissions(ctx, op); !ok {
		return op, err
	}
	if ok, err := m.snapshot(ctx, op); !ok {
		return op, err
	}
	if err := m.execute(ctx, op); err != nil {
		return op, err
	}

	if op.Status == engine.OperationSuccess {
		op.ResourcesAffected = CountResources(op.Stdout)
	}
	op.RollbackAvailable = false
	return op, m.finish(ctx, op)
}

// Rollback restores the state captured before operationID and re-applies it.
// An unknown or non-rollbackable operation is an error; a missing snapshot is
// reported as a failed rollback operation.
func (m *Manager) Rollback(ctx context.Context, operationID string) (*engine.Operation, error) {
	original, err := m.lookup(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !original.RollbackAvailable {
		return nil, engine.NewConflictError("operation cannot be rolled back", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(operationID)
	}

	op := m.newOperation(engine.ModeRollback, rollbackArgs())
	if ok, err := m.checkPermissions(ctx, op); !ok {
		return op, err
	}

	snapshotID := engine.SnapshotID(original.Mode, operationID)
	snap, err := m.store.GetSnapshot(ctx, snapshotID)
	if errors.Is(err, stores.ErrNotFound) {
		return op, m.reject(ctx, op, engine.OperationFailed, engine.ErrCodeSnapshotNotFound,
			fmt.Sprintf("No state snapshot found for %s", snapshotID))
	}
	if err != nil {
		return op, err
	}

	if err := m.state.Restore(ctx, m.opts.WorkDir, snap.Data); err != nil {
		return op, m.reject(ctx, op, engine.OperationFailed, engine.ErrCodeInternal,
			fmt.Sprintf("failed to restore state: %v", err))
	}
	m.logger.Info().
		Str("operation_id", op.ID).
		Str("snapshot_id", snapshotID).
		Msg("State snapshot restored")

	if err := m.execute(ctx, op); err != nil {
		return op, err
	}
	op.RollbackAvailable = false

	if op.Status == engine.OperationSuccess {
		if err := m.markRolledBack(ctx, operationID, op.ID); err != nil {
			return op, err
		}
	}
	return op, m.finish(ctx, op)
}

// Pin marks an operation so that applying it is refused. It returns false for
// an unknown operation. Status and outcome of the operation are unchanged.
func (m *Manager) Pin(ctx context.Context, operationID, reason string) (bool, error) {
	return m.setPin(ctx, operationID, true, reason)
}

// Unpin removes a pin. It returns false for an unknown operation.
func (m *Manager) Unpin(ctx context.Context, operationID string) (bool, error) {
	return m.setPin(ctx, operationID, false, "")
}

// Get returns an operation by id.
func (m *Manager) Get(ctx context.Context, operationID string) (*engine.Operation, error) {
	return m.lookup(ctx, operationID)
}

// List returns operations in creation order. An empty mode lists all of them.
func (m *Manager) List(ctx context.Context, mode engine.OperationMode) ([]*engine.Operation, error) {
	filter := stores.OperationFilter{}
	if mode != "" {
		filter.Mode = &mode
	}
	return m.store.ListOperations(ctx, filter)
}

// Snapshots returns every state snapshot, oldest first.
func (m *Manager) Snapshots(ctx context.Context) ([]*engine.StateSnapshot, error) {
	return m.store.ListSnapshots(ctx)
}

// Export writes every operation to w as an indented JSON array.
func (m *Manager) Export(ctx context.Context, w io.Writer) error {
	ops, err := m.List(ctx, "")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ops); err != nil {
		return fmt.Errorf("failed to export operations: %w", err)
	}
	return nil
}

func (m *Manager) newOperation(mode engine.OperationMode, args []string) *engine.Operation {
	return &engine.Operation{
		ID:               uuid.NewString(),
		Mode:             mode,
		Command:          m.command(args),
		WorkingDirectory: m.opts.WorkDir,
		CreatedAt:        m.now(),
		Status:           engine.OperationPending,
	}
}

func (m *Manager) command(args []string) []string {
	return append([]string{m.opts.Binary}, args...)
}

func (m *Manager) args(op *engine.Operation) []string {
	if len(op.Command) == 0 {
		return nil
	}
	return op.Command[1:]
}

func (m *Manager) lookup(ctx context.Context, operationID string) (*engine.Operation, error) {
	op, err := m.store.GetOperation(ctx, operationID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewNotFoundError(engine.ErrCodeNotFound, "operation not found").
			WithResource(operationID)
	}
	return op, err
}

// checkPermissions rejects op when a required scope is missing. The bool is
// false when the caller must stop.
func (m *Manager) checkPermissions(ctx context.Context, op *engine.Operation) (bool, error) {
	ok, missing := m.ValidatePermissions(op.Mode)
	if ok {
		return true, nil
	}
	return false, m.reject(ctx, op, engine.OperationFailed, engine.ErrCodePermissionDenied,
		fmt.Sprintf("Missing permissions: %s", strings.Join(missing, ", ")))
}

// snapshot captures the pre-operation state. Absent state is not an error and
// leaves no snapshot. Any other capture failure fails the operation unexecuted.
func (m *Manager) snapshot(ctx context.Context, op *engine.Operation) (bool, error) {
	data, err := m.state.Capture(ctx, m.opts.WorkDir)
	if errors.Is(err, engine.ErrNoState) {
		m.logger.Debug().Str("operation_id", op.ID).Msg("No state to snapshot")
		return true, nil
	}
	if err != nil {
		return false, m.reject(ctx, op, engine.OperationFailed, engine.ErrCodeInternal,
			fmt.Sprintf("failed to capture state: %v", err))
	}

	serial, lineage := stateMeta(data)
	snap := &engine.StateSnapshot{
		ID:          engine.SnapshotID(op.Mode, op.ID),
		OperationID: op.ID,
		Mode:        op.Mode,
		Workspace:   m.opts.Workspace,
		Data:        data,
		Serial:      serial,
		Lineage:     lineage,
		CreatedAt:   m.now(),
	}
	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		return false, fmt.Errorf("failed to store snapshot: %w", err)
	}

	m.logger.Info().
		Str("operation_id", op.ID).
		Str("snapshot_id", snap.ID).
		Int64("serial", serial).
		Msg("State snapshot created")
	return true, nil
}

// execute runs op through the executor and fills in its outcome. The returned
// error is reserved for persistence failures.
func (m *Manager) execute(ctx context.Context, op *engine.Operation) error {
	ctx, span := m.opts.Tracer.StartOperationSpan(ctx, op.ID, string(op.Mode))
	defer span.End()

	started := m.now()
	op.Status = engine.OperationRunning
	op.StartedAt = &started
	if err := m.save(ctx, op); err != nil {
		return err
	}

	result, err := m.executor.Run(ctx, engine.RunRequest{
		Mode:    op.Mode,
		Args:    m.args(op),
		WorkDir: m.opts.WorkDir,
		Timeout: m.opts.Timeout,
	})

	completed := m.now()
	op.CompletedAt = &completed
	op.DurationSeconds = completed.Sub(started).Seconds()

	switch {
	case engine.IsTimeout(err):
		op.Status = engine.OperationFailed
		op.Stderr = "Operation timed out"
		op.ErrorCode = engine.ErrCodeTimeout
		op.DurationSeconds = m.opts.Timeout.Seconds()
		if result != nil {
			op.Stdout = result.Stdout
		}
		m.clearLock(ctx, op)
	case err != nil:
		op.Status = engine.OperationFailed
		op.Stderr = err.Error()
		op.ErrorCode = engine.CodeOf(err)
		if op.ErrorCode == "" {
			op.ErrorCode = engine.ErrCodeInternal
		}
	default:
		exit := result.ExitCode
		op.ExitCode = &exit
		op.Stdout = result.Stdout
		op.Stderr = result.Stderr
		if exit == 0 || (op.Mode == engine.ModeDryRun && exit == exitChangesPresent) {
			op.Status = engine.OperationSuccess
		} else {
			op.Status = engine.OperationFailed
			op.ErrorCode = engine.ErrCodeProviderFailed
		}
	}

	if op.Status == engine.OperationSuccess {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, errors.New(op.Stderr))
	}
	return nil
}

// clearLock removes stale lock artifacts after a timeout. Failures are logged only.
func (m *Manager) clearLock(ctx context.Context, op *engine.Operation) {
	if err := m.state.ClearLock(ctx, m.opts.WorkDir); err != nil {
		m.logger.Warn().
			Err(err).
			Str("operation_id", op.ID).
			Msg("Failed to clear state lock after timeout")
		return
	}
	m.logger.Info().Str("operation_id", op.ID).Msg("Cleared state lock after timeout")
}

// reject completes op without running it.
func (m *Manager) reject(ctx context.Context, op *engine.Operation, status engine.OperationStatus, code, reason string) error {
	completed := m.now()
	op.Status = status
	op.ErrorCode = code
	op.Stderr = reason
	op.CompletedAt = &completed
	return m.finish(ctx, op)
}

// finish persists the final state of op and records it.
func (m *Manager) finish(ctx context.Context, op *engine.Operation) error {
	if err := m.save(ctx, op); err != nil {
		return err
	}

	m.opts.Metrics.RecordOperation(string(op.Mode), string(op.Status),
		time.Duration(op.DurationSeconds*float64(time.Second)))
	if op.ErrorCode != "" {
		m.opts.Metrics.RecordError(errorClass(op.ErrorCode), op.ErrorCode)
	}

	event := m.logger.Info()
	if op.Status != engine.OperationSuccess {
		event = m.logger.Warn().Str("error_code", op.ErrorCode).Str("stderr", op.Stderr)
	}
	event.
		Str("operation_id", op.ID).
		Str("mode", string(op.Mode)).
		Str("status", string(op.Status)).
		Int("resources_affected", op.ResourcesAffected).
		Float64("duration_seconds", op.DurationSeconds).
		Msg("Operation completed")
	return nil
}

// save persists op, keeping whatever pin state is already stored for it.
func (m *Manager) save(ctx context.Context, op *engine.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.GetOperation(ctx, op.ID)
	switch {
	case err == nil:
		op.PinEnabled = stored.PinEnabled
		op.PinReason = stored.PinReason
	case !errors.Is(err, stores.ErrNotFound):
		return err
	}
	return m.store.SaveOperation(ctx, op)
}

func (m *Manager) setPin(ctx context.Context, operationID string, enabled bool, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.GetOperation(ctx, operationID)
	if errors.Is(err, stores.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	op.PinEnabled = enabled
	op.PinReason = reason
	if err := m.store.SaveOperation(ctx, op); err != nil {
		return false, err
	}

	if enabled {
		m.logger.Info().Str("operation_id", operationID).Str("reason", reason).Msg("Operation pinned")
	} else {
		m.logger.Info().Str("operation_id", operationID).Msg("Operation unpinned")
	}
	return true, nil
}

func (m *Manager) markRolledBack(ctx context.Context, operationID, rollbackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, err := m.store.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	original.Status = engine.OperationRolledBack
	original.RollbackOperationID = rollbackID
	return m.store.SaveOperation(ctx, original)
}

func errorClass(code string) string {
	switch code {
	case engine.ErrCodeTimeout, engine.ErrCodeProviderFailed:
		return string(engine.ErrorClassTransient)
	case engine.ErrCodePinned:
		return string(engine.ErrorClassConflict)
	default:
		return string(engine.ErrorClassPermanent)
	}
}
