// Package orchestrator composes instance selection, IaC operations and audit
// recording into a single provisioning flow.
//
// Each collaborator is a narrow interface: Decider chooses and plans, Operator
// runs the plan and apply operations, Recorder opens the audit trail and
// Manifests records the resulting desired state. Every step is written to the
// trail, and the trail is finished whether provisioning succeeds or not.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/audit"
	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/operations"
	"github.com/terradev/terradev/pkg/policy"
	"github.com/terradev/terradev/pkg/telemetry"
)

// Decider selects an instance and turns decisions into a plan.
// decision.Engine implements it.
type Decider interface {
	SelectFromSource(ctx context.Context, src engine.CandidateSource, req engine.Requirements) (*engine.DecisionLog, error)
	CreatePlan(ctx context.Context, decisions []*engine.DecisionLog) (*engine.Plan, error)
}

// Operator runs permission-scoped IaC operations. operations.Manager implements it.
type Operator interface {
	ValidatePermissions(mode engine.OperationMode) (bool, []string)
	Plan(ctx context.Context, opts operations.PlanOptions) (*engine.Operation, error)
	Apply(ctx context.Context, opts operations.ApplyOptions) (*engine.Operation, error)
}

// Recorder opens audit trails. audit.Recorder implements it.
type Recorder interface {
	StartTrail(ctx context.Context, actor, operationType string) (*audit.Trail, error)
}

// Manifests reads and appends manifest versions. manifest.Store implements it.
type Manifests interface {
	Get(ctx context.Context, job, version string) (*engine.Manifest, error)
	Put(ctx context.Context, m *engine.Manifest) (string, error)
}

// Creator provisions instances. engine.ProviderGateway satisfies it.
type Creator interface {
	Create(ctx context.Context, provider string, spec engine.InstanceSpec) (*engine.LiveInstance, error)
}

// PlanGuard evaluates deny policies against a plan. policy.Engine implements it.
type PlanGuard interface {
	EvaluatePlan(ctx context.Context, plan *engine.Plan, pctx *policy.PolicyContext) (*policy.PolicyResult, error)
}

// Status is the outcome of a provisioning run.
type Status string

const (
	// StatusProvisioned means every requested instance was created and recorded.
	StatusProvisioned Status = "provisioned"

	// StatusPartial means some instances were created and recorded, others failed.
	StatusPartial Status = "partial"

	// StatusPlanned means a dry run stopped after the plan operation.
	StatusPlanned Status = "planned"

	// StatusBlocked means a policy or missing permission stopped the run before apply.
	StatusBlocked Status = "blocked"

	// StatusFailed means an operation failed or no instance could be created.
	StatusFailed Status = "failed"
)

// ProvisionRequest describes one provisioning run.
type ProvisionRequest struct {
	// Actor is recorded on every audit entry. Defaults to Options.Actor.
	Actor string

	// Requirements constrain the selection. Requirements.Job names the job.
	Requirements engine.Requirements

	// Source supplies the candidates to choose from.
	Source engine.CandidateSource

	// Count is the number of instances to create. Defaults to 1.
	Count int

	// Version names the new manifest version. Defaults to a UTC timestamp.
	Version string

	// TTL is copied onto the manifest and its nodes, in seconds.
	TTL int64

	DatasetHash string
	Metadata    map[string]string
}

// ProvisionResult is the outcome of Provision.
type ProvisionResult struct {
	Status   Status              `json:"status"`
	TrailID  string              `json:"trail_id"`
	Decision *engine.DecisionLog `json:"decision,omitempty"`
	Plan     *engine.Plan        `json:"plan,omitempty"`

	PlanOperation  *engine.Operation `json:"plan_operation,omitempty"`
	ApplyOperation *engine.Operation `json:"apply_operation,omitempty"`

	Instances []engine.LiveInstance `json:"instances"`
	Manifest  *engine.Manifest      `json:"manifest,omitempty"`
	Location  string                `json:"location,omitempty"`

	// Failures lists every step that did not succeed.
	Failures []string `json:"failures,omitempty"`

	Summary engine.TrailSummary `json:"summary"`
}

// Options configures a Provisioner.
type Options struct {
	// Actor is the default audit actor.
	Actor string

	// Guard, when set, must allow the plan before any operation runs.
	Guard PlanGuard

	// ActionTimeout bounds each create call. Zero means no bound.
	ActionTimeout time.Duration

	// MaxParallel bounds concurrent create calls.
	MaxParallel int

	Metrics *telemetry.Metrics
}

// Provisioner runs the decide, plan, apply, create and record flow.
type Provisioner struct {
	decider   Decider
	operator  Operator
	recorder  Recorder
	manifests Manifests
	gateway   Creator
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// NewProvisioner creates a provisioner.
func NewProvisioner(decider Decider, operator Operator, recorder Recorder, manifests Manifests, gateway Creator, opts Options, logger zerolog.Logger) *Provisioner {
	if opts.Actor == "" {
		opts.Actor = "terradev"
	}
	return &Provisioner{
		decider:   decider,
		operator:  operator,
		recorder:  recorder,
		manifests: manifests,
		gateway:   gateway,
		opts:      opts,
		logger:    logger.With().Str("component", "provisioner").Logger(),
		now:       time.Now,
	}
}

// Provision selects an instance, plans and applies it, creates the instances
// and records a new manifest version. A dry run stops after the plan
// operation. The returned error is non-nil whenever Status is not provisioned,
// partial or planned; the result is returned alongside it when a trail was opened.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	job := req.Requirements.Job
	if job == "" {
		return nil, engine.NewPermanentError("job is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if req.Source == nil {
		return nil, engine.NewPermanentError("candidate source is required", nil).WithCode(engine.ErrCodeValidation)
	}
	actor := req.Actor
	if actor == "" {
		actor = p.opts.Actor
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}

	trail, err := p.recorder.StartTrail(ctx, actor, "provision")
	if err != nil {
		return nil, err
	}

	result := &ProvisionResult{TrailID: trail.ID, Instances: []engine.LiveInstance{}}
	run := &run{p: p, trail: trail, actor: actor, result: result}
	logger := p.logger.With().Str("job", job).Str("trail_id", trail.ID).Logger()

	d, err := p.decider.SelectFromSource(ctx, req.Source, req.Requirements)
	if err != nil {
		return run.fail(ctx, StatusFailed, "select", err)
	}
	result.Decision = d
	if _, err := trail.LogDecision(ctx, actor, d, ""); err != nil {
		return run.fail(ctx, StatusFailed, "audit", err)
	}

	plan, err := p.decider.CreatePlan(ctx, []*engine.DecisionLog{d})
	if err != nil {
		return run.fail(ctx, StatusFailed, "plan", err)
	}
	result.Plan = plan

	if p.opts.Guard != nil {
		verdict, err := p.opts.Guard.EvaluatePlan(ctx, plan, &policy.PolicyContext{
			Actor:  actor,
			Job:    job,
			DryRun: req.Requirements.DryRun,
		})
		if err != nil {
			return run.fail(ctx, StatusFailed, "policy", err)
		}
		if !verdict.Allowed {
			msgs := make([]string, 0, len(verdict.Violations))
			for _, v := range verdict.Violations {
				msgs = append(msgs, v.Policy+": "+v.Message)
			}
			return run.fail(ctx, StatusBlocked, "policy",
				engine.NewPermanentError("plan denied by policy: "+strings.Join(msgs, "; "), nil).
					WithCode(engine.ErrCodeValidation).
					WithResource(job))
		}
	}

	mode := engine.ModeApply
	if req.Requirements.DryRun {
		mode = engine.ModePlan
	}
	required := engine.ScopeStrings(mode.RequiredPermissions())
	_, denied := p.operator.ValidatePermissions(mode)
	if _, err := trail.LogPermissionCheck(ctx, actor, string(mode), required, granted(required, denied), denied); err != nil {
		return run.fail(ctx, StatusFailed, "audit", err)
	}
	if len(denied) > 0 {
		return run.halt(ctx, StatusBlocked, "permissions",
			engine.NewPermanentError("Missing permissions: "+strings.Join(denied, ", "), nil).
				WithCode(engine.ErrCodePermissionDenied).
				WithOperation(string(mode)))
	}

	planOp, err := p.operator.Plan(ctx, operations.PlanOptions{Plan: plan, Decisions: []engine.DecisionLog{*d}})
	if err != nil {
		return run.fail(ctx, StatusFailed, "plan operation", err)
	}
	result.PlanOperation = planOp
	if _, err := trail.LogOperation(ctx, actor, planOp); err != nil {
		return run.fail(ctx, StatusFailed, "audit", err)
	}
	if err := operationError(planOp); err != nil {
		return run.halt(ctx, StatusFailed, "plan operation", err)
	}

	if req.Requirements.DryRun {
		logger.Info().Str("operation_id", planOp.ID).Msg("Dry run planned")
		return run.finish(ctx, StatusPlanned)
	}

	applyOp, err := p.operator.Apply(ctx, operations.ApplyOptions{FromOperationID: planOp.ID, AutoApprove: true})
	if err != nil {
		return run.fail(ctx, StatusFailed, "apply operation", err)
	}
	result.ApplyOperation = applyOp
	if _, err := trail.LogOperation(ctx, actor, applyOp); err != nil {
		return run.fail(ctx, StatusFailed, "audit", err)
	}
	if err := operationError(applyOp); err != nil {
		return run.halt(ctx, StatusFailed, "apply operation", err)
	}

	spec := instanceSpec(req.Requirements, d.Selected.Candidate)
	created := p.create(ctx, run, d.Selected.Candidate.Provider, spec, count, applyOp.ID)
	result.Instances = created
	if len(created) == 0 {
		return run.halt(ctx, StatusFailed, "create",
			engine.NewTransientError("no instance could be created", nil).
				WithCode(engine.ErrCodeProviderFailed).
				WithResource(job))
	}

	previous, err := p.manifests.Get(ctx, job, "")
	if err != nil && !engine.IsNotFound(err) {
		return run.fail(ctx, StatusFailed, "manifest", err)
	}

	m := p.manifest(req, created)
	location, err := p.manifests.Put(ctx, m)
	if err != nil {
		return run.fail(ctx, StatusFailed, "manifest", err)
	}
	result.Manifest = m
	result.Location = location

	var before interface{} = map[string]interface{}{}
	if previous != nil {
		before = previous
	}
	ids := make([]string, 0, len(created))
	for _, inst := range created {
		ids = append(ids, inst.ID)
	}
	if _, err := trail.LogStateChange(ctx, actor, applyOp.ID, before, m, ids); err != nil {
		return run.fail(ctx, StatusFailed, "audit", err)
	}

	status := StatusProvisioned
	if len(created) < count {
		status = StatusPartial
	}
	logger.Info().
		Str("version", m.Version).
		Int("instances", len(created)).
		Str("status", string(status)).
		Msg("Provisioning completed")
	return run.finish(ctx, status)
}

// create issues count Create calls concurrently. Failures are audited and
// recorded on the result.
func (p *Provisioner) create(ctx context.Context, r *run, provider string, spec engine.InstanceSpec, count int, operationID string) []engine.LiveInstance {
	slots := make([]int, count)
	results := engine.ParallelEach(ctx, slots, p.opts.MaxParallel, p.opts.ActionTimeout,
		func(ctx context.Context, _ int) (*engine.LiveInstance, error) {
			inst, err := p.gateway.Create(ctx, provider, spec)
			if err == nil && inst == nil {
				err = fmt.Errorf("provider %s returned no instance", provider)
			}
			return inst, err
		})

	created := []engine.LiveInstance{}
	for _, res := range results {
		p.opts.Metrics.RecordReconcileAction(provider, "create", res.Err == nil)
		if res.Err != nil {
			r.result.Failures = append(r.result.Failures, fmt.Sprintf("create: %v", res.Err))
			r.audit(ctx, audit.Entry{
				EventType:    engine.AuditErrorOccurred,
				Actor:        r.actor,
				OperationID:  operationID,
				ResourceType: provider,
				Details: map[string]interface{}{
					"action":        "create",
					"error_message": res.Err.Error(),
				},
			})
			p.logger.Warn().Err(res.Err).Str("provider", provider).Msg("Create failed")
			continue
		}
		created = append(created, *res.Value)
	}
	return created
}

func (p *Provisioner) manifest(req ProvisionRequest, created []engine.LiveInstance) *engine.Manifest {
	now := p.now().UTC()
	version := req.Version
	if version == "" {
		version = now.Format("20060102T150405Z")
	}

	nodes := make([]engine.ManifestNode, 0, len(created))
	for _, inst := range created {
		createdAt := inst.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		nodes = append(nodes, engine.ManifestNode{
			Provider:   inst.Provider,
			InstanceID: inst.ID,
			GPUs:       inst.GPUs,
			GPUType:    inst.GPUType,
			Region:     inst.Region,
			Status:     inst.Status,
			CreatedAt:  createdAt,
			TTL:        req.TTL,
		})
	}

	return &engine.Manifest{
		Job:         req.Requirements.Job,
		Version:     version,
		Nodes:       nodes,
		DatasetHash: req.DatasetHash,
		TTL:         req.TTL,
		Metadata:    req.Metadata,
	}
}

// run carries the per-call state of Provision.
type run struct {
	p      *Provisioner
	trail  *audit.Trail
	actor  string
	result *ProvisionResult
}

// audit appends entry to the trail. A failed append is logged and does not
// change the outcome of the run.
func (r *run) audit(ctx context.Context, entry audit.Entry) {
	if _, err := r.trail.AddEntry(ctx, entry); err != nil {
		r.p.logger.Warn().Err(err).
			Str("trail_id", r.trail.ID).
			Str("event_type", string(entry.EventType)).
			Msg("Failed to record audit entry")
	}
}

// fail audits err as an error entry, then halts.
func (r *run) fail(ctx context.Context, status Status, step string, err error) (*ProvisionResult, error) {
	r.audit(ctx, audit.Entry{
		EventType: engine.AuditErrorOccurred,
		Actor:     r.actor,
		Details: map[string]interface{}{
			"step":          step,
			"error_code":    engine.CodeOf(err),
			"error_message": err.Error(),
		},
	})
	return r.halt(ctx, status, step, err)
}

// halt finishes the trail after a failure that is already audited and returns
// the result with err.
func (r *run) halt(ctx context.Context, status Status, step string, err error) (*ProvisionResult, error) {
	r.result.Failures = append(r.result.Failures, fmt.Sprintf("%s: %v", step, err))
	r.p.logger.Error().Err(err).Str("trail_id", r.trail.ID).Str("step", step).Msg("Provisioning failed")
	if _, ferr := r.finish(ctx, status); ferr != nil {
		return r.result, errors.Join(err, ferr)
	}
	return r.result, err
}

func (r *run) finish(ctx context.Context, status Status) (*ProvisionResult, error) {
	r.result.Status = status
	summary, err := r.trail.Finish(ctx)
	if err != nil {
		return r.result, err
	}
	r.result.Summary = summary
	return r.result, nil
}

// operationError describes an operation that did not succeed, or returns nil.
func operationError(op *engine.Operation) error {
	if op.Status == engine.OperationSuccess {
		return nil
	}
	msg := fmt.Sprintf("%s operation %s %s", op.Mode, op.ID, op.Status)
	if op.Stderr != "" {
		msg += ": " + strings.TrimSpace(op.Stderr)
	}
	code := op.ErrorCode
	if code == "" {
		code = engine.ErrCodeInternal
	}
	return engine.NewPermanentError(msg, nil).
		WithCode(code).
		WithOperation(string(op.Mode))
}

func instanceSpec(req engine.Requirements, c engine.Candidate) engine.InstanceSpec {
	spec := engine.InstanceSpec{
		Job:          req.Job,
		GPUs:         req.GPUCount,
		GPUType:      c.GPUType,
		Region:       c.Region,
		InstanceType: c.InstanceType,
	}
	if spec.GPUs <= 0 {
		spec.GPUs = 1
	}
	if spec.GPUType == "" {
		spec.GPUType = req.GPUType
	}
	if spec.Region == "" {
		spec.Region = req.Region
	}
	return spec
}

func granted(required, denied []string) []string {
	missing := make(map[string]bool, len(denied))
	for _, d := range denied {
		missing[d] = true
	}
	out := []string{}
	for _, r := range required {
		if !missing[r] {
			out = append(out, r)
		}
	}
	return out
}
