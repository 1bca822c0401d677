package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/audit"
	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/operations"
	"github.com/terradev/terradev/pkg/policy"
	"github.com/terradev/terradev/pkg/stores"
)

type staticSource []engine.Candidate

func (s staticSource) Candidates(context.Context, engine.Requirements) ([]engine.Candidate, error) {
	return s, nil
}

type fakeDecider struct {
	selectErr error
}

func (f *fakeDecider) SelectFromSource(ctx context.Context, src engine.CandidateSource, req engine.Requirements) (*engine.DecisionLog, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	candidates, err := src.Candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	selected := engine.ScoredOption{Candidate: candidates[0], Score: 0.8}
	return &engine.DecisionLog{
		DecisionID:  "dec-1",
		Type:        engine.DecisionInstanceSelection,
		Options:     []engine.ScoredOption{selected},
		Selected:    selected,
		Reasoning:   "cheapest",
		Confidence:  0.9,
		Permissions: []engine.PermissionScope{engine.PermissionReadOnly, engine.PermissionPlanOnly, engine.PermissionApply},
	}, nil
}

func (f *fakeDecider) CreatePlan(_ context.Context, decisions []*engine.DecisionLog) (*engine.Plan, error) {
	return &engine.Plan{
		ID:                "plan-1",
		ResourcesToAdd:    []engine.PlanResource{{Type: "gpu_instance", Action: "create", DecisionID: decisions[0].DecisionID}},
		CostEstimate:      decisions[0].Selected.Candidate.PricePerHour,
		RollbackAvailable: true,
	}, nil
}

type fakeOperator struct {
	mu          sync.Mutex
	denied      []string
	planStatus  engine.OperationStatus
	applyStatus engine.OperationStatus
	plans       []operations.PlanOptions
	applies     []operations.ApplyOptions
}

func (f *fakeOperator) ValidatePermissions(engine.OperationMode) (bool, []string) {
	return len(f.denied) == 0, f.denied
}

func (f *fakeOperator) Plan(_ context.Context, opts operations.PlanOptions) (*engine.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, opts)
	status := f.planStatus
	if status == "" {
		status = engine.OperationSuccess
	}
	return &engine.Operation{ID: "op-plan", Mode: engine.ModePlan, Status: status, Plan: opts.Plan, RollbackAvailable: true}, nil
}

func (f *fakeOperator) Apply(_ context.Context, opts operations.ApplyOptions) (*engine.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, opts)
	status := f.applyStatus
	op := &engine.Operation{ID: "op-apply", Mode: engine.ModeApply, Status: engine.OperationSuccess, RollbackAvailable: true}
	if status != "" {
		op.Status = status
		op.ErrorCode = engine.ErrCodeProviderFailed
		op.Stderr = "Error: quota exceeded\n"
	}
	return op, nil
}

type fakeManifests struct {
	mu     sync.Mutex
	latest *engine.Manifest
	put    []*engine.Manifest
	putErr error
}

func (f *fakeManifests) Get(_ context.Context, job, _ string) (*engine.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, engine.NewNotFoundError(engine.ErrCodeManifestNotFound, "no manifest found for job "+job)
	}
	return f.latest, nil
}

func (f *fakeManifests) Put(_ context.Context, m *engine.Manifest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	f.put = append(f.put, m)
	f.latest = m
	return "manifests/" + m.Job + "/" + m.Version, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	n       int
	failing int
	empty   int
	specs   []engine.InstanceSpec
	hook    func()
}

func (f *fakeGateway) Create(_ context.Context, provider string, spec engine.InstanceSpec) (*engine.LiveInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.n++
	if f.hook != nil {
		f.hook()
	}
	if f.n <= f.failing {
		return nil, errors.New("capacity exhausted")
	}
	if f.n <= f.failing+f.empty {
		return nil, nil
	}
	return &engine.LiveInstance{
		ID:       fmt.Sprintf("i-%d", f.n),
		Provider: provider,
		Job:      spec.Job,
		Status:   "running",
		GPUs:     spec.GPUs,
		GPUType:  spec.GPUType,
		Region:   spec.Region,
	}, nil
}

type fakeGuard struct {
	allowed bool
}

func (f *fakeGuard) EvaluatePlan(context.Context, *engine.Plan, *policy.PolicyContext) (*policy.PolicyResult, error) {
	r := &policy.PolicyResult{Allowed: f.allowed}
	if !f.allowed {
		r.Violations = []policy.PolicyViolation{{Policy: "plan-risk-guard", Message: "risk too high", Severity: policy.SeverityError}}
	}
	return r, nil
}

type fixture struct {
	p         *Provisioner
	operator  *fakeOperator
	manifests *fakeManifests
	gateway   *fakeGateway
	recorder  *audit.Recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		operator:  &fakeOperator{},
		manifests: &fakeManifests{},
		gateway:   &fakeGateway{},
		recorder:  audit.NewRecorder(store, nil, zerolog.Nop()),
	}
	f.p = NewProvisioner(&fakeDecider{}, f.operator, f.recorder, f.manifests, f.gateway, opts, zerolog.Nop())
	f.p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func request() ProvisionRequest {
	return ProvisionRequest{
		Actor: "alice",
		Requirements: engine.Requirements{
			Job:      "train",
			GPUType:  "A100",
			GPUCount: 8,
			Region:   "us-east-1",
		},
		Source: staticSource{{Provider: "aws", InstanceType: "p4d.24xlarge", GPUType: "A100", PricePerHour: 32.77}},
		Count:  2,
	}
}

func events(trail *engine.AuditTrail) []string {
	out := make([]string, 0, len(trail.Entries))
	for _, e := range trail.Entries {
		out = append(out, string(e.EventType))
	}
	return out
}

func TestProvision(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	result, err := f.p.Provision(ctx, request())
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if result.Status != StatusProvisioned {
		t.Fatalf("status = %s, want provisioned (failures %v)", result.Status, result.Failures)
	}

	if len(f.operator.plans) != 1 || f.operator.plans[0].Plan == nil || f.operator.plans[0].Plan.ID != "plan-1" {
		t.Errorf("plan options = %+v", f.operator.plans)
	}
	if len(f.operator.applies) != 1 || f.operator.applies[0].FromOperationID != "op-plan" {
		t.Errorf("apply options = %+v", f.operator.applies)
	}

	spec := f.gateway.specs[0]
	if spec.GPUs != 8 || spec.GPUType != "A100" || spec.Region != "us-east-1" || spec.InstanceType != "p4d.24xlarge" {
		t.Errorf("instance spec = %+v", spec)
	}

	if len(f.manifests.put) != 1 {
		t.Fatalf("manifests put = %d, want 1", len(f.manifests.put))
	}
	m := f.manifests.put[0]
	if m.Version != "20260301T120000Z" || len(m.Nodes) != 2 {
		t.Errorf("manifest = %+v", m)
	}
	for _, n := range m.Nodes {
		if n.Provider != "aws" || n.InstanceID == "" || n.Status != "running" {
			t.Errorf("node = %+v", n)
		}
	}
	if result.Location != "manifests/train/20260301T120000Z" {
		t.Errorf("location = %s", result.Location)
	}

	trail, err := f.recorder.Get(ctx, result.TrailID)
	if err != nil {
		t.Fatal(err)
	}
	want := "operation_started,decision_made,permission_checked,operation_completed,operation_completed,state_changed,operation_completed"
	if got := strings.Join(events(trail), ","); got != want {
		t.Errorf("events = %s\nwant %s", got, want)
	}
	if !trail.Finished || trail.Summary.Actor != "alice" {
		t.Errorf("trail = %+v", trail.Summary)
	}
	if result.Summary.SuccessfulOperations != 3 {
		t.Errorf("summary = %+v", result.Summary)
	}
}

func TestProvisionDryRunStopsAfterPlan(t *testing.T) {
	f := newFixture(t, Options{})
	req := request()
	req.Requirements.DryRun = true

	result, err := f.p.Provision(context.Background(), req)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if result.Status != StatusPlanned {
		t.Errorf("status = %s, want planned", result.Status)
	}
	if len(f.operator.applies) != 0 || len(f.gateway.specs) != 0 || len(f.manifests.put) != 0 {
		t.Error("dry run must not apply, create or record a manifest")
	}
}

func TestProvisionPermissionDenied(t *testing.T) {
	f := newFixture(t, Options{})
	f.operator.denied = []string{"apply"}

	result, err := f.p.Provision(context.Background(), request())
	if !engine.IsPermissionDenied(err) {
		t.Fatalf("Provision() error = %v, want permission denied", err)
	}
	if result.Status != StatusBlocked {
		t.Errorf("status = %s, want blocked", result.Status)
	}
	if len(f.operator.plans) != 0 {
		t.Error("no operation may run without permissions")
	}

	trail, err := f.recorder.Get(context.Background(), result.TrailID)
	if err != nil {
		t.Fatal(err)
	}
	if !trail.Finished {
		t.Error("trail not finished after denial")
	}
	check := trail.Entries[2]
	if check.EventType != engine.AuditPermissionChecked || check.Details["check_passed"] != false {
		t.Errorf("permission entry = %+v", check)
	}
}

func TestProvisionPolicyBlocked(t *testing.T) {
	f := newFixture(t, Options{Guard: &fakeGuard{allowed: false}})

	result, err := f.p.Provision(context.Background(), request())
	if err == nil || !strings.Contains(err.Error(), "plan-risk-guard: risk too high") {
		t.Fatalf("Provision() error = %v", err)
	}
	if result.Status != StatusBlocked {
		t.Errorf("status = %s, want blocked", result.Status)
	}
	if len(f.operator.plans) != 0 {
		t.Error("blocked plan must not run")
	}
}

func TestProvisionApplyFailure(t *testing.T) {
	f := newFixture(t, Options{Guard: &fakeGuard{allowed: true}})
	f.operator.applyStatus = engine.OperationFailed

	result, err := f.p.Provision(context.Background(), request())
	if engine.CodeOf(err) != engine.ErrCodeProviderFailed {
		t.Fatalf("Provision() error = %v, want PROVIDER_FAILED", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error = %v, want stderr in message", err)
	}
	if len(f.gateway.specs) != 0 {
		t.Error("no instance may be created after a failed apply")
	}

	trail, _ := f.recorder.Get(context.Background(), result.TrailID)
	if trail.Summary.FailedOperations != 1 || trail.ComplianceStatus != engine.ComplianceNonCompliant {
		t.Errorf("trail summary = %+v", trail.Summary)
	}
}

func TestProvisionPartialCreate(t *testing.T) {
	f := newFixture(t, Options{MaxParallel: 1})
	f.gateway.failing = 1
	prev := &engine.Manifest{Job: "train", Version: "v1"}
	f.manifests.latest = prev

	result, err := f.p.Provision(context.Background(), request())
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if result.Status != StatusPartial {
		t.Errorf("status = %s, want partial", result.Status)
	}
	if len(result.Instances) != 1 || len(result.Manifest.Nodes) != 1 {
		t.Errorf("instances = %+v", result.Instances)
	}
	if len(result.Failures) != 1 || !strings.Contains(result.Failures[0], "capacity exhausted") {
		t.Errorf("failures = %v", result.Failures)
	}
}

func TestProvisionNothingCreated(t *testing.T) {
	f := newFixture(t, Options{})
	f.gateway.failing = 10

	result, err := f.p.Provision(context.Background(), request())
	if err == nil {
		t.Fatal("expected error when no instance is created")
	}
	if result.Status != StatusFailed || len(f.manifests.put) != 0 {
		t.Errorf("status = %s, manifests = %d", result.Status, len(f.manifests.put))
	}
}

func TestProvisionEmptyCreateIsFailure(t *testing.T) {
	f := newFixture(t, Options{MaxParallel: 1})
	f.gateway.empty = 1

	result, err := f.p.Provision(context.Background(), request())
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if result.Status != StatusPartial || len(result.Instances) != 1 {
		t.Errorf("status = %s, instances = %+v", result.Status, result.Instances)
	}
	if len(result.Failures) != 1 || !strings.Contains(result.Failures[0], "returned no instance") {
		t.Errorf("failures = %v", result.Failures)
	}
}

func TestProvisionLogsAuditFailures(t *testing.T) {
	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	var once sync.Once
	closeStore := func() { once.Do(func() { _ = store.Close() }) }
	t.Cleanup(closeStore)

	var logs bytes.Buffer
	gateway := &fakeGateway{failing: 10, hook: closeStore}
	p := NewProvisioner(&fakeDecider{}, &fakeOperator{}, audit.NewRecorder(store, nil, zerolog.Nop()),
		&fakeManifests{}, gateway, Options{MaxParallel: 1}, zerolog.New(&logs))

	result, err := p.Provision(context.Background(), request())
	if err == nil {
		t.Fatal("expected error when no instance is created")
	}
	if len(result.Failures) == 0 || !strings.Contains(result.Failures[0], "capacity exhausted") {
		t.Errorf("failures = %v", result.Failures)
	}
	if !strings.Contains(logs.String(), "Failed to record audit entry") {
		t.Errorf("audit failure not logged:\n%s", logs.String())
	}
}

func TestProvisionSelectFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.p.decider = &fakeDecider{selectErr: engine.NewPermanentError("no candidates", nil).WithCode(engine.ErrCodeValidation)}

	result, err := f.p.Provision(context.Background(), request())
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Fatalf("Provision() error = %v", err)
	}
	trail, _ := f.recorder.Get(context.Background(), result.TrailID)
	if got := strings.Join(events(trail), ","); got != "operation_started,error_occurred,operation_completed" {
		t.Errorf("events = %s", got)
	}
}

func TestProvisionValidation(t *testing.T) {
	f := newFixture(t, Options{})

	req := request()
	req.Requirements.Job = ""
	if _, err := f.p.Provision(context.Background(), req); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("missing job error = %v", err)
	}

	req = request()
	req.Source = nil
	if _, err := f.p.Provision(context.Background(), req); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("missing source error = %v", err)
	}
}
