package engine

import (
	"time"
)

// ManifestNode is one provisioned unit recorded in a manifest version.
type ManifestNode struct {
	// Provider is the provider the node runs on (e.g., "aws", "runpod").
	Provider string `json:"provider" validate:"required"`

	// PodID is the provider-assigned pod identifier, when the provider exposes pods.
	PodID string `json:"pod_id,omitempty"`

	// InstanceID is the provider-assigned instance identifier.
	InstanceID string `json:"instance_id,omitempty"`

	// GPUs is the number of GPUs attached to the node.
	GPUs int `json:"gpus" validate:"gte=0"`

	// GPUType is the GPU model (e.g., "A100").
	GPUType string `json:"gpu_type" validate:"required"`

	// Region is the provider region the node runs in.
	Region string `json:"region" validate:"required"`

	// Status is the node status at the time the manifest was written.
	Status string `json:"status" validate:"required"`

	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`

	// TTL is the node time-to-live in seconds, 0 meaning no expiry.
	TTL int64 `json:"ttl,omitempty" validate:"gte=0"`
}

// ID returns the provider-assigned identity of the node.
func (n ManifestNode) ID() string {
	if n.PodID != "" {
		return n.PodID
	}
	return n.InstanceID
}

// Manifest is an immutable, versioned desired-state document for a job.
type Manifest struct {
	// Job is the job the manifest describes.
	Job string `json:"job" validate:"required"`

	// Version identifies this manifest within the job.
	Version string `json:"version" validate:"required"`

	// Nodes are the provisioned units of this version.
	Nodes []ManifestNode `json:"nodes" validate:"dive"`

	// DatasetHash is the "sha256:<hex>" hash of the job's dataset, if any.
	DatasetHash string `json:"dataset_hash,omitempty"`

	// TTL is the manifest time-to-live in seconds.
	TTL int64 `json:"ttl,omitempty" validate:"gte=0"`

	// CreatedAt orders versions; the latest version is the most recently created.
	CreatedAt time.Time `json:"created_at"`

	// Metadata holds free-form job metadata (e.g., "dataset_path").
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Providers returns the distinct providers referenced by the manifest in first-seen order.
func (m *Manifest) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range m.Nodes {
		if !seen[n.Provider] {
			seen[n.Provider] = true
			out = append(out, n.Provider)
		}
	}
	return out
}

// LiveInstance is a provider's view of a running resource.
type LiveInstance struct {
	// ID is the provider-assigned identifier.
	ID string `json:"instance_id"`

	// Provider is the provider reporting the instance.
	Provider string `json:"provider"`

	// Job is the job tag carried by the instance, if any.
	Job string `json:"job,omitempty"`

	// Status is the live status.
	Status string `json:"status"`

	// GPUs is the live GPU count.
	GPUs int `json:"gpus"`

	// GPUType is the live GPU model.
	GPUType string `json:"gpu_type"`

	// Region is the live region.
	Region string `json:"region"`

	// CreatedAt is when the provider created the instance.
	CreatedAt time.Time `json:"created_at"`
}

// InstanceSpec describes an instance to create. Instance identifiers are never part
// of a spec; providers assign them.
type InstanceSpec struct {
	Job     string `json:"job"`
	GPUs    int    `json:"gpus"`
	GPUType string `json:"gpu_type"`
	Region  string `json:"region"`

	// InstanceType is an optional provider instance family chosen by a decision.
	InstanceType string `json:"instance_type,omitempty"`
}

// SpecFromNode derives a creation spec from a manifest node.
func SpecFromNode(job string, n ManifestNode) InstanceSpec {
	return InstanceSpec{
		Job:     job,
		GPUs:    n.GPUs,
		GPUType: n.GPUType,
		Region:  n.Region,
	}
}

// FieldChange is a single field mismatch between a manifest node and its live record.
type FieldChange struct {
	Field    string      `json:"field"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
}

// DriftedNode is a manifest node whose live record differs from the manifest.
type DriftedNode struct {
	// Node is the manifest record.
	Node ManifestNode `json:"node"`

	// Live is the provider's record for the same id.
	Live LiveInstance `json:"live"`

	// Changes lists every mismatched field.
	Changes []FieldChange `json:"changes"`
}

// DriftReport is the three-way diff between a manifest and live provider state.
type DriftReport struct {
	Job     string `json:"job"`
	Version string `json:"version"`

	// DriftedNodes are manifest nodes whose status, GPU count, GPU type or region changed.
	DriftedNodes []DriftedNode `json:"drifted_nodes"`

	// MissingNodes are manifest nodes with no live counterpart.
	MissingNodes []ManifestNode `json:"missing_nodes"`

	// ExtraNodes are live instances tagged with the job but absent from the manifest.
	ExtraNodes []LiveInstance `json:"extra_nodes"`

	// DatasetDrift reports whether the dataset hash no longer matches.
	DatasetDrift bool `json:"dataset_drift"`

	// Replacements maps a manifest node id to the live instance that replaced it after
	// a repair or rollback recreated the node under a new provider-assigned id.
	Replacements map[string]string `json:"replacements,omitempty"`

	// ProviderErrors maps a provider to the error its query returned in this pass.
	ProviderErrors map[string]string `json:"provider_errors,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// HasDrift reports whether any node drifted or went missing.
func (r *DriftReport) HasDrift() bool {
	return len(r.DriftedNodes) > 0 || len(r.MissingNodes) > 0
}

// Candidate is one purchasable option returned by a pricing source.
type Candidate struct {
	Provider     string  `json:"provider" yaml:"provider" validate:"required"`
	InstanceType string  `json:"instance_type" yaml:"instance_type" validate:"required"`
	GPUType      string  `json:"gpu_type" yaml:"gpu_type"`
	GPUMemoryGB  float64 `json:"gpu_memory_gb" yaml:"gpu_memory_gb" validate:"gte=0"`
	PricePerHour float64 `json:"price_per_hour" yaml:"price_per_hour" validate:"gte=0"`

	// Availability is the provider-reported SLA in [0,1]; nil means unknown.
	Availability *float64 `json:"availability,omitempty" yaml:"availability,omitempty" validate:"omitempty,gte=0,lte=1"`

	// LatencyMs is the measured latency; nil means unknown.
	LatencyMs *float64 `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty" validate:"omitempty,gte=0"`

	Region string `json:"region" yaml:"region"`
}

// Key returns a stable display key for the candidate.
func (c Candidate) Key() string {
	return c.Provider + "/" + c.InstanceType
}

// Requirements constrain an instance selection.
type Requirements struct {
	Job             string  `json:"job,omitempty"`
	GPUType         string  `json:"gpu_type,omitempty"`
	GPUCount        int     `json:"gpu_count,omitempty"`
	GPUMemoryGB     float64 `json:"gpu_memory_gb,omitempty"`
	Region          string  `json:"region,omitempty"`
	MaxPricePerHour float64 `json:"max_price_per_hour,omitempty"`

	// DryRun limits the permissions the resulting action will require.
	DryRun bool `json:"dry_run"`

	// Filter is an optional Starlark predicate defining accept(candidate).
	Filter string `json:"filter,omitempty"`
}

// DecisionFactor is one normalized, weighted input to a decision score.
type DecisionFactor struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Weight    float64   `json:"weight"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ScoredOption is a candidate together with its factor breakdown.
type ScoredOption struct {
	Candidate Candidate        `json:"candidate"`
	Factors   []DecisionFactor `json:"factors"`
	Score     float64          `json:"score"`
}

// Risk is a flagged concern attached to a decision.
type Risk struct {
	Type        string       `json:"type"`
	Severity    RiskSeverity `json:"severity"`
	Description string       `json:"description"`
	Mitigation  string       `json:"mitigation"`
}

// DryRunResult previews what acting on a decision would do.
type DryRunResult struct {
	WouldCreate          string            `json:"would_create"`
	EstimatedCostPerHour float64           `json:"estimated_cost_per_hour"`
	PermissionsRequired  []PermissionScope `json:"permissions_required"`
	RiskCount            int               `json:"risk_count"`
	Warnings             []string          `json:"warnings,omitempty"`
}

// RollbackPlan describes how a decision's action can be undone.
type RollbackPlan struct {
	Available           bool              `json:"available"`
	Steps               []string          `json:"steps"`
	RequiredPermissions []PermissionScope `json:"required_permissions"`
}

// DecisionLog is the immutable record of one selection.
type DecisionLog struct {
	DecisionID string       `json:"decision_id"`
	Type       DecisionType `json:"type"`
	Timestamp  time.Time    `json:"timestamp"`

	// Context captures the requirements and any candidates rejected before scoring.
	Context map[string]interface{} `json:"context"`

	// Options are all scored candidates in ranked order.
	Options []ScoredOption `json:"options"`

	Selected     ScoredOption      `json:"selected"`
	Reasoning    string            `json:"reasoning"`
	Confidence   float64           `json:"confidence"`
	Alternatives []ScoredOption    `json:"alternatives"`
	Risks        []Risk            `json:"risks"`
	Permissions  []PermissionScope `json:"permissions"`
	DryRunResult DryRunResult      `json:"dry_run_result"`
	RollbackPlan RollbackPlan      `json:"rollback_plan"`
}

// HighRiskCount returns the number of high-severity risks.
func (d *DecisionLog) HighRiskCount() int {
	n := 0
	for _, r := range d.Risks {
		if r.Severity == RiskSeverityHigh {
			n++
		}
	}
	return n
}

// PlanResource is one resource entry in a plan.
type PlanResource struct {
	Type         string  `json:"type"`
	Name         string  `json:"name"`
	Action       string  `json:"action"`
	Provider     string  `json:"provider,omitempty"`
	InstanceType string  `json:"instance_type,omitempty"`
	CostPerHour  float64 `json:"cost_per_hour,omitempty"`
	DecisionID   string  `json:"decision_id,omitempty"`
	Reasoning    string  `json:"reasoning,omitempty"`

	// Line is the raw executor output line the entry was parsed from.
	Line string `json:"line,omitempty"`
}

// RiskAssessment summarizes the risk of a plan.
type RiskAssessment struct {
	TotalRiskScore     float64 `json:"total_risk_score"`
	HighRiskItems      []Risk  `json:"high_risk_items,omitempty"`
	MitigationRequired bool    `json:"mitigation_required"`
}

// Plan is the set of changes an operation will make.
type Plan struct {
	ID                  string            `json:"id"`
	CreatedAt           time.Time         `json:"created_at"`
	ResourcesToAdd      []PlanResource    `json:"resources_to_add"`
	ResourcesToChange   []PlanResource    `json:"resources_to_change"`
	ResourcesToDestroy  []PlanResource    `json:"resources_to_destroy"`
	CostEstimate        float64           `json:"cost_estimate"`
	PermissionsRequired []PermissionScope `json:"permissions_required"`
	RiskAssessment      RiskAssessment    `json:"risk_assessment"`
	RollbackAvailable   bool              `json:"rollback_available"`
}

// Operation is one permission-scoped execution against the IaC executor.
type Operation struct {
	ID               string          `json:"operation_id"`
	Mode             OperationMode   `json:"mode"`
	Command          []string        `json:"command"`
	WorkingDirectory string          `json:"working_directory"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Status           OperationStatus `json:"status"`
	ExitCode         *int            `json:"exit_code,omitempty"`
	Stdout           string          `json:"stdout"`
	Stderr           string          `json:"stderr"`
	DurationSeconds  float64         `json:"duration_seconds"`

	// ResourcesAffected counts the resource changes reported by the executor.
	ResourcesAffected int     `json:"resources_affected"`
	CostImpact        float64 `json:"cost_impact"`

	// DecisionLogs are the decisions the operation acted on.
	DecisionLogs []DecisionLog `json:"decision_logs,omitempty"`
	Plan         *Plan         `json:"plan,omitempty"`

	RollbackAvailable bool `json:"rollback_available"`

	// RollbackOperationID points forward to the operation that rolled this one back.
	RollbackOperationID string `json:"rollback_operation_id,omitempty"`

	PinEnabled bool   `json:"pin_enabled"`
	PinReason  string `json:"pin_reason,omitempty"`

	// ErrorCode classifies a failed or cancelled operation (e.g., PERMISSION_DENIED).
	ErrorCode string `json:"error_code,omitempty"`
}

// StateSnapshot is an immutable copy of backend state taken before a mutating operation.
type StateSnapshot struct {
	// ID is "pre-{mode}-{operation id}".
	ID          string        `json:"id"`
	OperationID string        `json:"operation_id"`
	Mode        OperationMode `json:"mode"`
	Workspace   string        `json:"workspace"`
	Data        []byte        `json:"-"`
	Serial      int64         `json:"serial"`
	Lineage     string        `json:"lineage"`
	CreatedAt   time.Time     `json:"created_at"`
}

// SnapshotID returns the snapshot key for an operation about to run in mode.
func SnapshotID(mode OperationMode, operationID string) string {
	return "pre-" + string(mode) + "-" + operationID
}

// RunRequest is a single invocation of the IaC executor.
type RunRequest struct {
	Mode    OperationMode
	Args    []string
	WorkDir string
	Timeout time.Duration
}

// RunResult is the outcome of an executor invocation.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// AuditEntry is one append-only event in an audit trail.
type AuditEntry struct {
	EntryID             string                 `json:"entry_id"`
	TrailID             string                 `json:"trail_id"`
	Timestamp           time.Time              `json:"timestamp"`
	EventType           AuditEvent             `json:"event_type"`
	Actor               string                 `json:"actor"`
	OperationID         string                 `json:"operation_id,omitempty"`
	ResourceType        string                 `json:"resource_type,omitempty"`
	ResourceID          string                 `json:"resource_id,omitempty"`
	Details             map[string]interface{} `json:"details"`
	DecisionReasoning   string                 `json:"decision_reasoning,omitempty"`
	PermissionsRequired []string               `json:"permissions_required"`
	RiskAssessment      map[string]interface{} `json:"risk_assessment,omitempty"`
	RollbackAvailable   bool                   `json:"rollback_available"`
	Metadata            map[string]interface{} `json:"metadata"`
}

// TrailSummary holds the running counters of an audit trail.
type TrailSummary struct {
	Actor                string    `json:"actor"`
	OperationType        string    `json:"operation_type"`
	StartedAt            time.Time `json:"started_at"`
	CompletedAt          time.Time `json:"completed_at,omitempty"`
	TotalOperations      int       `json:"total_operations"`
	SuccessfulOperations int       `json:"successful_operations"`
	FailedOperations     int       `json:"failed_operations"`
	RollbackOperations   int       `json:"rollback_operations"`
	TotalEntries         int       `json:"total_entries"`
	ComplianceStatus     string    `json:"compliance_status"`
	RiskScore            float64   `json:"risk_score"`
}

// AuditTrail is a persisted trail with its entries.
type AuditTrail struct {
	TrailID          string           `json:"trail_id"`
	CreatedAt        time.Time        `json:"created_at"`
	Entries          []AuditEntry     `json:"entries"`
	Summary          TrailSummary     `json:"summary"`
	ComplianceStatus ComplianceStatus `json:"compliance_status"`
	RiskScore        float64          `json:"risk_score"`
	Finished         bool             `json:"finished"`
}
