package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/telemetry"
)

// ErrTrailClosed is returned when an entry is added to a finished trail.
var ErrTrailClosed = errors.New("audit trail is closed")

// Risk contributions of individual entries.
const (
	errorRisk    = 0.3
	rollbackRisk = 0.2
	pinRisk      = 0.1
	deniedRisk   = 0.4
)

// Compliance thresholds on the trail risk score.
const (
	nonCompliantRisk = 0.7
	warningRisk      = 0.3
)

// Store is the persistence a Recorder needs. stores.SQLiteStore implements it.
type Store interface {
	CreateTrail(ctx context.Context, trail *engine.AuditTrail) error
	UpdateTrail(ctx context.Context, trail *engine.AuditTrail) error
	AppendAuditEntry(ctx context.Context, entry *engine.AuditEntry) (int64, error)
	GetTrail(ctx context.Context, trailID string) (*engine.AuditTrail, error)
	ListTrails(ctx context.Context, limit, offset int) ([]*engine.AuditTrail, error)
}

// Entry is the caller-supplied part of an audit entry. The trail assigns the
// entry id, trail id and timestamp.
type Entry struct {
	EventType           engine.AuditEvent
	Actor               string
	OperationID         string
	ResourceType        string
	ResourceID          string
	Details             map[string]interface{}
	DecisionReasoning   string
	PermissionsRequired []string
	RiskAssessment      map[string]interface{}
	RollbackAvailable   bool
	Metadata            map[string]interface{}
}

// Recorder opens and reads audit trails.
type Recorder struct {
	store   Store
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRecorder creates a recorder over store. metrics may be nil.
func NewRecorder(store Store, metrics *telemetry.Metrics, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "audit").Logger(),
		now:     time.Now,
	}
}

// Trail is an open audit trail. It is safe for concurrent use.
type Trail struct {
	// ID identifies the trail in the store.
	ID string

	rec *Recorder

	mu       sync.Mutex
	trail    engine.AuditTrail
	riskSum  float64
	riskN    int
	finished bool
}

// StartTrail opens a trail for actor and records its operation_started entry.
func (r *Recorder) StartTrail(ctx context.Context, actor, operationType string) (*Trail, error) {
	now := r.now().UTC()
	t := &Trail{
		ID:  uuid.NewString(),
		rec: r,
		trail: engine.AuditTrail{
			CreatedAt: now,
			Entries:   []engine.AuditEntry{},
			Summary: engine.TrailSummary{
				Actor:            actor,
				OperationType:    operationType,
				StartedAt:        now,
				ComplianceStatus: string(engine.ComplianceInProgress),
			},
			ComplianceStatus: engine.ComplianceInProgress,
		},
	}
	t.trail.TrailID = t.ID

	if err := r.store.CreateTrail(ctx, &t.trail); err != nil {
		return nil, fmt.Errorf("failed to create trail: %w", err)
	}

	_, err := t.AddEntry(ctx, Entry{
		EventType: engine.AuditOperationStarted,
		Actor:     actor,
		Details: map[string]interface{}{
			"operation_type": operationType,
			"trail_started":  true,
		},
		Metadata: map[string]interface{}{"trail_id": t.ID},
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("trail_id", t.ID).
		Str("actor", actor).
		Str("operation_type", operationType).
		Msg("Audit trail started")
	return t, nil
}

// AddEntry appends e to the trail and returns the new entry id.
func (t *Trail) AddEntry(ctx context.Context, e Entry) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(ctx, e)
}

func (t *Trail) addLocked(ctx context.Context, e Entry) (string, error) {
	if t.finished {
		return "", ErrTrailClosed
	}

	entry := engine.AuditEntry{
		EntryID:             uuid.NewString(),
		TrailID:             t.ID,
		Timestamp:           t.rec.now().UTC(),
		EventType:           e.EventType,
		Actor:               e.Actor,
		OperationID:         e.OperationID,
		ResourceType:        e.ResourceType,
		ResourceID:          e.ResourceID,
		Details:             e.Details,
		DecisionReasoning:   e.DecisionReasoning,
		PermissionsRequired: e.PermissionsRequired,
		RiskAssessment:      e.RiskAssessment,
		RollbackAvailable:   e.RollbackAvailable,
		Metadata:            e.Metadata,
	}
	if entry.Details == nil {
		entry.Details = map[string]interface{}{}
	}
	if entry.PermissionsRequired == nil {
		entry.PermissionsRequired = []string{}
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}

	if _, err := t.rec.store.AppendAuditEntry(ctx, &entry); err != nil {
		return "", fmt.Errorf("failed to append audit entry: %w", err)
	}

	t.trail.Entries = append(t.trail.Entries, entry)
	t.apply(entry)

	if err := t.rec.store.UpdateTrail(ctx, t.snapshotLocked()); err != nil {
		return "", fmt.Errorf("failed to update trail: %w", err)
	}

	t.rec.metrics.RecordAuditEntry(string(entry.EventType))
	t.rec.logger.Debug().
		Str("trail_id", t.ID).
		Str("entry_id", entry.EntryID).
		Str("event", string(entry.EventType)).
		Float64("risk_score", t.trail.RiskScore).
		Msg("Audit entry added")

	return entry.EntryID, nil
}

// apply folds entry into the summary counters, risk score and compliance status.
func (t *Trail) apply(entry engine.AuditEntry) {
	s := &t.trail.Summary
	s.TotalEntries++
	switch entry.EventType {
	case engine.AuditOperationCompleted:
		s.TotalOperations++
		s.SuccessfulOperations++
	case engine.AuditErrorOccurred:
		s.TotalOperations++
		s.FailedOperations++
	case engine.AuditRollbackExecuted:
		s.RollbackOperations++
	}

	for _, c := range riskContributions(entry) {
		t.riskSum += c
		t.riskN++
	}
	if t.riskN > 0 {
		t.trail.RiskScore = t.riskSum / float64(t.riskN)
	}

	t.trail.ComplianceStatus = Compliance(t.trail.RiskScore, s.FailedOperations)
	s.RiskScore = t.trail.RiskScore
	s.ComplianceStatus = string(t.trail.ComplianceStatus)
}

// riskContributions returns every risk value entry adds to the trail mean.
func riskContributions(entry engine.AuditEntry) []float64 {
	var out []float64
	switch entry.EventType {
	case engine.AuditErrorOccurred:
		out = append(out, errorRisk)
	case engine.AuditRollbackExecuted:
		out = append(out, rollbackRisk)
	case engine.AuditPinnedOperation:
		out = append(out, pinRisk)
	}
	if len(entry.RiskAssessment) > 0 {
		out = append(out, toFloat(entry.RiskAssessment["total_risk_score"]))
	}
	if hasDenied(entry.Details["permissions_denied"]) {
		out = append(out, deniedRisk)
	}
	return out
}

// Compliance derives the compliance status from a risk score and failure count.
func Compliance(risk float64, failed int) engine.ComplianceStatus {
	switch {
	case risk > nonCompliantRisk || failed > 0:
		return engine.ComplianceNonCompliant
	case risk > warningRisk:
		return engine.ComplianceWarning
	default:
		return engine.ComplianceCompliant
	}
}

// Finish records the completion entry, persists the trail as finished and
// closes the handle.
func (t *Trail) Finish(ctx context.Context) (engine.TrailSummary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.addLocked(ctx, Entry{
		EventType: engine.AuditOperationCompleted,
		Actor:     "system",
		Details: map[string]interface{}{
			"trail_completed": true,
			"final_status":    "completed",
		},
		Metadata: map[string]interface{}{"trail_completion": true},
	})
	if err != nil {
		return engine.TrailSummary{}, err
	}

	t.trail.Summary.CompletedAt = t.rec.now().UTC()
	t.trail.Finished = true
	if err := t.rec.store.UpdateTrail(ctx, t.snapshotLocked()); err != nil {
		return engine.TrailSummary{}, fmt.Errorf("failed to finish trail: %w", err)
	}
	t.finished = true

	t.rec.logger.Info().
		Str("trail_id", t.ID).
		Str("compliance_status", string(t.trail.ComplianceStatus)).
		Float64("risk_score", t.trail.RiskScore).
		Int("entries", t.trail.Summary.TotalEntries).
		Msg("Audit trail completed")

	return t.trail.Summary, nil
}

// Summary returns the current summary counters.
func (t *Trail) Summary() engine.TrailSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trail.Summary
}

// Snapshot returns a copy of the trail including its entries.
func (t *Trail) Snapshot() *engine.AuditTrail {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *t.snapshotLocked()
	cp.Entries = append([]engine.AuditEntry(nil), t.trail.Entries...)
	return &cp
}

func (t *Trail) snapshotLocked() *engine.AuditTrail {
	cp := t.trail
	cp.Entries = nil
	return &cp
}

// Get loads a persisted trail with its entries.
func (r *Recorder) Get(ctx context.Context, trailID string) (*engine.AuditTrail, error) {
	trail, err := r.store.GetTrail(ctx, trailID)
	if err != nil {
		return nil, err
	}
	return trail, nil
}

// List returns up to limit trails, newest first, without entries. A limit of
// zero lists every trail.
func (r *Recorder) List(ctx context.Context, limit int) ([]*engine.AuditTrail, error) {
	return r.store.ListTrails(ctx, limit, 0)
}

// Export loads trailID and hands it to exp.
func (r *Recorder) Export(ctx context.Context, trailID string, exp Exporter) error {
	trail, err := r.Get(ctx, trailID)
	if err != nil {
		return err
	}
	if err := exp.Export(ctx, trail); err != nil {
		return fmt.Errorf("failed to export trail %s: %w", trailID, err)
	}
	r.logger.Info().Str("trail_id", trailID).Str("exporter", exp.Name()).Msg("Audit trail exported")
	return nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func hasDenied(v interface{}) bool {
	switch d := v.(type) {
	case []string:
		return len(d) > 0
	case []interface{}:
		return len(d) > 0
	default:
		return false
	}
}
