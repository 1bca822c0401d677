package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for terradev.
type Metrics struct {
	config MetricsConfig

	driftDetections *prometheus.CounterVec
	driftedNodes    *prometheus.GaugeVec

	reconcileActions *prometheus.CounterVec
	reconcileResults *prometheus.CounterVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	decisions     *prometheus.CounterVec
	decisionScore *prometheus.HistogramVec
	decisionRisks *prometheus.CounterVec

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	auditEntries *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics builds the collectors on a private registry. A disabled config
// yields a Metrics whose methods do nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, b []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: b}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		driftDetections: counter("drift_detections_total", "Drift detection passes by outcome", "job", "status"),
		driftedNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "drift_nodes",
			Help:      "Nodes per drift class in the latest detection",
		}, []string{"job", "class"}),

		reconcileActions: counter("reconcile_actions_total", "Terminate and create actions issued by the reconciler", "provider", "action", "status"),
		reconcileResults: counter("reconcile_results_total", "Reconcile runs by outcome", "job", "status"),

		providerCalls:    counter("provider_calls_total", "Provider API calls", "provider", "operation"),
		providerDuration: histogram("provider_call_duration_seconds", "Provider API call latency", buckets, "provider", "operation"),
		providerErrors:   counter("provider_errors_total", "Failed provider API calls", "provider", "operation"),

		decisions:     counter("decisions_total", "Decisions by type and selected provider", "type", "provider"),
		decisionScore: histogram("decision_score", "Total score of the selected option", prometheus.LinearBuckets(0, 0.1, 11), "type"),
		decisionRisks: counter("decision_risks_total", "Risks flagged on decisions", "type", "severity"),

		operations:        counter("operations_total", "Executor operations by mode and final status", "mode", "status"),
		operationDuration: histogram("operation_duration_seconds", "Executor operation latency", buckets, "mode"),

		auditEntries: counter("audit_entries_total", "Audit entries appended", "event"),

		errorsByClass: counter("errors_by_class_total", "Errors by class", "class"),
		errorsByCode:  counter("errors_by_code_total", "Errors by code", "code"),
	}

	m.registry.MustRegister(
		m.driftDetections, m.driftedNodes,
		m.reconcileActions, m.reconcileResults,
		m.providerCalls, m.providerDuration, m.providerErrors,
		m.decisions, m.decisionScore, m.decisionRisks,
		m.operations, m.operationDuration,
		m.auditEntries,
		m.errorsByClass, m.errorsByCode,
	)
	return m, nil
}

// Drift Metrics

// RecordDriftDetection records a drift detection and the size of each drift class.
func (m *Metrics) RecordDriftDetection(job, status string, drifted, missing, extra int) {
	if m == nil || m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(job, status).Inc()
	m.driftedNodes.WithLabelValues(job, "drifted").Set(float64(drifted))
	m.driftedNodes.WithLabelValues(job, "missing").Set(float64(missing))
	m.driftedNodes.WithLabelValues(job, "extra").Set(float64(extra))
}

// Reconcile Metrics

// RecordReconcileAction records a single terminate or create issued during repair.
func (m *Metrics) RecordReconcileAction(provider, action string, ok bool) {
	if m == nil || m.reconcileActions == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failed"
	}
	m.reconcileActions.WithLabelValues(provider, action, status).Inc()
}

// RecordReconcileResult records the outcome of a fix or rollback.
func (m *Metrics) RecordReconcileResult(job, status string) {
	if m == nil || m.reconcileResults == nil {
		return
	}
	m.reconcileResults.WithLabelValues(job, status).Inc()
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// Decision Metrics

// RecordDecision records a decision, its winning score and its risks by severity.
func (m *Metrics) RecordDecision(decisionType, provider string, score float64, risksBySeverity map[string]int) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.WithLabelValues(decisionType, provider).Inc()
	m.decisionScore.WithLabelValues(decisionType).Observe(score)
	for severity, n := range risksBySeverity {
		m.decisionRisks.WithLabelValues(decisionType, severity).Add(float64(n))
	}
}

// Operation Metrics

// RecordOperation records a finished operation.
func (m *Metrics) RecordOperation(mode, status string, duration time.Duration) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(mode, status).Inc()
	if duration > 0 {
		m.operationDuration.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

// Audit Metrics

// RecordAuditEntry records an appended audit entry.
func (m *Metrics) RecordAuditEntry(event string) {
	if m == nil || m.auditEntries == nil {
		return
	}
	m.auditEntries.WithLabelValues(event).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer measures elapsed wall time.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown failed")
		}
		return nil
	}
}
