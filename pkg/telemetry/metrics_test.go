package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// None of these may panic on a disabled collector.
	m.RecordDriftDetection("train1", "drift", 1, 2, 3)
	m.RecordReconcileAction("aws", "create", false)
	m.RecordOperation("apply", "failed", time.Second)
	m.RecordAuditEntry("decision_made")

	var nilMetrics *Metrics
	nilMetrics.RecordProviderCall("aws", "list_instances", time.Millisecond)
	nilMetrics.RecordError("transient", "TIMEOUT")
}

func TestMetricsHandlerExposesRecordedSeries(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordDriftDetection("train1", "drift", 1, 0, 0)
	m.RecordOperation("apply", "success", 2*time.Second)
	m.RecordProviderError("aws", "list_instances")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`terradev_drift_detections_total{job="train1",status="drift"} 1`,
		`terradev_drift_nodes{class="drifted",job="train1"} 1`,
		`terradev_operations_total{mode="apply",status="success"} 1`,
		`terradev_provider_errors_total{operation="list_instances",provider="aws"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestNilTracerProducesNoopSpans(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.StartDriftSpan(context.Background(), "train1", "v1")
	defer span.End()

	if ctx == nil {
		t.Fatal("expected a context")
	}
	if span.SpanContext().IsValid() {
		t.Error("expected a no-op span")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unsupported exporter to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected invalid level to fail validation")
	}
}

func TestLoggerWritesTaggedJSON(t *testing.T) {
	path := t.TempDir() + "/terradev.log"
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.NewComponentLogger("drift").WithJob("train1").WithProvider("aws").Info("query")
	logger.Debug("suppressed")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{`"component":"drift"`, `"job":"train1"`, `"provider":"aws"`, `"message":"query"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
	if strings.Contains(out, "suppressed") {
		t.Error("debug message logged at info level")
	}
}

func TestLoggerRoundTripsThroughContext(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := logger.WithOperationID("op-1").WithContext(context.Background())
	if FromContext(ctx) == nil || FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil")
	}
}
