// Package telemetry provides observability instrumentation for terradev.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) for monitoring drift detection,
// reconciliation, decisions, and executor operations.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	cmd := tel.StartCommand(ctx, "terradev drift fix")
//	defer func() { cmd.End(err) }()
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("drift")
//	logger = logger.WithJob("train1").WithProvider("aws")
//	logger.Info("querying live instances")
//	logger.WithError(err).Error("provider query failed")
//
// Components that accept a zerolog.Logger directly receive tel.Logger.Zerolog().
//
// # Distributed Tracing
//
//	ctx, span := tel.Tracer.StartDriftSpan(ctx, job, version)
//	defer span.End()
//
// A nil *Tracer is valid and produces no-op spans, so components can carry an
// optional tracer without branching.
//
// Supported exporters: "otlp" (gRPC collector), "stdout" (development), "none".
//
// # Metrics
//
// Every Metrics method is nil-safe and a disabled Metrics is a no-op:
//
//	tel.Metrics.RecordProviderCall("aws", "list_instances", duration)
//	tel.Metrics.RecordDriftDetection("train1", "drift", 1, 0, 0)
//	tel.Metrics.RecordOperation("apply", "success", duration)
//
// Key metrics exposed (namespace "terradev"):
//
//   - terradev_drift_detections_total{job,status}
//   - terradev_drift_nodes{job,class}
//   - terradev_reconcile_actions_total{provider,action,status}
//   - terradev_provider_calls_total{provider,operation}
//   - terradev_provider_errors_total{provider,operation}
//   - terradev_decisions_total{type,provider}
//   - terradev_operations_total{mode,status}
//   - terradev_audit_entries_total{event}
//
// Metrics are served over HTTP by Metrics.Serve (default :9090/metrics).
package telemetry
