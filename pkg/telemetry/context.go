package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics built from one Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// Shutdown flushes the tracer. Metrics are scraped until the process exits.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Command is one traced CLI invocation.
type Command struct {
	Ctx    context.Context
	Logger *Logger

	span  trace.Span
	start time.Time
}

// StartCommand opens a span named after the command path and stores a logger
// tagged with the command and trace id in the returned context.
func (t *Telemetry) StartCommand(ctx context.Context, path string) *Command {
	ctx, span := t.Tracer.StartSpan(ctx, path, AttrCommand.String(path))
	logger := t.Logger.WithField("command", path)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithField("trace_id", sc.TraceID().String())
	}
	return &Command{
		Ctx:    logger.WithContext(ctx),
		Logger: logger,
		span:   span,
		start:  time.Now(),
	}
}

// End closes the command span and logs its duration at debug level.
func (c *Command) End(err error) {
	if err != nil {
		RecordError(c.span, err)
	} else {
		RecordSuccess(c.span)
	}
	c.span.End()
	c.Logger.zlog.Debug().Err(err).Dur("duration", time.Since(c.start)).Msg("command finished")
}

// RecordProviderOperation runs fn inside a provider span and records its
// latency and any error. tracer and metrics may be nil.
func RecordProviderOperation(ctx context.Context, tracer *Tracer, metrics *Metrics, providerName, operation string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.StartProviderSpan(ctx, providerName, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	metrics.RecordProviderCall(providerName, operation, timer.Duration())
	if err != nil {
		metrics.RecordProviderError(providerName, operation)
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
