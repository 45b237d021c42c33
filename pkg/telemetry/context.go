package telemetry

import (
	"context"
	"errors"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics, and progress events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
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

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNop returns telemetry that records nothing. Useful in tests.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// Observer returns an engine.Observer that records fan-outs with this telemetry.
func (t *Telemetry) Observer() engine.Observer {
	return &fanOutObserver{tel: t}
}

// fanOutObserver turns executor callbacks into spans, metrics, and events.
type fanOutObserver struct {
	tel *Telemetry
}

// fanOutSpanKey is the context key for fan-out spans.
type fanOutSpanKey struct{}

func (o *fanOutObserver) FanOutStarted(ctx context.Context, id string, op *engine.Operation, targets int) context.Context {
	ctx, span := o.tel.Tracer.StartFanOutSpan(ctx, id, op.String(), targets)
	ctx = context.WithValue(ctx, fanOutSpanKey{}, span)

	o.tel.Metrics.RecordFanOutStarted(string(op.Kind), string(op.AuditResource()))
	if err := o.tel.Events.PublishFanOutStarted(id, op.String(), targets); err != nil {
		o.tel.Logger.WithError(err).Debug("Dropped progress event")
	}
	return ctx
}

func (o *fanOutObserver) TargetCompleted(ctx context.Context, id string, outcome *engine.TargetOutcome) {
	code, message := "", ""
	if outcome.Error != nil {
		code, message = outcome.Error.Code, outcome.Error.Message
	}
	o.tel.Metrics.RecordTargetOutcome(outcome.Success, code, outcome.Duration)

	span := trace.SpanFromContext(ctx)
	span.AddEvent("target.completed", trace.WithAttributes(
		AttrTargetID.String(outcome.TargetID),
		AttrTargetName.String(outcome.DisplayName()),
		attribute.Bool("target.success", outcome.Success),
		AttrErrorCode.String(code),
	))

	logger := o.tel.Logger.WithFanOutID(id).WithTarget(outcome.TargetID, outcome.DisplayName())
	if outcome.Success {
		logger.Debug("Target succeeded")
	} else {
		logger.WithField("error_code", code).Warn("Target failed: " + message)
	}

	if err := o.tel.Events.PublishTargetCompleted(
		id, outcome.TargetID, outcome.DisplayName(), outcome.Success, message, outcome.Duration); err != nil {
		logger.WithError(err).Debug("Dropped progress event")
	}
}

func (o *fanOutObserver) FanOutCompleted(ctx context.Context, result *engine.FanOutResult) {
	o.tel.Metrics.RecordFanOutCompleted(string(result.Operation.Kind), string(result.Status), result.Duration())

	if span, ok := ctx.Value(fanOutSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrFanOutStatus.String(string(result.Status)))
		if result.Status == engine.FanOutStatusSuccess {
			RecordSuccess(span)
		} else {
			span.SetAttributes(attribute.Int("fanout.failed", result.Total-result.Succeeded))
		}
		span.End()
	}

	if err := o.tel.Events.PublishFanOutCompleted(
		result.ID, string(result.Status), result.Succeeded, result.Total); err != nil {
		o.tel.Logger.WithError(err).Debug("Dropped progress event")
	}
}
