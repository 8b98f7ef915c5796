package sweeper

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver implements Observer using OpenTelemetry for traces and metrics.
// This provides automatic integration with OTLP exporters (Jaeger, Tempo,
// Datadog, etc.).
//
// Example:
//
//	tracer := otel.Tracer("sweeper")
//	meter := otel.Meter("sweeper")
//	observer, _ := sweeper.NewOTelObserver(tracer, meter)
//	manager := sweeper.NewManager(store, locker, provider, sweeper.WithObserver(observer))
type OTelObserver struct {
	tracer trace.Tracer

	// Metrics
	finalizeDuration metric.Float64Histogram
	destroyDuration  metric.Float64Histogram
	destroys         metric.Int64Counter
	retries          metric.Int64Counter
	lockWait         metric.Float64Histogram
	lockTimeouts     metric.Int64Counter
}

// NewOTelObserver creates an OpenTelemetry observer.
func NewOTelObserver(tracer trace.Tracer, meter metric.Meter) (*OTelObserver, error) {
	finalizeDuration, err := meter.Float64Histogram(
		"sweeper.finalize.duration",
		metric.WithDescription("Duration of scope finalize in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create finalize duration histogram: %w", err)
	}

	destroyDuration, err := meter.Float64Histogram(
		"sweeper.destroy.duration",
		metric.WithDescription("Duration of provider destroy attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create destroy duration histogram: %w", err)
	}

	destroys, err := meter.Int64Counter(
		"sweeper.destroy.attempts",
		metric.WithDescription("Number of completed destroy attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create destroy counter: %w", err)
	}

	retries, err := meter.Int64Counter(
		"sweeper.destroy.retries",
		metric.WithDescription("Number of destroy retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	lockWait, err := meter.Float64Histogram(
		"sweeper.lock.wait",
		metric.WithDescription("Time spent waiting for scope locks in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock wait histogram: %w", err)
	}

	lockTimeouts, err := meter.Int64Counter(
		"sweeper.lock.timeouts",
		metric.WithDescription("Number of lock acquisition timeouts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock timeouts counter: %w", err)
	}

	return &OTelObserver{
		tracer:           tracer,
		finalizeDuration: finalizeDuration,
		destroyDuration:  destroyDuration,
		destroys:         destroys,
		retries:          retries,
		lockWait:         lockWait,
		lockTimeouts:     lockTimeouts,
	}, nil
}

func (o *OTelObserver) OnFinalizeStart(ctx context.Context, event *FinalizeStartEvent) {
	_, span := o.tracer.Start(ctx, "scope.finalize",
		trace.WithAttributes(
			attribute.String("scope", event.ScopePath.String()),
			attribute.Int("declared", event.Declared),
			attribute.Bool("dry_run", event.DryRun),
		),
	)
	// Span lifecycle is driven through context; see OnFinalizeEnd.
	_ = span
}

func (o *OTelObserver) OnFinalizeEnd(ctx context.Context, event *FinalizeEndEvent) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if event.Error != nil {
			span.SetStatus(codes.Error, event.Error.Error())
			span.RecordError(event.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(
			attribute.Int("deleted", event.Deleted),
			attribute.Int("failed", event.Failed),
		)
		span.End()
	}

	attrs := []attribute.KeyValue{
		attribute.String("scope", event.ScopePath.String()),
		attribute.Bool("success", event.Error == nil),
		attribute.Bool("dry_run", event.DryRun),
	}
	o.finalizeDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(attrs...))
}

func (o *OTelObserver) OnDestroyStart(ctx context.Context, event *DestroyStartEvent) {}

func (o *OTelObserver) OnDestroyEnd(ctx context.Context, event *DestroyEndEvent) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", event.Kind),
		attribute.Bool("success", event.Error == nil),
		attribute.Bool("not_found", event.NotFound),
	}

	o.destroyDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(attrs...))
	o.destroys.Add(ctx, 1, metric.WithAttributes(attrs...))

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("destroy", trace.WithAttributes(
			attribute.String("resource_id", event.ResourceID),
			attribute.Bool("success", event.Error == nil),
			attribute.Int("attempt", event.Attempt),
		))
	}
}

func (o *OTelObserver) OnRetry(ctx context.Context, event *RetryEvent) {
	o.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource_id", event.ResourceID),
		attribute.Int("attempt", event.Attempt),
	))

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", event.Attempt),
			attribute.String("error", event.Error.Error()),
			attribute.String("delay", event.Delay.String()),
		))
	}
}

func (o *OTelObserver) OnLockAcquired(ctx context.Context, event *LockEvent) {
	o.lockWait.Record(ctx, event.Wait.Seconds(), metric.WithAttributes(
		attribute.String("scope", event.ScopePath.String()),
	))
	if !event.Acquired {
		o.lockTimeouts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", event.ScopePath.String()),
		))
	}
}
