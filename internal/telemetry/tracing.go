package telemetry

import (
	"context"
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	// Trace operation names
	TraceScaleUp      = "autoscaler.scaler.scale_up"
	TraceScaleDown    = "autoscaler.scaler.scale_down"
	TraceInstanceInfo = "autoscaler.scaler.instance_info"
	TraceEventEmit    = "autoscaler.event.emit"
	TraceScalerHealth = "autoscaler.scaler.health"

	// Attribute keys
	AttrTargetID    = "autoscaler.target.id"
	AttrScaleAmount = "autoscaler.scale.amount"
	AttrRunning     = "autoscaler.instances.running"
	AttrStaging     = "autoscaler.instances.staging"
	AttrErrorType   = "autoscaler.error.type"
)

// TraceHelper provides helper methods for creating traces
type TraceHelper struct {
	tracer oteltrace.Tracer
}

// NewTraceHelper creates a new trace helper
func NewTraceHelper(serviceName string) *TraceHelper {
	return &TraceHelper{
		tracer: otel.Tracer(serviceName),
	}
}

// StartSpan starts a new tracing span with common attributes
func (th *TraceHelper) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return th.tracer.Start(ctx, operationName, oteltrace.WithAttributes(attrs...))
}

// RecordError records an error on the span
func (th *TraceHelper) RecordError(span oteltrace.Span, err error, description string) {
	if err != nil {
		span.SetStatus(codes.Error, description)
		span.RecordError(err, oteltrace.WithAttributes(
			attribute.String(AttrErrorType, description),
		))
	}
}

// SetSpanSuccess marks span as successful
func (th *TraceHelper) SetSpanSuccess(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "Success")
}

// TraceFunc runs fn inside a span named operationName
func (th *TraceHelper) TraceFunc(ctx context.Context, operationName, description string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := th.StartSpan(ctx, operationName, attrs...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		th.RecordError(span, err, description)
		return err
	}

	th.SetSpanSuccess(span)
	return nil
}

// TracedScaler wraps a scaler with one span per call
type TracedScaler struct {
	next   types.ServiceScaler
	helper *TraceHelper
}

// NewTracedScaler wraps next using the helper's tracer
func NewTracedScaler(next types.ServiceScaler, helper *TraceHelper) *TracedScaler {
	return &TracedScaler{next: next, helper: helper}
}

func (t *TracedScaler) ScaleUp(ctx context.Context, id string, amount int) error {
	return t.helper.TraceFunc(ctx, TraceScaleUp, "scale up failed", func(ctx context.Context) error {
		return t.next.ScaleUp(ctx, id, amount)
	}, attribute.String(AttrTargetID, id), attribute.Int(AttrScaleAmount, amount))
}

func (t *TracedScaler) ScaleDown(ctx context.Context, id string, amount int) error {
	return t.helper.TraceFunc(ctx, TraceScaleDown, "scale down failed", func(ctx context.Context) error {
		return t.next.ScaleDown(ctx, id, amount)
	}, attribute.String(AttrTargetID, id), attribute.Int(AttrScaleAmount, amount))
}

func (t *TracedScaler) GetInstanceInfo(ctx context.Context, id string) (types.InstanceSnapshot, error) {
	var snapshot types.InstanceSnapshot
	err := t.helper.TraceFunc(ctx, TraceInstanceInfo, "instance info failed", func(ctx context.Context) error {
		var err error
		snapshot, err = t.next.GetInstanceInfo(ctx, id)
		if err == nil {
			oteltrace.SpanFromContext(ctx).SetAttributes(
				attribute.Int(AttrRunning, snapshot.Running),
				attribute.Int(AttrStaging, snapshot.Staging),
			)
		}
		return err
	}, attribute.String(AttrTargetID, id))
	return snapshot, err
}

func (t *TracedScaler) HealthCheck(ctx context.Context) types.HealthResult {
	ctx, span := t.helper.StartSpan(ctx, TraceScalerHealth)
	defer span.End()

	result := t.next.HealthCheck(ctx)
	span.SetAttributes(attribute.String("health.state", string(result.State)))
	return result
}

// GetTraceHelper returns a trace helper instance from telemetry service
func (s *Service) GetTraceHelper() *TraceHelper {
	if !s.config.Enabled {
		return &TraceHelper{tracer: otel.Tracer("noop")}
	}
	return &TraceHelper{tracer: s.tracer}
}
