// Package telemetry records conversation turns as OpenTelemetry spans and
// counters. Setup installs the SDK pipeline that exports them.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/killallgit/thrive"

// Recorder creates turn spans and owns the engine's counters
type Recorder struct {
	tracer trace.Tracer

	framesReceived metric.Int64Counter
	framesDropped  metric.Int64Counter
	turnFailures   metric.Int64Counter
	turnDuration   metric.Float64Histogram
}

// New returns a Recorder on the global tracer and meter providers
func New(serviceName string) *Recorder {
	if serviceName == "" {
		serviceName = instrumentationName
	}
	return newRecorder(otel.Tracer(serviceName), otel.Meter(serviceName))
}

// Noop returns a Recorder that records nothing
func Noop() *Recorder {
	return newRecorder(tracenoop.NewTracerProvider().Tracer(""), metricnoop.NewMeterProvider().Meter(""))
}

// NewWithProviders builds a Recorder on explicit providers
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) *Recorder {
	return newRecorder(tp.Tracer(instrumentationName), mp.Meter(instrumentationName))
}

func newRecorder(tracer trace.Tracer, meter metric.Meter) *Recorder {
	r := &Recorder{tracer: tracer}

	// Instrument creation only fails on invalid names; fall back to no-ops
	var err error
	noop := metricnoop.NewMeterProvider().Meter("")
	if r.framesReceived, err = meter.Int64Counter("thrive.stream.frames_received",
		metric.WithDescription("SSE frames decoded into events")); err != nil {
		r.framesReceived, _ = noop.Int64Counter("frames_received")
	}
	if r.framesDropped, err = meter.Int64Counter("thrive.stream.frames_dropped",
		metric.WithDescription("SSE frames skipped as undecodable")); err != nil {
		r.framesDropped, _ = noop.Int64Counter("frames_dropped")
	}
	if r.turnFailures, err = meter.Int64Counter("thrive.turn.failures",
		metric.WithDescription("Turns that ended with a transport or decode failure")); err != nil {
		r.turnFailures, _ = noop.Int64Counter("turn_failures")
	}
	if r.turnDuration, err = meter.Float64Histogram("thrive.turn.duration",
		metric.WithUnit("s"), metric.WithDescription("Wall time of a turn")); err != nil {
		r.turnDuration, _ = noop.Float64Histogram("turn_duration")
	}
	return r
}

// Turn is one in-flight send or resume
type Turn struct {
	recorder *Recorder
	span     trace.Span
	start    time.Time
	attrs    []attribute.KeyValue
}

// StartTurn opens a span for a turn of the given kind ("send" or "resume")
func (r *Recorder) StartTurn(ctx context.Context, kind, conversationID string) (context.Context, *Turn) {
	if r == nil {
		r = Noop()
	}
	attrs := []attribute.KeyValue{
		attribute.String("thrive.turn.kind", kind),
		attribute.String("thrive.conversation_id", conversationID),
	}
	ctx, span := r.tracer.Start(ctx, "thrive.turn."+kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))

	return ctx, &Turn{
		recorder: r,
		span:     span,
		start:    time.Now(),
		attrs:    []attribute.KeyValue{attrs[0]},
	}
}

func (t *Turn) FrameReceived(ctx context.Context) {
	t.recorder.framesReceived.Add(ctx, 1, metric.WithAttributes(t.attrs...))
}

// FrameDropped counts a frame that could not be decoded
func (t *Turn) FrameDropped(ctx context.Context, reason string) {
	t.recorder.framesDropped.Add(ctx, 1, metric.WithAttributes(append(t.attrs, attribute.String("reason", reason))...))
	t.span.AddEvent("frame_dropped", trace.WithAttributes(attribute.String("reason", reason)))
}

// ConversationAssigned records the authoritative conversation id on the span
func (t *Turn) ConversationAssigned(conversationID string) {
	t.span.SetAttributes(attribute.String("thrive.conversation_id", conversationID))
}

// End closes the turn. A non-nil err marks the span failed and counts the
// failure under kind.
func (t *Turn) End(ctx context.Context, outcome string, err error, failureKind string) {
	attrs := append(t.attrs, attribute.String("thrive.turn.outcome", outcome))
	t.recorder.turnDuration.Record(ctx, time.Since(t.start).Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		t.recorder.turnFailures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("failure", failureKind))...))
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
	} else {
		t.span.SetStatus(codes.Ok, outcome)
	}
	t.span.SetAttributes(attribute.String("thrive.turn.outcome", outcome))
	t.span.End()
}

// SpanContext exposes the turn's span context, mostly for log correlation
func (t *Turn) SpanContext() trace.SpanContext {
	return t.span.SpanContext()
}
