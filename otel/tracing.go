// Package otel provides OpenTelemetry integration for PetalGate invocations
// and remote peer calls.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalgate/engine"
)

// TracingHandler translates engine events into OpenTelemetry spans. It keeps
// one span per active invocation and one child span per running tool call.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	invSpans  map[string]trace.Span      // invocationID -> span
	invCtxs   map[string]context.Context // invocationID -> context (for child spans)
	toolSpans map[string]trace.Span      // invocationID:callID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from engine events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		invSpans:  make(map[string]trace.Span),
		invCtxs:   make(map[string]context.Context),
		toolSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans accordingly.
// It implements engine.EventHandler semantics.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventInvocationStarted:
		h.handleInvocationStarted(e)
	case engine.EventToolExecutionStarted:
		h.handleToolStarted(e)
	case engine.EventToolExecutionFinished:
		h.handleToolEnded(e, "")
	case engine.EventToolExecutionError:
		errMsg := payloadString(e.Payload, "error")
		if errMsg == "" {
			errMsg = "tool failed"
		}
		h.handleToolEnded(e, errMsg)
	case engine.EventInvocationFinished:
		h.handleInvocationFinished(e)
	default:
		h.handleAnnotation(e)
	}
}

func (h *TracingHandler) handleInvocationStarted(e engine.Event) {
	ctx, span := h.tracer.Start(context.Background(), "llm.invoke",
		trace.WithAttributes(
			attribute.String("petalgate.invocation_id", e.InvocationID),
			attribute.String("petalgate.provider", e.Provider),
			attribute.String("petalgate.model", e.Model),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.invSpans[e.InvocationID] = span
	h.invCtxs[e.InvocationID] = ctx
	h.mu.Unlock()
}

func toolKey(e engine.Event) string {
	return e.InvocationID + ":" + payloadString(e.Payload, "call_id")
}

func (h *TracingHandler) handleToolStarted(e engine.Event) {
	h.mu.RLock()
	parentCtx, ok := h.invCtxs[e.InvocationID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "tool.execute",
		trace.WithAttributes(
			attribute.String("petalgate.invocation_id", e.InvocationID),
			attribute.String("petalgate.tool_name", payloadString(e.Payload, "name")),
			attribute.String("petalgate.tool_origin", payloadString(e.Payload, "origin")),
			attribute.String("petalgate.call_id", payloadString(e.Payload, "call_id")),
			attribute.Int("petalgate.attempt", e.Attempt),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.toolSpans[toolKey(e)] = span
	h.mu.Unlock()
}

// handleToolEnded ends a tool span; a non-empty errMsg marks it failed.
func (h *TracingHandler) handleToolEnded(e engine.Event, errMsg string) {
	key := toolKey(e)
	h.mu.Lock()
	span, ok := h.toolSpans[key]
	if ok {
		delete(h.toolSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int64("petalgate.duration_ms", e.Elapsed.Milliseconds()))
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleAnnotation records any other event on the invocation span.
func (h *TracingHandler) handleAnnotation(e engine.Event) {
	h.mu.RLock()
	span, ok := h.invSpans[e.InvocationID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.Int("petalgate.attempt", e.Attempt)}
	if code := payloadString(e.Payload, "code"); code != "" {
		attrs = append(attrs, attribute.String("petalgate.error_code", code))
	}
	span.AddEvent(e.Kind.String(), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleInvocationFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.invSpans[e.InvocationID]
	if ok {
		delete(h.invSpans, e.InvocationID)
		delete(h.invCtxs, e.InvocationID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	status := payloadString(e.Payload, "status")
	span.SetAttributes(
		attribute.String("petalgate.status", status),
		attribute.Int("petalgate.attempts", payloadInt(e.Payload, "attempts")),
		attribute.Int64("petalgate.duration_ms", e.Elapsed.Milliseconds()),
	)
	if status == "failed" {
		errMsg := payloadString(e.Payload, "error")
		if errMsg == "" {
			errMsg = "invocation failed"
		}
		span.SetAttributes(attribute.String("petalgate.error_code", payloadString(e.Payload, "code")))
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the running invocation, or an
// empty SpanContext if there is none.
func (h *TracingHandler) ActiveSpanContext(invocationID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.invSpans[invocationID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
