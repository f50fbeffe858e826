package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalgate/engine"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
// It records invocation outcomes, attempts consumed and tool executions.
type MetricsHandler struct {
	invocations        metric.Int64Counter
	attempts           metric.Int64Counter
	invocationDuration metric.Float64Histogram
	toolExecutions     metric.Int64Counter
	toolDuration       metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	invocations, err := meter.Int64Counter("petalgate.invocations",
		metric.WithDescription("Number of finished invocations"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter("petalgate.attempts",
		metric.WithDescription("Number of model attempts consumed by invocations"),
	)
	if err != nil {
		return nil, err
	}

	invDur, err := meter.Float64Histogram("petalgate.invocation.duration",
		metric.WithDescription("Duration of an invocation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	toolExec, err := meter.Int64Counter("petalgate.tool.executions",
		metric.WithDescription("Number of tool executions"),
	)
	if err != nil {
		return nil, err
	}

	toolDur, err := meter.Float64Histogram("petalgate.tool.duration",
		metric.WithDescription("Duration of tool execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		invocations:        invocations,
		attempts:           attempts,
		invocationDuration: invDur,
		toolExecutions:     toolExec,
		toolDuration:       toolDur,
	}, nil
}

// Handle processes an engine event and records the appropriate metrics.
// It implements engine.EventHandler semantics.
func (h *MetricsHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventInvocationFinished:
		h.handleInvocationFinished(e)
	case engine.EventToolExecutionFinished:
		h.handleToolFinished(e, true)
	case engine.EventToolExecutionError:
		h.handleToolFinished(e, false)
	}
}

func (h *MetricsHandler) handleInvocationFinished(e engine.Event) {
	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("provider", e.Provider),
		attribute.String("status", payloadString(e.Payload, "status")),
	}
	if code := payloadString(e.Payload, "code"); code != "" {
		attrs = append(attrs, attribute.String("error_code", code))
	}
	opts := metric.WithAttributes(attrs...)
	h.invocations.Add(ctx, 1, opts)
	h.invocationDuration.Record(ctx, e.Elapsed.Seconds(), opts)

	if n := payloadInt(e.Payload, "attempts"); n > 0 {
		h.attempts.Add(ctx, int64(n), metric.WithAttributes(attribute.String("provider", e.Provider)))
	}
}

func (h *MetricsHandler) handleToolFinished(e engine.Event, success bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("tool_name", payloadString(e.Payload, "name")),
		attribute.String("origin", payloadString(e.Payload, "origin")),
		attribute.Bool("success", success),
	)
	h.toolExecutions.Add(ctx, 1, attrs)
	h.toolDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
