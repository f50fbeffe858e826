package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalgate/engine"
)

// Observer bundles the event handlers and the RPC observer built from one
// meter and tracer.
type Observer struct {
	Metrics *MetricsHandler
	Tracing *TracingHandler
	RPC     *RPCObserver
}

// NewObserver creates every instrument on meter. A nil tracer disables spans.
func NewObserver(meter metric.Meter, tracer trace.Tracer) (*Observer, error) {
	metrics, err := NewMetricsHandler(meter)
	if err != nil {
		return nil, err
	}
	rpc, err := NewRPCObserver(meter, tracer)
	if err != nil {
		return nil, err
	}
	obs := &Observer{Metrics: metrics, RPC: rpc}
	if tracer != nil {
		obs.Tracing = NewTracingHandler(tracer)
	}
	return obs, nil
}

// EventHandler returns an engine handler feeding metrics and, when enabled,
// spans.
func (o *Observer) EventHandler() engine.EventHandler {
	if o.Tracing == nil {
		return o.Metrics.Handle
	}
	return engine.MultiEventHandler(o.Metrics.Handle, o.Tracing.Handle)
}
