package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalgate/wsrpc"
)

// RPCObserver records remote peer calls into OpenTelemetry.
type RPCObserver struct {
	tracer trace.Tracer
	now    func() time.Time

	calls   metric.Int64Counter
	latency metric.Float64Histogram
}

// NewRPCObserver creates an RPC observer bound to the provided meter/tracer.
// tracer may be nil.
func NewRPCObserver(meter metric.Meter, tracer trace.Tracer) (*RPCObserver, error) {
	calls, err := meter.Int64Counter(
		"petalgate.rpc.calls",
		metric.WithDescription("Number of calls to remote peers"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"petalgate.rpc.latency",
		metric.WithDescription("Remote peer call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &RPCObserver{
		tracer:  tracer,
		now:     time.Now,
		calls:   calls,
		latency: latency,
	}, nil
}

// ObserveCall records one finished call.
func (o *RPCObserver) ObserveCall(observation wsrpc.CallObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("conn_id", observation.ConnID),
		attribute.String("action", observation.Action),
		attribute.String("outcome", observation.Outcome),
	}

	ctx := context.Background()
	duration := time.Duration(observation.DurationMS) * time.Millisecond
	options := metric.WithAttributes(attrs...)
	o.calls.Add(ctx, 1, options)
	o.latency.Record(ctx, duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	end := o.now()
	_, span := o.tracer.Start(ctx, "rpc.call",
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(end.Add(-duration)),
	)
	if observation.Outcome != "ok" {
		span.SetStatus(codes.Error, observation.Outcome)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

var _ wsrpc.Observer = (*RPCObserver)(nil)
