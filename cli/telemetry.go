package cli

import (
	"context"
	"errors"
	"log/slog"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/petal-labs/petalgate"

// telemetry owns the process meter and tracer providers. Metrics are held
// by a manual reader and summarized in the log at shutdown; traces are
// exported over OTLP/HTTP when an endpoint is configured.
type telemetry struct {
	reader         *sdkmetric.ManualReader
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	logger         *slog.Logger
}

func setupTelemetry(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (*telemetry, error) {
	res := resource.NewSchemaless(attribute.String("service.name", "petalgate"))

	reader := sdkmetric.NewManualReader()
	t := &telemetry{
		reader: reader,
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		),
		logger: logger,
	}
	otelapi.SetMeterProvider(t.meterProvider)

	if otlpEndpoint == "" {
		return t, nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
	if err != nil {
		_ = t.meterProvider.Shutdown(ctx)
		return nil, err
	}
	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otelapi.SetTracerProvider(t.tracerProvider)
	logger.Info("trace export enabled", "endpoint", otlpEndpoint)
	return t, nil
}

func (t *telemetry) Meter() metric.Meter {
	return t.meterProvider.Meter(instrumentationName)
}

// Tracer returns nil when traces are not exported.
func (t *telemetry) Tracer() trace.Tracer {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Tracer(instrumentationName)
}

// Shutdown logs the collected metric totals and flushes both providers.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err == nil {
		logMetricTotals(t.logger, &rm)
	}
	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	errs = append(errs, t.meterProvider.Shutdown(ctx))
	return errors.Join(errs...)
}

func logMetricTotals(logger *slog.Logger, rm *metricdata.ResourceMetrics) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				logger.Info("metric total", "name", m.Name, "value", total)
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				logger.Info("metric total", "name", m.Name, "count", count, "sum", sum)
			}
		}
	}
}
