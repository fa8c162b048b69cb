package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "tasklive"

// Metrics holds the HTTP metric instruments.
type Metrics struct {
	HTTPRequestCount    metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPResponseSize    metric.Int64Histogram
}

// InitMetrics creates the metric instruments on mp.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	m.HTTPRequestCount, err = meter.Int64Counter(
		"http.server.request_count",
		metric.WithDescription("Number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request count counter: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.server.request_duration",
		metric.WithDescription("HTTP request latency, websocket sessions included"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	m.HTTPResponseSize, err = meter.Int64Histogram(
		"http.server.response_size",
		metric.WithDescription("HTTP response size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create response size histogram: %w", err)
	}

	return m, nil
}

// RealtimeStats is a point-in-time view of the realtime hub.
type RealtimeStats struct {
	Connections int
	Channels    int
	Presences   int
}

// ObserveRealtime registers gauges that read fn at every collection.
func ObserveRealtime(mp metric.MeterProvider, fn func() RealtimeStats) (unregister func() error, err error) {
	meter := mp.Meter(meterName)

	conns, err := meter.Int64ObservableGauge("realtime.connections",
		metric.WithDescription("Open websocket connections"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connections gauge: %w", err)
	}
	channels, err := meter.Int64ObservableGauge("realtime.channels",
		metric.WithDescription("Channels with at least one subscriber"),
		metric.WithUnit("{channel}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create channels gauge: %w", err)
	}
	presences, err := meter.Int64ObservableGauge("realtime.presences",
		metric.WithDescription("Tracked presence entries across channels"),
		metric.WithUnit("{presence}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create presences gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := fn()
		o.ObserveInt64(conns, int64(s.Connections))
		o.ObserveInt64(channels, int64(s.Channels))
		o.ObserveInt64(presences, int64(s.Presences))
		return nil
	}, conns, channels, presences)
	if err != nil {
		return nil, fmt.Errorf("failed to register realtime callback: %w", err)
	}
	return reg.Unregister, nil
}

func initMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var exporter sdkmetric.Exporter
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	case "otlp":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}
