// Package observability wires OpenTelemetry traces and metrics for the
// realtime server.
package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// shutdownTimeout bounds Cleanup.
const shutdownTimeout = 5 * time.Second

// Telemetry holds OTel providers and configuration.
type Telemetry struct {
	config         *Config
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metrics        *Metrics

	shutdowns    []func(context.Context) error
	shutdownOnce sync.Once
}

// Init initializes OpenTelemetry with the given configuration and
// returns a cleanup function for defer. A disabled config yields no-op
// providers.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	tel := &Telemetry{config: cfg}
	if !cfg.ShouldEnable() {
		return tel, func() {}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.TracesEnabled {
		tp, err := initTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, nil, err
		}
		tel.tracerProvider = tp
		tel.shutdowns = append(tel.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := initMeterProvider(ctx, cfg, res)
		if err != nil {
			tel.Cleanup()
			return nil, nil, err
		}
		// Shutting the provider down flushes its periodic reader.
		tel.meterProvider = mp
		tel.shutdowns = append(tel.shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)

		metrics, err := InitMetrics(mp)
		if err != nil {
			tel.Cleanup()
			return nil, nil, err
		}
		tel.metrics = metrics
	}

	return tel, tel.Cleanup, nil
}

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// TracerProvider returns the tracer provider (or noop if disabled).
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider != nil {
		return t.tracerProvider
	}
	return tracenoop.NewTracerProvider()
}

// MeterProvider returns the meter provider (or noop if disabled).
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return metricnoop.NewMeterProvider()
}

// Metrics returns the metric instruments (or nil if disabled).
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// ObserveRealtime reports fn's realtime figures as gauges at every
// collection. It does nothing when metrics are disabled.
func (t *Telemetry) ObserveRealtime(fn func() RealtimeStats) error {
	if t.meterProvider == nil {
		return nil
	}
	unregister, err := ObserveRealtime(t.meterProvider, fn)
	if err != nil {
		return err
	}
	t.shutdowns = append([]func(context.Context) error{func(context.Context) error {
		return unregister()
	}}, t.shutdowns...)
	return nil
}

// Shutdown flushes and closes all providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		var errs []error
		for _, fn := range t.shutdowns {
			if e := fn(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// Cleanup is a convenience function for defer cleanup.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}
