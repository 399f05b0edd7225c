// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry configures OpenTelemetry tracing and metrics for the
// broker.
//
// Traces go to an OTLP collector over gRPC or to stdout. Metrics are
// exposed for Prometheus scraping, together with the collectors other
// broker packages register through promauto, or printed to stdout.
//
//	tel, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer tel.Shutdown(context.Background())
//	router.GET("/metrics", gin.WrapH(tel.MetricsHandler()))
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilContext is returned when Init is given a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("unknown exporter")
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is reported as service.version.
	ServiceVersion string `yaml:"service_version"`

	// Environment is reported as deployment.environment.
	Environment string `yaml:"environment"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the collector's gRPC address.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS to the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// Output receives stdout exporter output. Nil means os.Stdout.
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns development defaults, overridable by the
// standard OTEL_* environment variables and ALEUTIAN_ENV.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "aleutian-broker",
		ServiceVersion: "dev",
		Environment:    getEnvOr("ALEUTIAN_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", "none"),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// Telemetry holds the installed providers.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metrics        http.Handler
	shutdown       []func(context.Context) error
}

// Init installs global tracer and meter providers.
//
// Description:
//
//	Sets the W3C trace-context propagator and, unless disabled, a batching
//	TracerProvider and a MeterProvider. The Prometheus exporter uses its
//	own registry; MetricsHandler serves it together with the default
//	registry so promauto collectors appear on the same endpoint.
//
// Inputs:
//
//	ctx - Used for exporter connections
//	cfg - Telemetry configuration
//
// Outputs:
//
//	*Telemetry - Call Shutdown on exit
//	error - Non-nil if an exporter cannot be created
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	d := DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = d.ServiceName
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = "none"
	}
	if cfg.MetricExporter == "" {
		cfg.MetricExporter = "none"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	t := &Telemetry{metrics: promhttp.Handler()}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.TraceExporter != "none" {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		t.tracerProvider = tp
		t.shutdown = append(t.shutdown, tp.Shutdown)
	}

	if cfg.MetricExporter != "none" {
		mp, handler, err := newMeterProvider(cfg, res)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		t.meterProvider = mp
		if handler != nil {
			t.metrics = handler
		}
		t.shutdown = append(t.shutdown, mp.Shutdown)
	}

	slog.Debug("telemetry initialized",
		slog.String("traces", cfg.TraceExporter),
		slog.String("metrics", cfg.MetricExporter))
	return t, nil
}

// MetricsHandler serves Prometheus metrics.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metrics
}

// Tracer returns a tracer from the installed provider, or the global one
// when tracing is disabled.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	if t.tracerProvider != nil {
		return t.tracerProvider.Tracer(name)
	}
	return otel.Tracer(name)
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdown[i](ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.TraceExporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(cfg.Output))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	), nil
}

func newMeterProvider(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		reg := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		handler := promhttp.HandlerFor(
			prometheus.Gatherers{prometheus.DefaultGatherer, reg},
			promhttp.HandlerOpts{},
		)
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), handler, nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Output))
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

// TraceID returns the active trace id, or "" outside a sampled span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// LoggerWithTrace adds trace_id and span_id to logger when ctx carries a
// span, so log lines can be joined with traces.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
