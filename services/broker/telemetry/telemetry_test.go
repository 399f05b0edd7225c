// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context on purpose
	_, err := Init(nil, Config{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Init(context.Background(), Config{MetricExporter: "statsd"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "none"})
	require.NoError(t, err)
	assert.NotNil(t, tel.MetricsHandler())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestInit_PrometheusServesOtelMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := Init(ctx, Config{MetricExporter: "prometheus", TraceExporter: "none"})
	require.NoError(t, err)
	defer tel.Shutdown(ctx)

	counter, err := otel.Meter("telemetry-test").Int64Counter("broker_test_events",
		metric.WithDescription("test counter"))
	require.NoError(t, err)
	counter.Add(ctx, 3)

	w := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "broker_test_events")

	// A second Init must not collide on registration.
	again, err := Init(ctx, Config{MetricExporter: "prometheus", TraceExporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, again.Shutdown(ctx))
}

func TestInit_StdoutTracesAndLoggerWithTrace(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	tel, err := Init(ctx, Config{TraceExporter: "stdout", MetricExporter: "none", Output: &out})
	require.NoError(t, err)

	var logs bytes.Buffer
	base := slog.New(slog.NewTextHandler(&logs, nil))
	assert.Same(t, base, LoggerWithTrace(ctx, base))
	assert.Empty(t, TraceID(ctx))

	spanCtx, span := tel.Tracer("telemetry-test").Start(ctx, "unit")
	LoggerWithTrace(spanCtx, base).Info("inside")
	assert.NotEmpty(t, TraceID(spanCtx))
	span.End()

	require.NoError(t, tel.Shutdown(ctx))
	assert.Contains(t, logs.String(), "trace_id="+TraceID(spanCtx))
	assert.Contains(t, out.String(), `"Name":"unit"`)
}
