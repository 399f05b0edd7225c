// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for session operations.
var (
	tracer = otel.Tracer("aleutian.broker.session")
	meter  = otel.Meter("aleutian.broker.session")
)

var (
	requestLatency metric.Float64Histogram
	sessionFaults  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"aleutian.broker.request.duration",
			metric.WithDescription("Duration of session requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionFaults, err = meter.Int64Counter(
			"aleutian.broker.session.faults",
			metric.WithDescription("Sessions that faulted on transport or process failure"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRequestSpan(ctx context.Context, session, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Session.Request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("broker.session", session),
			attribute.String("broker.request", name),
		),
	)
}

func setRequestSpanResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func recordRequest(ctx context.Context, name string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	requestLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("request", name),
		attribute.String("outcome", outcomeLabel(err)),
	))
}

func recordFault(ctx context.Context, session string) {
	if initMetrics() != nil {
		return
	}
	sessionFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("session", session)))
}

func outcomeLabel(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
