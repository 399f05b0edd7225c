// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	metricsSubsystem = "broker"
)

// Start outcomes recorded in workerStarts.
const (
	outcomeReady     = "ready"
	outcomeTimeout   = "timeout"
	outcomePortInUse = "port_in_use"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

var (
	// workerStarts counts launch attempts by outcome.
	workerStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "worker_starts_total",
		Help:      "Worker launch attempts by outcome.",
	}, []string{"outcome"})

	// workersRunning tracks workers that reported ready and have not exited.
	workersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "workers_running",
		Help:      "Workers currently running.",
	})

	// startupSeconds measures launch-to-ready latency.
	startupSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "worker_startup_seconds",
		Help:      "Time from launch to ready handshake.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)
