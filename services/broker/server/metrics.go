// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	metricsSubsystem = "broker"
)

var (
	// sessionsActive tracks sessions with a running worker.
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "sessions_active",
		Help:      "Sessions hosted by this broker.",
	})

	// sessionCreates counts PUT/POST session requests by outcome.
	sessionCreates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "session_creates_total",
		Help:      "Session create requests by outcome.",
	}, []string{"outcome"})

	// pipeMessages counts relayed messages by direction.
	pipeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "pipe_messages_total",
		Help:      "Messages relayed between clients and workers.",
	}, []string{"direction"})

	// pipesOpen tracks attached WebSocket pipes.
	pipesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "pipes_open",
		Help:      "Attached WebSocket pipes.",
	})
)
