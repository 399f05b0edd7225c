// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBroker/services/broker/server"
	"github.com/AleutianAI/AleutianBroker/services/broker/telemetry"
)

var serveListen string

// runServe starts telemetry and the broker service, then blocks until
// SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	if serveListen != "" {
		cfg.Listen = serveListen
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	svc, err := server.New(cfg, server.WithMetricsHandler(tel.MetricsHandler()))
	if err != nil {
		return err
	}

	slog.Info("broker starting", "listen", cfg.Listen, "version", server.Version)
	err = svc.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
