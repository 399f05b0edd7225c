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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBroker/pkg/ux"
	"github.com/AleutianAI/AleutianBroker/services/broker/auth"
	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
	"github.com/AleutianAI/AleutianBroker/services/broker/session"
	"github.com/AleutianAI/AleutianBroker/services/broker/supervisor"
	"github.com/AleutianAI/AleutianBroker/services/broker/transport"
)

var (
	connectURI         string
	connectToken       string
	connectInterpreter string
	connectEval        string
	connectStdio       bool
)

// runConnect opens one session, prints the host's about record, runs the
// optional expression while streaming its output, then disconnects.
func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name := "cli-" + uuid.NewString()[:8]
	if len(args) == 1 {
		name = args[0]
	}

	var cred *auth.Credential
	token := connectToken
	if token == "" {
		token = os.Getenv("BROKER_TOKEN")
	}
	if token != "" {
		cred = &auth.Credential{Secret: token}
	}
	info, err := session.ParseConnectionInfo(name, connectURI, cred)
	if err != nil {
		return err
	}

	registry := interpreter.NewRegistry(interpreter.DefaultSources(cfg.InterpreterRoots)...)
	opts := session.ConnectOptions{StartupTimeout: cfg.StartupTimeout}
	if connectStdio {
		opts.Endpoint = supervisor.EndpointStdio
	}
	if connectInterpreter != "" && info.IsLocal() {
		pinned, err := registry.Lookup(ctx, cfg.VersionRange(), connectInterpreter)
		if err != nil {
			return err
		}
		opts.Interpreter = &pinned
	}

	connector := session.NewConnector(session.ConnectorConfig{
		HostPath:     cfg.HostPath,
		VersionRange: cfg.VersionRange(),
		Supervisor:   supervisor.Config{StartupTimeout: cfg.StartupTimeout, StopGrace: cfg.StopGrace},
		Transport:    transport.Config{MaxFrameSize: cfg.MaxFrameSize},
	}, registry)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+time.Second)
		defer cancel()
		_ = connector.Close(closeCtx)
	}()

	sess, err := connector.Connect(ctx, info, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p := ux.Auto(out)
	about, err := sess.Request(ctx, protocol.OpAbout, nil, nil)
	if err != nil {
		return fmt.Errorf("about: %w", err)
	}
	var record json.RawMessage
	if err := about.DecodeArgs(&record); err != nil {
		return fmt.Errorf("about: %w", err)
	}
	p.Success("session %s open", sess.Name())
	p.Line(string(record))

	if connectEval == "" {
		return connector.Disconnect(ctx, name)
	}

	code, err := evalStreaming(ctx, sess, connectEval, p.Line)
	if err != nil {
		return err
	}
	if err := connector.Disconnect(ctx, name); err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("expression exited with status %d", code)
	}
	return nil
}

// evalStreaming sends an eval request and passes each output event that
// belongs to it to emit until the reply arrives.
func evalStreaming(ctx context.Context, sess *session.Session, expr string, emit func(string)) (int, error) {
	sub := sess.Subscribe()
	defer sub.Close()

	type result struct {
		msg *protocol.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := sess.Request(ctx, protocol.OpEval, []any{expr}, nil)
		done <- result{m, err}
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				r := <-done
				return exitCode(r.msg, r.err)
			}
			emitOutput(ev, emit)
		case r := <-done:
			// Output precedes the reply on the wire but may still be in
			// the subscription queue.
			for {
				select {
				case ev, ok := <-sub.C():
					if !ok {
						return exitCode(r.msg, r.err)
					}
					emitOutput(ev, emit)
				case <-time.After(outputDrainWindow):
					return exitCode(r.msg, r.err)
				}
			}
		}
	}
}

const outputDrainWindow = 100 * time.Millisecond

func emitOutput(ev *protocol.Message, emit func(string)) {
	if ev.Name != protocol.EventOutput {
		return
	}
	var (
		reqID uint64
		line  string
	)
	if err := ev.DecodeArgs(&reqID, &line); err == nil {
		emit(line)
	}
}

func exitCode(m *protocol.Message, err error) (int, error) {
	if err != nil {
		var remote *session.RemoteError
		if errors.As(err, &remote) {
			return 0, fmt.Errorf("eval failed: %s", remote.Message)
		}
		return 0, err
	}
	var code int
	if err := m.DecodeArgs(&code); err != nil {
		return 0, err
	}
	return code, nil
}
