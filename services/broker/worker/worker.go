// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker is the host side of the broker protocol.
//
// A worker binds the endpoint it was launched with, announces readiness on
// stderr and serves requests from one connection at a time. It hosts the
// interpreter by running its executable for eval requests. Garbage on the
// wire drops the connection, never the process.
package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/AleutianAI/AleutianBroker/pkg/logging"
	"github.com/AleutianAI/AleutianBroker/pkg/netutil"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
	"github.com/AleutianAI/AleutianBroker/services/broker/transport"
)

// Config describes one worker process.
type Config struct {
	// Endpoint is protocol.StdioEndpoint or a TCP listen address.
	Endpoint string

	// Name is the session name the worker serves.
	Name string

	// InterpreterHome is the interpreter install path. Empty disables eval.
	InterpreterHome string

	// Transport carries frame limits.
	Transport transport.Config

	// Stdin, Stdout and Stderr default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (c *Config) applyDefaults() {
	if c.Stdin == nil {
		c.Stdin = os.Stdin
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
}

// Main parses arguments, runs the worker and returns the process exit code.
//
// Description:
//
//	Flags fall back to the environment variables of the launch contract.
//	Exit codes: 0 on clean shutdown, 2 on bad arguments,
//	protocol.ExitCodePortInUse when the endpoint port is taken, 1 otherwise.
func Main(args []string) int {
	fs := flag.NewFlagSet("hostworker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	endpoint := fs.String(protocol.ArgEndpoint[2:], os.Getenv(protocol.EnvEndpoint), "stdio or TCP listen address")
	name := fs.String(protocol.ArgName[2:], os.Getenv(protocol.EnvSession), "session name")
	home := fs.String(protocol.ArgInterpreterHome[2:], os.Getenv(protocol.EnvInterpreterHome), "interpreter install path")
	level := fs.String("log-level", os.Getenv("BROKER_LOG_LEVEL"), "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *endpoint == "" {
		fmt.Fprintln(os.Stderr, "hostworker: --endpoint is required")
		return 2
	}

	lvl, err := logging.ParseLevel(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hostworker:", err)
		return 2
	}
	logger, _ := logging.New(logging.Config{Level: lvl, Service: "hostworker"})
	defer logger.Close()
	logger.Install()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = Run(ctx, Config{
		Endpoint:        *endpoint,
		Name:            *name,
		InterpreterHome: *home,
		Transport:       transport.DefaultConfig(),
	})
	switch {
	case err == nil:
		return 0
	case errors.Is(err, netutil.ErrPortInUse):
		slog.Error("endpoint port in use", slog.String("endpoint", *endpoint))
		return protocol.ExitCodePortInUse
	default:
		slog.Error("worker failed", slog.String("error", err.Error()))
		return 1
	}
}

// Run serves the configured endpoint until shutdown, stdin EOF or ctx ends.
func Run(ctx context.Context, cfg Config) error {
	cfg.applyDefaults()
	w := &Worker{cfg: cfg, logger: slog.Default().With(slog.String("session", cfg.Name))}
	if cfg.Endpoint == protocol.StdioEndpoint {
		return w.runStdio(ctx)
	}
	return w.runTCP(ctx)
}

// announce writes the ready handshake line.
func (w *Worker) announce(endpoint string) {
	fmt.Fprintf(w.cfg.Stderr, "%s endpoint=%s\n", protocol.ReadyLine, endpoint)
}

// =============================================================================
// ENDPOINTS
// =============================================================================

func (w *Worker) runTCP(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := netutil.Listen(ctx, w.cfg.Endpoint)
	if err != nil {
		return err
	}
	defer ln.Close()

	// The supervisor closes our stdin to ask for shutdown.
	go func() {
		_, _ = io.Copy(io.Discard, w.cfg.Stdin)
		cancel()
	}()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	w.announce(ln.Addr().String())
	w.logger.Info("worker listening", slog.String("endpoint", ln.Addr().String()))

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		tr := transport.NewStream(nc, w.cfg.Transport)
		shutdown := w.serve(ctx, tr)
		_ = tr.Close()
		if shutdown {
			return nil
		}
	}
}

func (w *Worker) runStdio(ctx context.Context) error {
	tr := transport.NewStream(&stdio{r: w.cfg.Stdin, w: w.cfg.Stdout}, w.cfg.Transport)
	w.announce(protocol.StdioEndpoint)

	if w.serve(ctx, tr) || ctx.Err() != nil {
		return nil
	}
	select {
	case <-tr.Done():
	default:
		// Replies can no longer be written.
		return nil
	}
	// The stream lost sync or ended; keep the process alive until the
	// broker closes stdin.
	_, _ = io.Copy(io.Discard, w.cfg.Stdin)
	return nil
}

// stdio adapts the process streams. Close is a no-op so a dropped
// connection does not close the process's file descriptors.
type stdio struct {
	r io.Reader
	w io.Writer
}

func (s *stdio) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdio) Close() error                { return nil }

// =============================================================================
// SERVING
// =============================================================================

// Worker dispatches requests from one connection at a time.
type Worker struct {
	cfg    Config
	logger *slog.Logger
}

// conn is the per-connection reply state.
type conn struct {
	tr     transport.Transport
	mu     sync.Mutex
	nextID uint64
}

// send assigns the next id and writes m. Ids are assigned under mu so they
// reach the wire in increasing order.
func (c *conn) send(ctx context.Context, m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	m.ID = c.nextID
	return c.tr.Send(ctx, m)
}

// reply answers req with a response of the same name.
func (c *conn) reply(ctx context.Context, req *protocol.Message, blob []byte, args ...any) error {
	raw, err := protocol.MarshalArgs(args...)
	if err != nil {
		return c.fail(ctx, req, err)
	}
	return c.send(ctx, &protocol.Message{RequestID: req.ID, Name: req.Name, Args: raw, Blob: blob})
}

// fail answers req with an error reply.
func (c *conn) fail(ctx context.Context, req *protocol.Message, cause error) error {
	m, _ := protocol.NewMessage(protocol.ErrorReplyName, cause.Error())
	m.RequestID = req.ID
	return c.send(ctx, m)
}

// event sends an unsolicited message.
func (c *conn) event(ctx context.Context, name string, args ...any) error {
	m, err := protocol.NewMessage(name, args...)
	if err != nil {
		return err
	}
	return c.send(ctx, m)
}

// serve handles requests until the connection ends. It reports whether a
// shutdown request was received.
func (w *Worker) serve(ctx context.Context, tr transport.Transport) bool {
	c := &conn{tr: tr}
	w.logger.Debug("connection accepted")
	for {
		req, err := tr.Receive(ctx)
		if err != nil {
			if transport.IsRecoverable(err) {
				w.logger.Debug("ignoring malformed frame", slog.String("error", err.Error()))
				continue
			}
			w.logger.Debug("connection ended", slog.String("reason", err.Error()))
			return false
		}
		if req.IsResponse() {
			continue
		}

		shutdown, err := w.dispatch(ctx, c, req)
		if err != nil {
			w.logger.Debug("reply failed", slog.String("op", req.Name), slog.String("error", err.Error()))
			return false
		}
		if shutdown {
			return true
		}
	}
}
