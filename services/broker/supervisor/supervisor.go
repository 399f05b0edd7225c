// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor launches and watches worker processes.
//
// A Supervisor owns at most one worker. It passes the launch contract
// (endpoint, session name, interpreter home), waits for the ready line on
// the worker's stderr, enforces the startup deadline and reports how the
// process ended. It never restarts a worker.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianBroker/pkg/netutil"
	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
)

// stderrTailLines is how many recent side-channel lines are kept for
// startup failure messages.
const stderrTailLines = 20

// EndpointKind selects how the worker exposes its message stream.
type EndpointKind int

const (
	// EndpointTCP has the worker listen on a loopback TCP port.
	EndpointTCP EndpointKind = iota

	// EndpointStdio uses the worker's stdin and stdout.
	EndpointStdio
)

// Config holds supervisor defaults.
type Config struct {
	// StartupTimeout bounds launch-to-ready when StartOptions.Timeout is zero.
	StartupTimeout time.Duration

	// StopGrace is how long Stop waits after closing stdin before killing.
	StopGrace time.Duration
}

// DefaultConfig returns the standard supervisor configuration.
func DefaultConfig() Config {
	return Config{
		StartupTimeout: 30 * time.Second,
		StopGrace:      5 * time.Second,
	}
}

// StartOptions describes one worker launch.
type StartOptions struct {
	// HostPath is the worker executable. Resolved through PATH if relative.
	HostPath string

	// Interpreter is the installation the worker hosts.
	Interpreter interpreter.InterpreterInfo

	// Args are appended after the launch contract arguments.
	Args []string

	// WorkingDir is the worker's working directory. Empty inherits ours.
	WorkingDir string

	// Timeout overrides Config.StartupTimeout when positive.
	Timeout time.Duration

	// Endpoint selects TCP (default) or stdio.
	Endpoint EndpointKind

	// Port is the TCP port to use. Zero lets the worker pick one.
	Port int

	// SessionName is passed to the worker for identification.
	SessionName string

	// Env holds extra KEY=VALUE entries added to our environment.
	Env []string
}

// RunningProcess is a worker that has completed the ready handshake.
type RunningProcess struct {
	// PID is the operating system process id.
	PID int

	// Endpoint is the TCP address, or protocol.StdioEndpoint.
	Endpoint string

	stream io.ReadWriteCloser
}

// Stream returns the stdin/stdout pair of a stdio worker, nil for TCP.
func (p *RunningProcess) Stream() io.ReadWriteCloser {
	return p.stream
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// Supervisor launches one worker and tracks it until it exits.
//
// Thread Safety:
//
//	Safe for concurrent use. Only the first Start launches a process.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stopping   bool
	timedOut   bool
	status     ExitStatus
	tail       []string
	terminated chan struct{}
}

// New creates an idle supervisor.
func New(cfg Config) *Supervisor {
	d := DefaultConfig()
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = d.StartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = d.StopGrace
	}
	return &Supervisor{
		cfg:        cfg,
		logger:     slog.Default().With(slog.String("component", "supervisor")),
		terminated: make(chan struct{}),
	}
}

// Start launches the worker and waits for its ready line.
//
// Description:
//
//	For TCP endpoints a configured port is checked first; when Port is zero
//	the worker binds an ephemeral loopback port and reports it on the
//	ready line. The announced endpoint must be loopback. The worker
//	receives the endpoint,
//	session name and interpreter home as arguments and environment
//	variables, then must write protocol.ReadyLine on stderr before the
//	startup deadline. Failures before the process is spawned leave the
//	supervisor reusable.
//
// Inputs:
//
//	ctx - Cancels the wait for readiness (the worker is then killed). The
//	      worker's lifetime is not tied to ctx once it is running.
//	opts - Launch options
//
// Outputs:
//
//	*RunningProcess - The ready worker
//	error - Non-nil on failure
//
// Errors:
//
//	ErrAlreadyStarted - Start was already called successfully
//	ErrPortInUse - The configured port is bound, or the worker exited with
//	               protocol.ExitCodePortInUse while binding it
//	ErrReservedArgument - opts.Args tried to set a launch-contract flag
//	ErrNotLoopback - A TCP worker announced a non-loopback endpoint
//	ErrStartupTimeout - No ready line before the deadline
//	ErrStartupFailed - Launch failed or the worker exited early
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (*RunningProcess, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}

	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	cmd, endpoint, err := s.prepare(opts)
	if err != nil {
		s.setState(StateNotStarted)
		if errors.Is(err, ErrPortInUse) {
			workerStarts.WithLabelValues(outcomePortInUse).Inc()
		} else {
			workerStarts.WithLabelValues(outcomeFailed).Inc()
		}
		return nil, err
	}

	sideR, sideW, err := os.Pipe()
	if err != nil {
		s.setState(StateNotStarted)
		workerStarts.WithLabelValues(outcomeFailed).Inc()
		return nil, fmt.Errorf("%w: side channel: %v", ErrStartupFailed, err)
	}
	cmd.Stderr = sideW

	var stream io.ReadWriteCloser
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(sideR, sideW)
		s.setState(StateNotStarted)
		workerStarts.WithLabelValues(outcomeFailed).Inc()
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrStartupFailed, err)
	}
	var outR, outW *os.File
	if opts.Endpoint == EndpointStdio {
		outR, outW, err = os.Pipe()
		if err != nil {
			closeAll(sideR, sideW, stdin)
			s.setState(StateNotStarted)
			workerStarts.WithLabelValues(outcomeFailed).Inc()
			return nil, fmt.Errorf("%w: stdout pipe: %v", ErrStartupFailed, err)
		}
		cmd.Stdout = outW
		stream = &stdioStream{r: outR, w: stdin}
	} else {
		cmd.Stdout = sideW
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		closeAll(sideR, sideW, stdin)
		if outR != nil {
			closeAll(outR, outW)
		}
		s.setState(StateNotStarted)
		workerStarts.WithLabelValues(outcomeFailed).Inc()
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	// The child holds its own copies of the write ends.
	_ = sideW.Close()
	if outW != nil {
		_ = outW.Close()
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()

	logger := s.logger.With(
		slog.Int("pid", cmd.Process.Pid),
		slog.String("session", opts.SessionName),
	)
	logger.Info("worker launched",
		slog.String("host", cmd.Path),
		slog.String("endpoint", endpoint),
		slog.String("interpreter", opts.Interpreter.Name),
	)

	ready := make(chan string, 1)
	go s.readSideChannel(sideR, ready, logger)
	go s.wait(logger)

	timeout := s.cfg.StartupTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reported := <-ready:
		if opts.Endpoint == EndpointTCP {
			if reported != "" {
				endpoint = reported
			}
			if err := requireLoopback(endpoint); err != nil {
				s.mu.Lock()
				s.stopping = true
				s.mu.Unlock()
				_ = cmd.Process.Kill()
				<-s.terminated
				workerStarts.WithLabelValues(outcomeFailed).Inc()
				logger.Warn("worker announced a non-loopback endpoint", slog.String("endpoint", endpoint))
				return nil, err
			}
		}
		s.mu.Lock()
		if s.state == StateStarting {
			s.state = StateRunning
			workersRunning.Inc()
		}
		running := s.state == StateRunning
		s.mu.Unlock()
		if !running {
			// Exited right after announcing readiness.
			<-s.terminated
			workerStarts.WithLabelValues(outcomeFailed).Inc()
			return nil, fmt.Errorf("%w: %s", ErrStartupFailed, s.ExitStatus())
		}
		workerStarts.WithLabelValues(outcomeReady).Inc()
		startupSeconds.Observe(time.Since(started).Seconds())
		logger.Info("worker ready",
			slog.String("endpoint", endpoint),
			slog.Duration("startup", time.Since(started)))
		return &RunningProcess{PID: cmd.Process.Pid, Endpoint: endpoint, stream: stream}, nil

	case <-s.terminated:
		closeStream(stream)
		status := s.ExitStatus()
		if status.Code == protocol.ExitCodePortInUse && opts.Port > 0 {
			workerStarts.WithLabelValues(outcomePortInUse).Inc()
			return nil, fmt.Errorf("%w: %s", ErrPortInUse, endpoint)
		}
		workerStarts.WithLabelValues(outcomeFailed).Inc()
		return nil, fmt.Errorf("%w: %s before ready%s", ErrStartupFailed, status, s.tailSuffix())

	case <-timer.C:
		s.mu.Lock()
		s.timedOut = true
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		<-s.terminated
		closeStream(stream)
		workerStarts.WithLabelValues(outcomeTimeout).Inc()
		logger.Warn("worker startup timed out", slog.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w after %s", ErrStartupTimeout, timeout)

	case <-ctx.Done():
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		<-s.terminated
		closeStream(stream)
		workerStarts.WithLabelValues(outcomeCancelled).Inc()
		return nil, ctx.Err()
	}
}

// prepare resolves the executable and endpoint and builds the command.
func (s *Supervisor) prepare(opts StartOptions) (*exec.Cmd, string, error) {
	if opts.HostPath == "" {
		return nil, "", fmt.Errorf("%w: host path is empty", ErrStartupFailed)
	}
	path, err := exec.LookPath(opts.HostPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	if err := CheckArgs(opts.Args); err != nil {
		return nil, "", err
	}

	endpoint := protocol.StdioEndpoint
	if opts.Endpoint == EndpointTCP {
		// Port 0 lets the worker bind an ephemeral port and report it on
		// the ready line.
		if opts.Port > 0 {
			if err := netutil.ProbePort(opts.Port); err != nil {
				if errors.Is(err, netutil.ErrPortInUse) {
					return nil, "", fmt.Errorf("%w: %d", ErrPortInUse, opts.Port)
				}
				return nil, "", fmt.Errorf("%w: check port %d: %v", ErrStartupFailed, opts.Port, err)
			}
		}
		endpoint = netutil.LoopbackAddr(opts.Port)
	}

	args := []string{
		protocol.ArgEndpoint, endpoint,
		protocol.ArgName, opts.SessionName,
		protocol.ArgInterpreterHome, opts.Interpreter.InstallPath,
	}
	args = append(args, opts.Args...)

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env,
		protocol.EnvEndpoint+"="+endpoint,
		protocol.EnvSession+"="+opts.SessionName,
	)
	if opts.Interpreter.InstallPath != "" {
		cmd.Env = append(cmd.Env, protocol.EnvInterpreterHome+"="+opts.Interpreter.InstallPath)
	}
	return cmd, endpoint, nil
}

// readSideChannel scans worker stderr for the ready line and logs the rest.
func (s *Supervisor) readSideChannel(r io.ReadCloser, ready chan<- string, logger *slog.Logger) {
	defer r.Close()
	announced := false
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !announced && strings.HasPrefix(line, protocol.ReadyLine) {
			announced = true
			ready <- parseReadyEndpoint(line)
			continue
		}
		logger.Debug("worker output", slog.String("line", line))
		s.mu.Lock()
		s.tail = append(s.tail, line)
		if len(s.tail) > stderrTailLines {
			s.tail = s.tail[len(s.tail)-stderrTailLines:]
		}
		s.mu.Unlock()
	}
}

// parseReadyEndpoint extracts "endpoint=<addr>" from the ready line.
func parseReadyEndpoint(line string) string {
	for _, field := range strings.Fields(strings.TrimPrefix(line, protocol.ReadyLine)) {
		if v, ok := strings.CutPrefix(field, "endpoint="); ok {
			return v
		}
	}
	return ""
}

// reservedFlags are set by the supervisor and may not be overridden.
var reservedFlags = []string{protocol.ArgEndpoint, protocol.ArgName, protocol.ArgInterpreterHome}

// CheckArgs rejects extra worker arguments that name a launch-contract
// flag in any of the spellings the flag package accepts ("-x", "--x",
// "-x=v", "--x=v").
func CheckArgs(args []string) error {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		name, _, _ = strings.Cut(name, "=")
		for _, reserved := range reservedFlags {
			if name == strings.TrimLeft(reserved, "-") {
				return fmt.Errorf("%w: %s", ErrReservedArgument, arg)
			}
		}
	}
	return nil
}

// requireLoopback checks that a TCP endpoint is bound to a loopback address.
func requireLoopback(endpoint string) error {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrNotLoopback, endpoint)
	}
	if port == "0" {
		return fmt.Errorf("%w: worker did not report its bound port", ErrStartupFailed)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotLoopback, endpoint)
}

// wait reaps the process and records how it ended.
func (s *Supervisor) wait(logger *slog.Logger) {
	err := s.cmd.Wait()

	status := ExitStatus{Code: -1}
	if ps := s.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}

	s.mu.Lock()
	wasRunning := s.state == StateRunning
	switch {
	case s.timedOut:
		s.state = StateKilledByTimeout
	case s.stopping, status.Code == 0:
		s.state = StateExited
	default:
		s.state = StateCrashed
	}
	s.status = status
	state := s.state
	s.mu.Unlock()

	if wasRunning {
		workersRunning.Dec()
	}
	attrs := []any{slog.String("state", state.String()), slog.String("status", status.String())}
	if err != nil && state == StateCrashed {
		logger.Warn("worker exited", attrs...)
	} else {
		logger.Info("worker exited", attrs...)
	}
	close(s.terminated)
}

// Stop ends the worker.
//
// Description:
//
//	Closes the worker's stdin so it can exit on its own, waits up to the
//	grace period, then kills it. Returns once the process has been reaped.
//	Idempotent; a supervisor that never launched returns immediately.
//
// Inputs:
//
//	ctx - Ending ctx skips the rest of the grace period
//
// Outputs:
//
//	error - Always nil; present for interface symmetry
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	stdin := s.stdin
	proc := s.cmd.Process
	s.mu.Unlock()

	select {
	case <-s.terminated:
		return nil
	default:
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-s.terminated:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	s.logger.Info("killing worker", slog.Int("pid", proc.Pid))
	_ = proc.Kill()
	<-s.terminated
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Terminated is closed once the worker has exited and been reaped.
func (s *Supervisor) Terminated() <-chan struct{} {
	return s.terminated
}

// ExitStatus returns how the worker ended. Zero until Terminated is closed.
func (s *Supervisor) ExitStatus() ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns nil while the worker runs and an *ExitError afterwards.
func (s *Supervisor) Err() error {
	select {
	case <-s.terminated:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ExitError{State: s.state, Status: s.status}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) tailSuffix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tail) == 0 {
		return ""
	}
	return ": " + strings.Join(s.tail, " | ")
}

// stdioStream joins a worker's stdout and stdin into one stream.
type stdioStream struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (s *stdioStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdioStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stdioStream) Close() error {
	werr := s.w.Close()
	rerr := s.r.Close()
	return errors.Join(werr, rerr)
}

func closeStream(stream io.ReadWriteCloser) {
	if stream != nil {
		_ = stream.Close()
	}
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
