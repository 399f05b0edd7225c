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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
	"github.com/AleutianAI/AleutianBroker/services/broker/supervisor"
)

var (
	// ErrSessionNotFound means no hosted session has that name.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy means the name is being created or already has a pipe.
	ErrSessionBusy = errors.New("session busy")

	// ErrCapacity means MaxSessions are already hosted.
	ErrCapacity = errors.New("session capacity reached")
)

// hosted is one worker the broker runs on behalf of a client.
type hosted struct {
	name        string
	interpreter interpreter.InterpreterInfo
	sup         *supervisor.Supervisor
	endpoint    string
	pid         int
	started     time.Time
	owner       string
	attached    atomic.Bool
}

func (h *hosted) info() protocol.SessionInfo {
	return protocol.SessionInfo{
		Name:        h.name,
		Interpreter: h.interpreter.ID(),
		PID:         h.pid,
		State:       h.sup.State().String(),
		Owner:       h.owner,
		Attached:    h.attached.Load(),
		Started:     h.started,
	}
}

// startFunc launches a worker for a session.
type startFunc func(ctx context.Context, name string, interp interpreter.InterpreterInfo, args []string) (*supervisor.Supervisor, *supervisor.RunningProcess, error)

// manager tracks hosted sessions. A session is removed when its worker
// exits or it is deleted.
type manager struct {
	limit  int
	start  startFunc
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*hosted
	creating map[string]bool
	closed   bool
}

func newManager(limit int, start startFunc) *manager {
	return &manager{
		limit:    limit,
		start:    start,
		logger:   slog.Default().With(slog.String("component", "sessions")),
		sessions: make(map[string]*hosted),
		creating: make(map[string]bool),
	}
}

// create starts a worker for name unless one is already hosted, in which
// case the existing session is returned with created false.
func (m *manager) create(ctx context.Context, name, owner string, interp interpreter.InterpreterInfo, args []string) (*hosted, bool, error) {
	m.mu.Lock()
	if h, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		return h, false, nil
	}
	if m.closed {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%w: broker is shutting down", ErrCapacity)
	}
	if m.creating[name] {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s is starting", ErrSessionBusy, name)
	}
	if len(m.sessions)+len(m.creating) >= m.limit {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %d sessions", ErrCapacity, m.limit)
	}
	m.creating[name] = true
	m.mu.Unlock()

	sup, proc, err := m.start(ctx, name, interp, args)

	m.mu.Lock()
	delete(m.creating, name)
	if err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	h := &hosted{
		name:        name,
		interpreter: interp,
		sup:         sup,
		endpoint:    proc.Endpoint,
		pid:         proc.PID,
		started:     time.Now().UTC(),
		owner:       owner,
	}
	m.sessions[name] = h
	closed := m.closed
	m.mu.Unlock()

	sessionsActive.Inc()
	go m.reap(h)
	if closed {
		_ = sup.Stop(context.Background())
		return nil, false, fmt.Errorf("%w: broker is shutting down", ErrCapacity)
	}
	m.logger.Info("session started",
		slog.String("session", name),
		slog.String("owner", owner),
		slog.String("interpreter", interp.ID()),
		slog.Int("pid", proc.PID))
	return h, true, nil
}

// reap removes h once its worker exits.
func (m *manager) reap(h *hosted) {
	<-h.sup.Terminated()
	m.mu.Lock()
	if m.sessions[h.name] == h {
		delete(m.sessions, h.name)
	}
	m.mu.Unlock()
	sessionsActive.Dec()
	m.logger.Info("session ended",
		slog.String("session", h.name),
		slog.String("state", h.sup.State().String()),
		slog.String("exit", h.sup.ExitStatus().String()))
}

func (m *manager) get(name string) (*hosted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return h, nil
}

// list returns the sessions visible reports true for, sorted by name.
func (m *manager) list(visible func(*hosted) bool) []protocol.SessionInfo {
	m.mu.Lock()
	all := make([]*hosted, 0, len(m.sessions))
	for _, h := range m.sessions {
		if visible(h) {
			all = append(all, h)
		}
	}
	m.mu.Unlock()

	out := make([]protocol.SessionInfo, 0, len(all))
	for _, h := range all {
		out = append(out, h.info())
	}
	slices.SortFunc(out, func(a, b protocol.SessionInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (m *manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// remove stops the named worker and forgets the session.
func (m *manager) remove(ctx context.Context, name string) error {
	m.mu.Lock()
	h, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return h.sup.Stop(ctx)
}

// close stops every worker and refuses new sessions.
func (m *manager) close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	all := make([]*hosted, 0, len(m.sessions))
	for name, h := range m.sessions {
		all = append(all, h)
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range all {
		wg.Add(1)
		go func(h *hosted) {
			defer wg.Done()
			_ = h.sup.Stop(ctx)
		}(h)
	}
	wg.Wait()
}
