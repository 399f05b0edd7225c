// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session correlates requests and responses over a Transport and
// connects sessions to local or remote hosts.
//
// A Session owns exactly one Transport. It assigns message ids, tracks
// pending requests and routes every incoming message either to the
// request it answers or, when its RequestID is zero, to event
// subscribers. A transport failure or process exit faults the session;
// there is no reconnect, a new Session is created instead.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
	"github.com/AleutianAI/AleutianBroker/services/broker/transport"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConnectionLost fails pending and later requests after the transport
	// or the host process went away.
	ErrConnectionLost = errors.New("connection lost")

	// ErrSessionClosed fails pending and later requests after Close.
	ErrSessionClosed = errors.New("session closed")
)

// RemoteError is an error reply from the host.
type RemoteError struct {
	// Request is the name of the failed request.
	Request string

	// Message is the host's description.
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Request, e.Message)
}

// =============================================================================
// STATE
// =============================================================================

// State is the lifecycle state of a Session.
type State int

const (
	// StateOpen accepts requests.
	StateOpen State = iota

	// StateFaulted means the transport or process failed.
	StateFaulted

	// StateClosed means Close was called.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ProcessWatcher observes the lifetime of the host process. A Session
// never controls the process, it only faults when the process ends.
type ProcessWatcher interface {
	// Terminated is closed when the process has exited.
	Terminated() <-chan struct{}

	// Err describes the exit once Terminated is closed.
	Err() error
}

// Option configures a Session.
type Option func(*Session)

// WithProcess faults the session when p terminates.
func WithProcess(p ProcessWatcher) Option {
	return func(s *Session) { s.process = p }
}

// =============================================================================
// SESSION
// =============================================================================

type outcome struct {
	msg *protocol.Message
	err error
}

// Session is a connected conversation with one host.
//
// Thread Safety:
//
//	Safe for concurrent use. Any number of goroutines may issue requests;
//	ids are assigned and pending entries registered under the send lock so
//	wire order matches id order.
type Session struct {
	name    string
	tr      transport.Transport
	process ProcessWatcher
	logger  *slog.Logger

	// sendSem serializes id assignment with the write; nextID is owned by
	// whoever holds it.
	sendSem chan struct{}
	nextID  uint64

	mu      sync.Mutex
	state   State
	err     error
	pending map[uint64]chan outcome
	subs    map[*Subscription]struct{}

	done chan struct{}
}

// New creates a session over tr and starts dispatching incoming messages.
//
// Inputs:
//
//	name - Session name used in logs and spans
//	tr - The transport; the session takes ownership and closes it
//	opts - Options such as WithProcess
//
// Outputs:
//
//	*Session - The open session
func New(name string, tr transport.Transport, opts ...Option) *Session {
	s := &Session{
		name:    name,
		tr:      tr,
		sendSem: make(chan struct{}, 1),
		pending: make(map[uint64]chan outcome),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = slog.Default().With(slog.String("session", name))

	go s.dispatch()
	if s.process != nil {
		go s.watchProcess()
	}
	return s
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns nil while open, otherwise why the session ended.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session leaves StateOpen.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Request sends a request and waits for its response.
//
// Description:
//
//	The request is registered as pending before it is written, so a reply
//	can never arrive unmatched. Cancelling ctx removes the pending entry;
//	a late reply is then dropped.
//
// Inputs:
//
//	ctx - Bounds the wait for the send and the response
//	name - Operation name
//	args - Positional arguments, each JSON-marshalable
//	blob - Optional raw payload
//
// Outputs:
//
//	*protocol.Message - The response
//	error - Non-nil on failure
//
// Errors:
//
//	*RemoteError - The host replied with an error
//	ErrConnectionLost - The session faulted before the response arrived
//	ErrSessionClosed - The session was closed
//	*transport.Error - The message could not be framed
//	ctx.Err() - The caller gave up
func (s *Session) Request(ctx context.Context, name string, args []any, blob []byte) (*protocol.Message, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	ctx, span := startRequestSpan(ctx, s.name, name)
	defer span.End()
	start := time.Now()

	reply, err := s.request(ctx, name, args, blob)
	setRequestSpanResult(span, err)
	recordRequest(ctx, name, time.Since(start), err)
	return reply, err
}

func (s *Session) request(ctx context.Context, name string, args []any, blob []byte) (*protocol.Message, error) {
	m, err := protocol.NewMessage(name, args...)
	if err != nil {
		return nil, err
	}
	m.Blob = blob

	ch, err := s.send(ctx, m, true)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.msg.IsError() {
			return nil, &RemoteError{Request: name, Message: out.msg.ErrorText()}
		}
		return out.msg, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, m.ID)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a message that expects no response.
func (s *Session) Notify(ctx context.Context, name string, args []any, blob []byte) error {
	m, err := protocol.NewMessage(name, args...)
	if err != nil {
		return err
	}
	m.Blob = blob
	_, err = s.send(ctx, m, false)
	return err
}

// Respond answers a request the host sent, reusing its name.
func (s *Session) Respond(ctx context.Context, to *protocol.Message, args []any, blob []byte) error {
	if to == nil || to.ID == 0 {
		return fmt.Errorf("%w: respond to a message without an id", protocol.ErrInvalidMessage)
	}
	m, err := protocol.NewMessage(to.Name, args...)
	if err != nil {
		return err
	}
	m.RequestID = to.ID
	m.Blob = blob
	_, err = s.send(ctx, m, false)
	return err
}

// RespondError answers a host request with an error reply.
func (s *Session) RespondError(ctx context.Context, to *protocol.Message, text string) error {
	if to == nil || to.ID == 0 {
		return fmt.Errorf("%w: respond to a message without an id", protocol.ErrInvalidMessage)
	}
	m, err := protocol.NewMessage(protocol.ErrorReplyName, text)
	if err != nil {
		return err
	}
	m.RequestID = to.ID
	_, err = s.send(ctx, m, false)
	return err
}

// send assigns the next id, optionally registers a pending entry and
// writes m. Both happen while holding the send lock.
func (s *Session) send(ctx context.Context, m *protocol.Message, register bool) (chan outcome, error) {
	select {
	case s.sendSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.Err()
	}
	defer func() { <-s.sendSem }()

	s.nextID++
	m.ID = s.nextID

	var ch chan outcome
	s.mu.Lock()
	if s.state != StateOpen {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	if register {
		ch = make(chan outcome, 1)
		s.pending[m.ID] = ch
	}
	s.mu.Unlock()

	err := s.tr.Send(ctx, m)
	if err == nil {
		return ch, nil
	}

	if register {
		s.mu.Lock()
		delete(s.pending, m.ID)
		s.mu.Unlock()
	}

	var te *transport.Error
	if !errors.As(err, &te) || te.Op == transport.OpEncode {
		// Nothing reached the wire.
		return nil, err
	}
	lost := fmt.Errorf("%w: %w", ErrConnectionLost, err)
	s.finish(StateFaulted, lost)
	return nil, s.Err()
}

// =============================================================================
// DISPATCH
// =============================================================================

func (s *Session) dispatch() {
	ctx := context.Background()
	for {
		msg, err := s.tr.Receive(ctx)
		if err != nil {
			if transport.IsRecoverable(err) {
				s.logger.Warn("dropping undecodable message", slog.String("error", err.Error()))
				continue
			}
			s.finish(StateFaulted, fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}

		if msg.IsResponse() {
			s.mu.Lock()
			ch, ok := s.pending[msg.RequestID]
			delete(s.pending, msg.RequestID)
			s.mu.Unlock()
			if !ok {
				s.logger.Debug("dropping unmatched response", slog.String("message", msg.String()))
				continue
			}
			ch <- outcome{msg: msg}
			continue
		}

		s.mu.Lock()
		for sub := range s.subs {
			sub.q.Push(msg)
		}
		s.mu.Unlock()
	}
}

func (s *Session) watchProcess() {
	select {
	case <-s.process.Terminated():
		cause := s.process.Err()
		if cause == nil {
			cause = errors.New("host process exited")
		}
		s.finish(StateFaulted, fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	case <-s.done:
	}
}

// Close closes the session and its transport. Pending requests fail with
// ErrSessionClosed. Closing a faulted session only releases the transport.
func (s *Session) Close() error {
	s.finish(StateClosed, ErrSessionClosed)
	return s.tr.Close()
}

// finish moves the session out of StateOpen exactly once, resolving every
// pending request and ending every subscription with err.
func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.err = err
	pending := s.pending
	s.pending = make(map[uint64]chan outcome)
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: err}
	}
	for sub := range subs {
		sub.end(err)
	}
	close(s.done)

	if state == StateFaulted {
		s.logger.Warn("session faulted",
			slog.Int("pending", len(pending)),
			slog.String("error", err.Error()))
		recordFault(context.Background(), s.name)
		_ = s.tr.Close()
	}
}

// pendingCount is used by tests.
func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
