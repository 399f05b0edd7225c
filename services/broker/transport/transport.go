// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport moves protocol messages over a local byte stream or a
// WebSocket.
//
// A Transport owns exactly one connection. Sends are serialized so frames
// never interleave on the wire; a single receive goroutine decodes incoming
// frames into an unbounded queue drained in order by Receive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianBroker/services/broker/internal/queue"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
)

// DefaultMaxFrameSize bounds a single frame unless configured otherwise.
const DefaultMaxFrameSize = 64 << 20

// Transport carries protocol messages over one connection.
//
// Thread Safety:
//
//	Send and Receive may be called from any goroutine. Concurrent sends are
//	serialized; concurrent receives each get distinct messages.
type Transport interface {
	// Send writes one message. Waiting for the connection is cancellable
	// through ctx; a write that has started runs to completion.
	Send(ctx context.Context, m *protocol.Message) error

	// Receive returns the next message in arrival order.
	Receive(ctx context.Context) (*protocol.Message, error)

	// Close ends the connection. Safe to call more than once.
	Close() error

	// Done is closed once the connection has terminated.
	Done() <-chan struct{}
}

// Config controls connection limits.
type Config struct {
	// MaxFrameSize is the largest frame accepted or sent, in bytes.
	MaxFrameSize int

	// CloseTimeout bounds how long Close waits for the receive loop to exit.
	CloseTimeout time.Duration
}

// DefaultConfig returns the standard transport configuration.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize: DefaultMaxFrameSize,
		CloseTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	return c
}

// framer reads and writes whole frames on a concrete connection.
type framer interface {
	// readFrame returns the next complete frame. Errors wrapping errBadFrame
	// leave the connection usable; any other error is terminal.
	readFrame() ([]byte, error)

	// writeFrame writes one complete frame with a single underlying write.
	writeFrame(frame []byte) error

	// close tears down the connection and unblocks readFrame.
	close() error
}

type received struct {
	msg *protocol.Message
	err error
}

// =============================================================================
// CONNECTION
// =============================================================================

// Conn is the Transport implementation shared by streams and WebSockets.
//
// Thread Safety: Safe for concurrent use.
type Conn struct {
	kind   string
	f      framer
	cfg    Config
	logger *slog.Logger

	// sendSem is a one-slot semaphore; a waiter may give up when its ctx ends.
	sendSem chan struct{}

	inbox     *queue.Queue[received]
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	termMu sync.Mutex
	term   error
}

func newConn(kind string, f framer, cfg Config) *Conn {
	c := &Conn{
		kind:    kind,
		f:       f,
		cfg:     cfg,
		logger:  slog.Default().With(slog.String("transport", kind)),
		sendSem: make(chan struct{}, 1),
		inbox:   queue.New[received](),
		done:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Send implements Transport.
//
// Description:
//
//	Encodes m, waits for exclusive use of the connection and writes the
//	frame. A failed write terminates the connection because the peer can no
//	longer find frame boundaries.
//
// Outputs:
//
//	error - *Error with Op OpEncode for unframeable messages, OpSend for
//	        write failures or a closed connection, or ctx.Err() if the
//	        caller gave up before the write began.
func (c *Conn) Send(ctx context.Context, m *protocol.Message) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if c.closed.Load() {
		return &Error{Op: OpSend, Err: ErrConnectionClosed}
	}

	frame, err := protocol.Encode(m)
	if err != nil {
		return &Error{Op: OpEncode, Err: err}
	}
	if len(frame) > c.cfg.MaxFrameSize {
		return &Error{Op: OpEncode, Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), c.cfg.MaxFrameSize)}
	}

	select {
	case c.sendSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return &Error{Op: OpSend, Err: ErrConnectionClosed}
	}
	defer func() { <-c.sendSem }()

	if c.closed.Load() {
		return &Error{Op: OpSend, Err: ErrConnectionClosed}
	}
	if err := c.f.writeFrame(frame); err != nil {
		_ = c.f.close()
		if c.closed.Load() || isClosedErr(err) {
			return &Error{Op: OpSend, Err: fmt.Errorf("%w: %w", ErrConnectionClosed, err)}
		}
		return &Error{Op: OpSend, Err: err}
	}
	return nil
}

// Receive implements Transport.
//
// Description:
//
//	Returns messages in arrival order. Recoverable per-frame faults are
//	returned in sequence (see IsRecoverable); callers typically log and
//	continue. After the connection ends the terminal error, which always
//	matches ErrConnectionClosed, is returned by this and every later call.
func (c *Conn) Receive(ctx context.Context) (*protocol.Message, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	r, err := c.inbox.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, c.terminalErr()
		}
		return nil, err
	}
	return r.msg, r.err
}

// Done implements Transport.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close implements Transport.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.f.close()
		if isClosedErr(c.closeErr) {
			c.closeErr = nil
		}
		select {
		case <-c.done:
		case <-time.After(c.cfg.CloseTimeout):
			c.logger.Warn("receive loop did not exit before close timeout",
				slog.Duration("timeout", c.cfg.CloseTimeout))
		}
	})
	return c.closeErr
}

func (c *Conn) receiveLoop() {
	defer close(c.done)
	defer c.inbox.Close()

	for {
		frame, err := c.f.readFrame()
		if err != nil {
			if errors.Is(err, errBadFrame) {
				c.logger.Debug("dropping unusable frame", slog.String("error", err.Error()))
				c.inbox.Push(received{err: &Error{Op: OpDecode, Err: err}})
				continue
			}
			term := c.terminate(err)
			c.inbox.Push(received{err: term})
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Debug("dropping malformed frame",
				slog.Int("bytes", len(frame)),
				slog.String("error", err.Error()))
			c.inbox.Push(received{err: &Error{Op: OpDecode, Err: err}})
			continue
		}
		c.inbox.Push(received{msg: msg})
	}
}

// terminate records the terminal error for the connection.
func (c *Conn) terminate(cause error) error {
	var term error
	switch {
	case c.closed.Load(), errors.Is(cause, io.EOF), isClosedErr(cause):
		term = &Error{Op: OpReceive, Err: ErrConnectionClosed}
	default:
		term = &Error{Op: OpReceive, Err: fmt.Errorf("%w: %w", ErrConnectionClosed, cause)}
	}
	if !c.closed.Load() {
		c.logger.Debug("connection terminated", slog.String("cause", cause.Error()))
	}
	_ = c.f.close()

	c.termMu.Lock()
	c.term = term
	c.termMu.Unlock()
	return term
}

func (c *Conn) terminalErr() error {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	if c.term == nil {
		return &Error{Op: OpReceive, Err: ErrConnectionClosed}
	}
	return c.term
}

func isClosedErr(err error) bool {
	return err != nil && (errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		isWebSocketClose(err))
}
