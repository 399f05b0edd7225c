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
	"iter"
	"sync"

	"github.com/AleutianAI/AleutianBroker/services/broker/internal/queue"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
)

// Subscription receives the events (messages with RequestID zero) that
// arrive after it was created. Buffering is unbounded so a slow reader
// never stalls the session.
type Subscription struct {
	s      *Session
	q      *queue.Queue[*protocol.Message]
	ch     chan *protocol.Message
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Subscribe starts a new event subscription. On a session that is no
// longer open the channel is closed immediately and Err reports why.
func (s *Session) Subscribe() *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		s:      s,
		q:      queue.New[*protocol.Message](),
		ch:     make(chan *protocol.Message),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	if s.state == StateOpen {
		s.subs[sub] = struct{}{}
	} else {
		sub.err = s.err
		sub.q.Close()
	}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

// C returns the event channel. It is closed when the subscription or the
// session ends, after already queued events were delivered.
func (sub *Subscription) C() <-chan *protocol.Message {
	return sub.ch
}

// Err returns why the session ended the subscription, nil if it was
// closed by the subscriber or is still active.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close stops delivery and discards queued events.
func (sub *Subscription) Close() {
	sub.s.mu.Lock()
	delete(sub.s.subs, sub)
	sub.s.mu.Unlock()
	sub.cancel()
	sub.q.Close()
}

func (sub *Subscription) end(err error) {
	sub.mu.Lock()
	sub.err = err
	sub.mu.Unlock()
	sub.q.Close()
}

func (sub *Subscription) pump() {
	defer close(sub.ch)
	defer sub.cancel()
	for {
		m, err := sub.q.Pop(sub.ctx)
		if err != nil {
			return
		}
		select {
		case sub.ch <- m:
		case <-sub.ctx.Done():
			return
		}
	}
}

// Events returns a lazy sequence of events. Each iteration subscribes
// afresh and ends when ctx is done, the loop breaks or the session ends.
func (s *Session) Events(ctx context.Context) iter.Seq[*protocol.Message] {
	return func(yield func(*protocol.Message) bool) {
		sub := s.Subscribe()
		defer sub.Close()
		for {
			select {
			case m, ok := <-sub.C():
				if !ok || !yield(m) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
