// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 100, q.Len())

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New[string]()
	got := make(chan string, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("late")

	select {
	case v := <-got:
		assert.Equal(t, "late", v)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueue_PopHonorsContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Close()
	assert.False(t, q.Push(3))

	ctx := context.Background()
	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseWakesAllWaiters(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(context.Background())
			assert.ErrorIs(t, err, ErrClosed)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters were not released by Close")
	}
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	const producers, perProducer = 8, 500
	q := New[int]()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}()
	}

	var (
		mu    sync.Mutex
		total int
	)
	var consumers sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				if _, err := q.Pop(context.Background()); err != nil {
					return
				}
				mu.Lock()
				total++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	q.Close()
	consumers.Wait()
	assert.Equal(t, producers*perProducer, total)
}
