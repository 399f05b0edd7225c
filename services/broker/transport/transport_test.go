// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testMessage(id uint64, name string, blob []byte) *protocol.Message {
	return &protocol.Message{ID: id, Name: name, Args: json.RawMessage(`["x",1]`), Blob: blob}
}

func receiveWithin(t *testing.T, tr Transport) (*protocol.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tr.Receive(ctx)
}

// writeRaw writes a length-prefixed payload straight onto a stream.
func writeRaw(w io.Writer, payload []byte) {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, _ = w.Write(buf)
}

// =============================================================================
// STREAM
// =============================================================================

func TestStream_RoundTrip(t *testing.T) {
	a, b := net.Pipe()
	client := NewStream(a, DefaultConfig())
	server := NewStream(b, DefaultConfig())
	defer client.Close()
	defer server.Close()

	large := bytes.Repeat([]byte{0xAB, 0x00, 0x01}, 400_000)
	sent := []*protocol.Message{
		testMessage(1, "echo", nil),
		testMessage(2, "echo", []byte{7}),
		testMessage(3, "blob", large),
	}

	go func() {
		for _, m := range sent {
			if err := client.Send(context.Background(), m); err != nil {
				return
			}
		}
	}()

	for _, want := range sent {
		got, err := receiveWithin(t, server)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Name, got.Name)
		assert.True(t, bytes.Equal(want.Blob, got.Blob))
	}
}

// recordingStream records every Write and tracks write concurrency.
type recordingStream struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	writes   [][]byte
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newRecordingStream() *recordingStream {
	r, w := io.Pipe()
	return &recordingStream{r: r, w: w}
}

func (s *recordingStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *recordingStream) Write(p []byte) (int, error) {
	n := s.inFlight.Add(1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(50 * time.Microsecond)

	s.mu.Lock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	s.mu.Unlock()

	s.inFlight.Add(-1)
	return len(p), nil
}

func (s *recordingStream) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}

func TestStream_ConcurrentSendsNeverInterleave(t *testing.T) {
	const senders, perSender = 16, 25
	rs := newRecordingStream()
	tr := NewStream(rs, DefaultConfig())
	defer tr.Close()

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				id := uint64(s*perSender + i + 1)
				blob := bytes.Repeat([]byte{byte(s)}, 1000+i)
				assert.NoError(t, tr.Send(context.Background(), testMessage(id, "m", blob)))
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, int32(1), rs.maxSeen.Load(), "writes overlapped")

	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.writes, senders*perSender)

	ids := make(map[uint64]bool)
	for _, w := range rs.writes {
		require.GreaterOrEqual(t, len(w), 4)
		n := binary.LittleEndian.Uint32(w[:4])
		require.Equal(t, int(n), len(w)-4, "each write must carry exactly one frame")
		m, err := protocol.Decode(w[4:])
		require.NoError(t, err)
		assert.False(t, ids[m.ID], "duplicate frame %d", m.ID)
		ids[m.ID] = true
	}
}

func TestStream_PeerCloseYieldsSingleTerminalError(t *testing.T) {
	a, b := net.Pipe()
	tr := NewStream(a, DefaultConfig())
	defer tr.Close()

	require.NoError(t, b.Close())

	_, err := receiveWithin(t, tr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, IsRecoverable(err))

	_, again := receiveWithin(t, tr)
	assert.ErrorIs(t, again, ErrConnectionClosed)

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after peer close")
	}

	err = tr.Send(context.Background(), testMessage(1, "late", nil))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestStream_MalformedFrameIsRecoverable(t *testing.T) {
	a, b := net.Pipe()
	tr := NewStream(a, DefaultConfig())
	defer tr.Close()
	defer b.Close()

	good, err := protocol.Encode(testMessage(5, "after", nil))
	require.NoError(t, err)

	go func() {
		writeRaw(b, []byte("definitely not a frame"))
		writeRaw(b, nil)
		writeRaw(b, good)
	}()

	_, err = receiveWithin(t, tr)
	assert.True(t, IsRecoverable(err))
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)

	_, err = receiveWithin(t, tr)
	assert.True(t, IsRecoverable(err))

	m, err := receiveWithin(t, tr)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), m.ID)
}

func TestStream_OversizedFrameTerminates(t *testing.T) {
	a, b := net.Pipe()
	tr := NewStream(a, Config{MaxFrameSize: 1024})
	defer tr.Close()
	defer b.Close()

	go func() {
		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], 1<<20)
		_, _ = b.Write(prefix[:])
	}()

	_, err := receiveWithin(t, tr)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.False(t, IsRecoverable(err))
}

func TestStream_SendRejectsOversizedMessage(t *testing.T) {
	rs := newRecordingStream()
	tr := NewStream(rs, Config{MaxFrameSize: 64})
	defer tr.Close()

	err := tr.Send(context.Background(), testMessage(1, "big", make([]byte, 128)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpEncode, te.Op)

	select {
	case <-tr.Done():
		t.Fatal("oversized send must not end the connection")
	default:
	}
}

// blockingStream holds every Write until release is closed.
type blockingStream struct {
	*recordingStream
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStream) Write(p []byte) (int, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.recordingStream.Write(p)
}

func TestStream_SendWaitIsCancellable(t *testing.T) {
	bs := &blockingStream{
		recordingStream: newRecordingStream(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	tr := NewStream(bs, DefaultConfig())
	defer tr.Close()

	firstDone := make(chan error, 1)
	go func() { firstDone <- tr.Send(context.Background(), testMessage(1, "first", nil)) }()
	<-bs.entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tr.Send(ctx, testMessage(2, "second", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(bs.release)
	assert.NoError(t, <-firstDone)

	bs.mu.Lock()
	assert.Len(t, bs.writes, 1)
	bs.mu.Unlock()
}

func TestStream_LocalCloseEndsReceive(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	tr := NewStream(a, DefaultConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background())
		errCh <- err
	}()

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive not released by Close")
	}
}

// =============================================================================
// WEBSOCKET
// =============================================================================

func newEchoWebSocketServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWebSocket(ws, DefaultConfig())
		defer tr.Close()
		for {
			m, err := tr.Receive(context.Background())
			if err != nil {
				if IsRecoverable(err) {
					reply, _ := protocol.NewMessage(protocol.ErrorReplyName, err.Error())
					reply.ID = 1
					reply.RequestID = 1
					_ = tr.Send(context.Background(), reply)
					continue
				}
				return
			}
			m.RequestID = m.ID
			if err := tr.Send(context.Background(), m); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWebSocket_RoundTrip(t *testing.T) {
	srv := newEchoWebSocketServer(t)
	defer srv.Close()

	tr, _, err := DialWebSocket(context.Background(), wsURL(srv), nil, DefaultConfig())
	require.NoError(t, err)
	defer tr.Close()

	blob := bytes.Repeat([]byte{1, 2, 3, 0}, 300_000)
	require.NoError(t, tr.Send(context.Background(), testMessage(9, "echo", blob)))

	got, err := receiveWithin(t, tr)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.RequestID)
	assert.True(t, bytes.Equal(blob, got.Blob))
}

func TestWebSocket_TextMessageIsRecoverable(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		frame, _ := protocol.Encode(testMessage(2, "ok", nil))
		_ = ws.WriteMessage(websocket.BinaryMessage, frame)
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	tr, _, err := DialWebSocket(context.Background(), wsURL(srv), nil, DefaultConfig())
	require.NoError(t, err)
	defer tr.Close()

	_, err = receiveWithin(t, tr)
	assert.True(t, IsRecoverable(err))

	m, err := receiveWithin(t, tr)
	require.NoError(t, err)
	assert.Equal(t, "ok", m.Name)
}

func TestWebSocket_PeerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = ws.Close()
	}))
	defer srv.Close()

	tr, _, err := DialWebSocket(context.Background(), wsURL(srv), nil, DefaultConfig())
	require.NoError(t, err)
	defer tr.Close()

	_, err = receiveWithin(t, tr)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = receiveWithin(t, tr)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestWebSocket_DialFailureReturnsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, resp, err := DialWebSocket(context.Background(), wsURL(srv), nil, DefaultConfig())
	assert.Nil(t, tr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
