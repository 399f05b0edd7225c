// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBroker/pkg/netutil"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
	"github.com/AleutianAI/AleutianBroker/services/broker/transport"
)

// pipeWorker serves one in-memory connection and returns the client side.
func pipeWorker(t *testing.T, cfg Config) transport.Transport {
	t.Helper()
	a, b := net.Pipe()
	cfg.applyDefaults()
	w := &Worker{cfg: cfg, logger: slog.Default()}

	server := transport.NewStream(b, transport.DefaultConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.serve(context.Background(), server)
		_ = server.Close()
	}()

	client := transport.NewStream(a, transport.DefaultConfig())
	t.Cleanup(func() {
		_ = client.Close()
		<-done
	})
	return client
}

func call(t *testing.T, tr transport.Transport, id uint64, name string, blob []byte, args ...any) *protocol.Message {
	t.Helper()
	m, err := protocol.NewMessage(name, args...)
	require.NoError(t, err)
	m.ID = id
	m.Blob = blob

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Send(ctx, m))

	for {
		reply, err := tr.Receive(ctx)
		require.NoError(t, err)
		if reply.RequestID == id {
			return reply
		}
	}
}

func TestServe_Echo(t *testing.T) {
	tr := pipeWorker(t, Config{Name: "s"})

	reply := call(t, tr, 1, protocol.OpEcho, []byte{0, 1, 2}, "a", 2)
	assert.Equal(t, protocol.OpEcho, reply.Name)
	assert.JSONEq(t, `["a",2]`, string(reply.Args))
	assert.Equal(t, []byte{0, 1, 2}, reply.Blob)
	assert.Equal(t, uint64(1), reply.ID)

	second := call(t, tr, 2, protocol.OpEcho, nil)
	assert.Greater(t, second.ID, reply.ID)
}

func TestServe_About(t *testing.T) {
	tr := pipeWorker(t, Config{Name: "alpha", Endpoint: "stdio", InterpreterHome: "/opt/R/4.3.1/lib/R"})

	reply := call(t, tr, 1, protocol.OpAbout, nil)
	var about About
	require.NoError(t, reply.DecodeArgs(&about))
	assert.Equal(t, "alpha", about.Name)
	assert.Equal(t, os.Getpid(), about.PID)
	assert.Equal(t, "/opt/R/4.3.1/lib/R", about.InterpreterHome)
}

func TestServe_UnknownOperation(t *testing.T) {
	tr := pipeWorker(t, Config{})

	reply := call(t, tr, 7, "frobnicate", nil)
	assert.True(t, reply.IsError())
	assert.Contains(t, reply.ErrorText(), "frobnicate")
}

func TestServe_EvalWithoutInterpreter(t *testing.T) {
	tr := pipeWorker(t, Config{})

	reply := call(t, tr, 1, protocol.OpEval, nil, "1+1")
	assert.True(t, reply.IsError())
	assert.Contains(t, reply.ErrorText(), ErrNoInterpreter.Error())

	reply = call(t, tr, 2, protocol.OpEval, nil)
	assert.True(t, reply.IsError())
}

func TestServe_EvalStreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the interpreter")
	}
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "bin"), 0o755))
	script := "#!/bin/sh\necho \"got:$4\"\necho second\nexit 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "bin", "R"), []byte(script), 0o755))

	tr := pipeWorker(t, Config{InterpreterHome: home})

	m, err := protocol.NewMessage(protocol.OpEval, "print(1)")
	require.NoError(t, err)
	m.ID = 1
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Send(ctx, m))

	var lines []string
	for {
		msg, err := tr.Receive(ctx)
		require.NoError(t, err)
		if msg.Name == protocol.EventOutput {
			assert.Zero(t, msg.RequestID)
			var reqID uint64
			var line string
			require.NoError(t, msg.DecodeArgs(&reqID, &line))
			assert.Equal(t, uint64(1), reqID)
			lines = append(lines, line)
			continue
		}
		require.Equal(t, uint64(1), msg.RequestID)
		var code int
		require.NoError(t, msg.DecodeArgs(&code))
		assert.Equal(t, 3, code)
		break
	}
	assert.Equal(t, []string{"got:print(1)", "second"}, lines)
}

func TestServe_EvalOverlongLineFailsRequest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the interpreter")
	}
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "bin"), 0o755))
	script := "#!/bin/sh\nhead -c 2000000 /dev/zero | tr '\\0' x\necho\necho after\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "bin", "R"), []byte(script), 0o755))

	tr := pipeWorker(t, Config{InterpreterHome: home})

	m, err := protocol.NewMessage(protocol.OpEval, "big()")
	require.NoError(t, err)
	m.ID = 1
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tr.Send(ctx, m))

	for {
		msg, err := tr.Receive(ctx)
		require.NoError(t, err, "eval never answered")
		if msg.Name == protocol.EventOutput {
			continue
		}
		require.Equal(t, uint64(1), msg.RequestID)
		assert.True(t, msg.IsError())
		break
	}

	reply := call(t, tr, 2, protocol.OpEcho, nil, "still here")
	var got string
	require.NoError(t, reply.DecodeArgs(&got))
	assert.Equal(t, "still here", got)
}

func TestServe_SurvivesGarbage(t *testing.T) {
	a, b := net.Pipe()
	w := &Worker{logger: slog.Default()}
	w.cfg.applyDefaults()

	server := transport.NewStream(b, transport.DefaultConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.serve(context.Background(), server)
		_ = server.Close()
	}()
	defer func() { <-done }()
	defer a.Close()

	// Well-delimited junk is skipped frame by frame.
	for _, junk := range []string{"xx", strings.Repeat("\xff", 40), ""} {
		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], uint32(len(junk)))
		_, err := a.Write(append(prefix[:], junk...))
		require.NoError(t, err)
	}

	client := transport.NewStream(a, transport.DefaultConfig())
	defer client.Close()
	reply := call(t, client, 1, protocol.OpEcho, nil, "still alive")
	assert.JSONEq(t, `["still alive"]`, string(reply.Args))
}

// startTCP runs a TCP worker and returns its address and a stop function.
func startTCP(t *testing.T) (string, func() error) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), Config{
			Endpoint: "127.0.0.1:0",
			Name:     "tcp",
			Stdin:    stdinR,
			Stderr:   stderrW,
		})
		_ = stderrW.Close()
	}()

	line, err := bufio.NewReader(stderrR).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, protocol.ReadyLine), line)
	addr := strings.TrimSpace(strings.TrimPrefix(line, protocol.ReadyLine+" endpoint="))
	go func() { _, _ = io.Copy(io.Discard, stderrR) }()

	stop := func() error {
		_ = stdinW.Close()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
	return addr, stop
}

func TestRun_TCPSequentialConnections(t *testing.T) {
	addr, stop := startTCP(t)

	first, err := transport.DialTCP(context.Background(), addr, transport.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, protocol.OpEcho, call(t, first, 1, protocol.OpEcho, nil).Name)
	require.NoError(t, first.Close())

	second, err := transport.DialTCP(context.Background(), addr, transport.DefaultConfig())
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, protocol.OpEcho, call(t, second, 1, protocol.OpEcho, nil).Name)

	require.NoError(t, second.Close())
	assert.NoError(t, stop())
}

func TestRun_TCPDropsDesyncedConnection(t *testing.T) {
	addr, stop := startTCP(t)
	defer stop()

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], 0xFFFFFFFF)
	_, err = raw.Write(prefix[:])
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = raw.Read(make([]byte, 1))
	assert.Error(t, err, "worker should close the connection")
	_ = raw.Close()

	next, err := transport.DialTCP(context.Background(), addr, transport.DefaultConfig())
	require.NoError(t, err)
	defer next.Close()
	assert.Equal(t, protocol.OpEcho, call(t, next, 1, protocol.OpEcho, nil).Name)
}

func TestRun_TCPShutdownRequest(t *testing.T) {
	addr, stop := startTCP(t)

	tr, err := transport.DialTCP(context.Background(), addr, transport.DefaultConfig())
	require.NoError(t, err)
	defer tr.Close()

	reply := call(t, tr, 1, protocol.OpShutdown, nil)
	assert.False(t, reply.IsError())
	assert.NoError(t, stop())
}

func TestRun_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = Run(context.Background(), Config{Endpoint: ln.Addr().String(), Stdin: strings.NewReader(""), Stderr: io.Discard})
	assert.ErrorIs(t, err, netutil.ErrPortInUse)

	assert.Equal(t, protocol.ExitCodePortInUse, Main([]string{protocol.ArgEndpoint, ln.Addr().String()}))
}

func TestMain_RequiresEndpoint(t *testing.T) {
	t.Setenv(protocol.EnvEndpoint, "")
	assert.Equal(t, 2, Main(nil))
}

func TestRun_StdioServesUntilEOF(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(context.Background(), Config{
			Endpoint: protocol.StdioEndpoint,
			Stdin:    inR,
			Stdout:   outW,
			Stderr:   stderrW,
		})
		_ = outW.Close()
	}()

	line, err := bufio.NewReader(stderrR).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadyLine+" endpoint=stdio\n", line)

	client := transport.NewStream(&joined{r: outR, w: inW}, transport.DefaultConfig())
	defer client.Close()
	reply := call(t, client, 1, protocol.OpEcho, nil, json.RawMessage(`{"k":1}`))
	assert.JSONEq(t, `[{"k":1}]`, string(reply.Args))

	_ = inW.Close()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stdio worker did not exit on EOF")
	}
}

type joined struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (j *joined) Read(p []byte) (int, error)  { return j.r.Read(p) }
func (j *joined) Write(p []byte) (int, error) { return j.w.Write(p) }
func (j *joined) Close() error {
	_ = j.w.Close()
	return j.r.Close()
}
