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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
)

// ErrNoInterpreter is reported to eval callers when the worker was launched
// without an interpreter home.
var ErrNoInterpreter = errors.New("worker has no interpreter")

// maxOutputLine bounds one line of interpreter output.
const maxOutputLine = 1 << 20

// About is the payload of an about reply.
type About struct {
	PID             int    `json:"pid"`
	Name            string `json:"name"`
	Endpoint        string `json:"endpoint"`
	InterpreterHome string `json:"interpreter_home,omitempty"`
	Runtime         string `json:"runtime"`
}

// dispatch runs one request. It reports whether the worker should stop and
// any error writing the reply.
func (w *Worker) dispatch(ctx context.Context, c *conn, req *protocol.Message) (bool, error) {
	switch req.Name {
	case protocol.OpEcho:
		return false, c.send(ctx, &protocol.Message{RequestID: req.ID, Name: req.Name, Args: req.Args, Blob: req.Blob})

	case protocol.OpAbout:
		return false, c.reply(ctx, req, nil, About{
			PID:             os.Getpid(),
			Name:            w.cfg.Name,
			Endpoint:        w.cfg.Endpoint,
			InterpreterHome: w.cfg.InterpreterHome,
			Runtime:         runtime.Version(),
		})

	case protocol.OpEval:
		return false, w.eval(ctx, c, req)

	case protocol.OpShutdown:
		w.logger.Info("shutdown requested")
		return true, c.reply(ctx, req, nil)

	default:
		return false, c.fail(ctx, req, fmt.Errorf("unknown operation %q", req.Name))
	}
}

// eval runs an expression through the interpreter executable, streaming
// each output line as an EventOutput event [requestId, line] and replying
// with the exit code. A line longer than maxOutputLine stops the child and
// fails the request.
func (w *Worker) eval(ctx context.Context, c *conn, req *protocol.Message) error {
	var expr string
	if err := req.DecodeArgs(&expr); err != nil || expr == "" {
		return c.fail(ctx, req, errors.New("eval requires an expression argument"))
	}
	if w.cfg.InterpreterHome == "" {
		return c.fail(ctx, req, ErrNoInterpreter)
	}

	r, pw, err := os.Pipe()
	if err != nil {
		return c.fail(ctx, req, err)
	}
	defer r.Close()

	cmd := exec.CommandContext(ctx, interpreter.ExecutablePath(w.cfg.InterpreterHome), "--vanilla", "--slave", "-e", expr)
	cmd.Env = append(os.Environ(), protocol.EnvInterpreterHome+"="+w.cfg.InterpreterHome)
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return c.fail(ctx, req, fmt.Errorf("start interpreter: %w", err))
	}
	_ = pw.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxOutputLine)
	for sc.Scan() {
		if err := c.event(ctx, protocol.EventOutput, req.ID, sc.Text()); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
	}
	if err := sc.Err(); err != nil {
		// The child may be blocked on a full pipe; Wait would never return.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return c.fail(ctx, req, fmt.Errorf("read interpreter output: %w", err))
	}

	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return c.fail(ctx, req, err)
		}
		code = exitErr.ExitCode()
	}
	return c.reply(ctx, req, nil, code)
}
