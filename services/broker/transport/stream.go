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
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// lengthPrefixSize is the little-endian frame length written before each
// frame on a byte stream.
const lengthPrefixSize = 4

// streamFramer delimits frames on a byte stream with a length prefix.
type streamFramer struct {
	rwc     io.ReadWriteCloser
	reader  *bufio.Reader
	maxSize int
}

// NewStream creates a Transport over a local byte stream such as a TCP
// connection or a child process's stdin/stdout pair.
//
// Description:
//
//	Each frame is preceded by its length as a 4-byte little-endian integer.
//	The Transport takes ownership of rwc and closes it on Close.
//
// Inputs:
//
//	rwc - The stream. Must not be nil.
//	cfg - Limits; zero values take defaults.
//
// Outputs:
//
//	*Conn - The running transport
func NewStream(rwc io.ReadWriteCloser, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	f := &streamFramer{
		rwc:     rwc,
		reader:  bufio.NewReaderSize(rwc, 64*1024),
		maxSize: cfg.MaxFrameSize,
	}
	return newConn("stream", f, cfg)
}

// DialTCP connects to a worker listening on addr.
func DialTCP(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: OpSend, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	return NewStream(nc, cfg), nil
}

func (s *streamFramer) readFrame() ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(s.reader, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated length prefix: %w", err)
		}
		return nil, err
	}

	n := binary.LittleEndian.Uint32(prefix[:])
	if uint64(n) > uint64(s.maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, s.maxSize)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(s.reader, frame); err != nil {
		return nil, fmt.Errorf("truncated frame: %w", err)
	}
	return frame, nil
}

func (s *streamFramer) writeFrame(frame []byte) error {
	buf := make([]byte, lengthPrefixSize+len(frame))
	binary.LittleEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[lengthPrefixSize:], frame)
	_, err := s.rwc.Write(buf)
	return err
}

func (s *streamFramer) close() error {
	return s.rwc.Close()
}
