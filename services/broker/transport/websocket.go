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
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace bounds the close handshake write.
const closeGrace = time.Second

// wsFramer carries one frame per binary WebSocket message.
type wsFramer struct {
	ws *websocket.Conn
}

// NewWebSocket creates a Transport over an established WebSocket.
//
// Description:
//
//	Each binary message is exactly one frame. Text messages are reported
//	as recoverable decode faults. The Transport takes ownership of ws.
//
// Inputs:
//
//	ws - The connection, client or server side. Must not be nil.
//	cfg - Limits; zero values take defaults.
//
// Outputs:
//
//	*Conn - The running transport
func NewWebSocket(ws *websocket.Conn, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	ws.SetReadLimit(int64(cfg.MaxFrameSize))
	return newConn("websocket", &wsFramer{ws: ws}, cfg)
}

// DialWebSocket opens a WebSocket to url and wraps it in a Transport.
//
// Description:
//
//	The handshake response is returned even on failure so callers can
//	inspect the status code (for example to detect rejected credentials).
//
// Inputs:
//
//	ctx - Bounds the handshake
//	url - ws:// or wss:// URL
//	header - Extra handshake headers such as Authorization
//	cfg - Limits; zero values take defaults.
//
// Outputs:
//
//	*Conn - The running transport, nil on failure
//	*http.Response - The handshake response, possibly nil
//	error - Non-nil if the handshake failed
func DialWebSocket(ctx context.Context, url string, header http.Header, cfg Config) (*Conn, *http.Response, error) {
	dialer := *websocket.DefaultDialer
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, &Error{Op: OpSend, Err: fmt.Errorf("dial %s: %w", url, err)}
	}
	return NewWebSocket(ws, cfg), resp, nil
}

func (w *wsFramer) readFrame() ([]byte, error) {
	mt, data, err := w.ws.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: websocket message type %d is not binary", errBadFrame, mt)
	}
	return data, nil
}

func (w *wsFramer) writeFrame(frame []byte) error {
	return w.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsFramer) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return w.ws.Close()
}

// isWebSocketClose reports whether err is a close frame from the peer.
func isWebSocketClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent)
}
