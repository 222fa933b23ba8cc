// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig describes a console exposed by a WebSocket serial bridge.
type WebSocketConfig struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
	ReadTimeout   time.Duration
}

func (c WebSocketConfig) String() string {
	return "websocket " + c.URL
}

func (c WebSocketConfig) Open() (Transport, error) {
	return OpenWebSocket(c)
}

// WebSocket is a Transport over binary WebSocket messages. A background
// reader moves messages into a local buffer because gorilla connections
// cannot survive a read deadline.
type WebSocket struct {
	cfg    WebSocketConfig
	conn   *websocket.Conn
	in     *inbox
	closed atomic.Bool
}

// OpenWebSocket dials the bridge with optional HTTP Basic auth.
func OpenWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: cfg.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if cfg.Username != "" && cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return newWebSocket(cfg, conn), nil
}

func newWebSocket(cfg WebSocketConfig, conn *websocket.Conn) *WebSocket {
	w := &WebSocket{cfg: cfg, conn: conn, in: newInbox()}
	go w.readLoop()
	return w
}

func (w *WebSocket) readLoop() {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed.Store(true)
			w.in.fail(fmt.Errorf("websocket %s: %w: %v", w.cfg.URL, ErrClosed, err))
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		w.in.push(data)
	}
}

func (w *WebSocket) String() string {
	return w.cfg.String()
}

func (w *WebSocket) Read(max int) ([]byte, error) {
	timeout := w.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return w.in.pull(max, timeout)
}

func (w *WebSocket) Available() (int, error) {
	if n := w.in.len(); n > 0 || !w.closed.Load() {
		return n, nil
	}
	return 0, ErrClosed
}

func (w *WebSocket) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("websocket %s write: %w", w.cfg.URL, err)
	}
	return len(p), nil
}

func (w *WebSocket) ResetInput() error {
	w.in.reset()
	return nil
}

func (w *WebSocket) CancelRead() {
	w.in.wake()
}

func (w *WebSocket) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	return w.conn.Close()
}

func (w *WebSocket) IsOpen() bool {
	return !w.closed.Load()
}
