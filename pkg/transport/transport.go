// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport provides the byte channels a console session runs over:
// serial ports, telnet sockets, WebSocket bridges and an in-memory pipe.
package transport

import (
	"errors"
	"time"
)

// DefaultReadTimeout bounds every Read call.
const DefaultReadTimeout = 200 * time.Millisecond

// ErrClosed is returned once the channel is gone.
var ErrClosed = errors.New("transport closed")

// Transport is a half-duplex byte channel shared by the console and file
// transfers. Read returns whatever is available, possibly nothing, and never
// blocks past a short timeout.
type Transport interface {
	Write(p []byte) (int, error)
	Read(max int) ([]byte, error)
	Available() (int, error)
	ResetInput() error
	// CancelRead makes a Read blocked in another goroutine return early.
	CancelRead()
	Close() error
	// IsOpen reports whether the channel is usable. For telnet this also
	// requires the remote side to have answered.
	IsOpen() bool
	String() string
}

// Opener creates a transport from connection parameters.
type Opener interface {
	Open() (Transport, error)
	String() string
}

// IsClosed reports whether err means the channel is gone for good.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
