// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/camlink/pkg/exchange"
)

// Event is delivered to the Handler from the manager goroutine.
type Event interface {
	event()
}

// Handler receives manager events. It must not block for long.
type Handler func(Event)

// OutputEvent carries console bytes for the terminal.
type OutputEvent struct {
	Data []byte
}

// StateEvent reports a phase change. Err is set when the link was lost.
type StateEvent struct {
	Phase  Phase
	Target string
	Err    error
}

// ConnectingEvent is emitted on every poll while connecting.
type ConnectingEvent struct {
	Target string
	Tick   int
}

// ReconnectEvent announces the next reconnect attempt.
type ReconnectEvent struct {
	Target string
	In     time.Duration
}

// NoticeEvent is a one-line message for the user.
type NoticeEvent struct {
	Text string
	Err  error
}

// SessionEvent is emitted when a transfer session starts, when its request
// is known, and when it ends.
type SessionEvent struct {
	Session exchange.Session
}

// ProgressEvent reports transfer progress.
type ProgressEvent struct {
	SessionID uuid.UUID
	Role      exchange.Role
	Progress  exchange.Progress
	Stats     exchange.Statistics
}

func (OutputEvent) event()     {}
func (StateEvent) event()      {}
func (ConnectingEvent) event() {}
func (ReconnectEvent) event()  {}
func (NoticeEvent) event()     {}
func (SessionEvent) event()    {}
func (ProgressEvent) event()   {}
