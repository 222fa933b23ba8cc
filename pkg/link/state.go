// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"

	"github.com/Thermoquad/camlink/pkg/exchange"
)

// Phase is the connection phase of the manager.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is owned by the manager loop and only ever leaves it as a copy.
type State struct {
	Phase   Phase
	Target  string
	Session *exchange.Session
}
