// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"sync/atomic"
	"time"
)

// PipeEnd is one side of an in-memory transport pair.
type PipeEnd struct {
	name    string
	in      *inbox
	peer    *PipeEnd
	closed  *atomic.Bool
	timeout time.Duration
}

// Pipe returns two connected transports. Closing either end closes both;
// the other side still drains what was already written.
func Pipe() (*PipeEnd, *PipeEnd) {
	closed := new(atomic.Bool)
	a := &PipeEnd{name: "pipe:a", in: newInbox(), closed: closed, timeout: 20 * time.Millisecond}
	b := &PipeEnd{name: "pipe:b", in: newInbox(), closed: closed, timeout: 20 * time.Millisecond}
	a.peer, b.peer = b, a
	return a, b
}

// Opener returns an Opener that hands out this end once.
func (p *PipeEnd) Opener() Opener {
	return pipeOpener{p}
}

type pipeOpener struct{ end *PipeEnd }

func (o pipeOpener) Open() (Transport, error) { return o.end, nil }
func (o pipeOpener) String() string           { return o.end.name }

func (p *PipeEnd) String() string {
	return p.name
}

func (p *PipeEnd) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	p.peer.in.push(append([]byte(nil), b...))
	return len(b), nil
}

func (p *PipeEnd) Read(max int) ([]byte, error) {
	data, _ := p.in.pull(max, p.timeout)
	if len(data) == 0 && p.closed.Load() {
		return nil, ErrClosed
	}
	return data, nil
}

func (p *PipeEnd) Available() (int, error) {
	n := p.in.len()
	if n == 0 && p.closed.Load() {
		return 0, ErrClosed
	}
	return n, nil
}

func (p *PipeEnd) ResetInput() error {
	p.in.reset()
	return nil
}

func (p *PipeEnd) CancelRead() {
	p.in.wake()
}

func (p *PipeEnd) Close() error {
	p.closed.Store(true)
	p.in.wake()
	p.peer.in.wake()
	return nil
}

func (p *PipeEnd) IsOpen() bool {
	return !p.closed.Load()
}
