// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package handshake implements the capability check that gates file
// transfers: the device asks with a terminal identification query and only
// a camlink host answers with the agreed response.
package handshake

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/camlink/pkg/transport"
)

var (
	// Query is the primary device attributes request (DA1).
	Query = []byte("\x1b[0c")
	// Response identifies a camlink host.
	Response = []byte("\x1b[?3;2c")
)

// DefaultTimeout is how long Probe waits for the response.
const DefaultTimeout = time.Second

// Matcher recognises a byte sequence in a stream fed one byte at a time.
type Matcher struct {
	seq []byte
	pos int
}

// NewMatcher creates a matcher for seq.
func NewMatcher(seq []byte) *Matcher {
	return &Matcher{seq: seq}
}

// Feed consumes b and reports whether it completed the sequence.
func (m *Matcher) Feed(b byte) bool {
	if b == m.seq[m.pos] {
		m.pos++
	} else if b == m.seq[0] {
		m.pos = 1
	} else {
		m.pos = 0
	}
	if m.pos == len(m.seq) {
		m.pos = 0
		return true
	}
	return false
}

// Partial reports how many bytes of the sequence are pending.
func (m *Matcher) Partial() int {
	return m.pos
}

func (m *Matcher) Reset() {
	m.pos = 0
}

// Probe writes the query and waits up to timeout for the response. Bytes
// that are not part of the response are discarded. A silent or foreign
// peer yields false with a nil error.
func Probe(ctx context.Context, t transport.Transport, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, err := t.Write(Query); err != nil {
		return false, fmt.Errorf("capability query: %w", err)
	}

	m := NewMatcher(Response)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		data, err := t.Read(64)
		if err != nil {
			return false, fmt.Errorf("capability response: %w", err)
		}
		for _, b := range data {
			if m.Feed(b) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Responder is the host side: it watches console output for the query,
// removes it and counts how many answers are owed.
type Responder struct {
	m    *Matcher
	held []byte
}

// NewResponder creates a host responder.
func NewResponder() *Responder {
	return &Responder{m: NewMatcher(Query)}
}

// Filter returns p without any query sequence, and the number of queries
// found. Bytes that may start a query are held until the next call decides.
func (r *Responder) Filter(p []byte) (out []byte, queries int) {
	for _, b := range p {
		r.held = append(r.held, b)
		if r.m.Feed(b) {
			queries++
			r.held = r.held[:0]
			continue
		}
		// Release what can no longer be part of a query
		if keep := r.m.Partial(); len(r.held) > keep {
			n := len(r.held) - keep
			out = append(out, r.held[:n]...)
			r.held = append(r.held[:0], r.held[n:]...)
		}
	}
	return out, queries
}

// Flush releases held bytes, used when the stream goes quiet.
func (r *Responder) Flush() []byte {
	out := append([]byte(nil), r.held...)
	r.held = r.held[:0]
	r.m.Reset()
	return out
}
