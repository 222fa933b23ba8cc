// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"sync"
	"time"
)

// inbox holds bytes received but not yet handed to Read. Producers push,
// Read pulls up to max bytes and waits a bounded time when empty.
type inbox struct {
	mu     sync.Mutex
	buf    []byte
	err    error
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (b *inbox) push(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	b.wake()
}

// fail records a terminal error, returned once the buffer is drained.
func (b *inbox) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.wake()
}

func (b *inbox) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *inbox) reset() {
	b.mu.Lock()
	b.buf = nil
	b.mu.Unlock()
}

// take returns up to max buffered bytes without waiting.
func (b *inbox) take(max int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return nil, b.err
	}
	n := min(max, len(b.buf))
	out := make([]byte, n)
	copy(out, b.buf)
	b.buf = b.buf[n:]
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return out, nil
}

// pull waits up to timeout for data. A wake without data ends the wait.
func (b *inbox) pull(max int, timeout time.Duration) ([]byte, error) {
	if data, err := b.take(max); len(data) > 0 || err != nil {
		return data, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.notify:
	case <-timer.C:
	}
	return b.take(max)
}
