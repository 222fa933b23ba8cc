// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"sync"
	"time"
)

// SoftWatchdog calls its expiry function unless fed within the timeout.
type SoftWatchdog struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	onExpire func()
	feeds    uint64
}

// NewSoftWatchdog creates a stopped watchdog.
func NewSoftWatchdog(timeout time.Duration, onExpire func()) *SoftWatchdog {
	return &SoftWatchdog{timeout: timeout, onExpire: onExpire}
}

// Start arms the watchdog.
func (w *SoftWatchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		w.timer = time.AfterFunc(w.timeout, w.expire)
	} else {
		w.timer.Reset(w.timeout)
	}
}

// Feed restarts the countdown.
func (w *SoftWatchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.feeds++
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

// Feeds returns how many times the watchdog was fed.
func (w *SoftWatchdog) Feeds() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.feeds
}

// Stop disarms the watchdog.
func (w *SoftWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *SoftWatchdog) expire() {
	if w.onExpire != nil {
		w.onExpire()
	}
}
