// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/camlink/pkg/exchange"
)

const (
	readSize       = 1024
	pasteThreshold = 32
	pasteSlice     = 8
	quietFlush     = 3 // empty reads before held bytes are shown
)

type config struct {
	handler        Handler
	log            *zap.Logger
	trace          *zap.Logger
	workDir        string
	autoReconnect  bool
	minBackoff     time.Duration
	maxBackoff     time.Duration
	pollInterval   time.Duration
	idleTimeout    time.Duration
	requestTimeout time.Duration
	compress       bool
	pasteThrottle  bool
	autoTransfer   bool
	answer         bool
}

func defaultConfig() config {
	return config{
		log:            zap.NewNop(),
		workDir:        ".",
		minBackoff:     time.Second,
		maxBackoff:     30 * time.Second,
		pollInterval:   100 * time.Millisecond,
		idleTimeout:    exchange.DefaultIdleTimeout,
		requestTimeout: exchange.DefaultRequestTimeout,
		pasteThrottle:  true,
		autoTransfer:   true,
		answer:         true,
	}
}

// Option configures a Manager.
type Option func(*config)

// WithHandler sets the event handler.
func WithHandler(h Handler) Option {
	return func(c *config) { c.handler = h }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTrace logs every byte on the link to log.
func WithTrace(log *zap.Logger) Option {
	return func(c *config) { c.trace = log }
}

// WithWorkDir sets the host directory mirroring the device filesystem.
func WithWorkDir(dir string) Option {
	return func(c *config) {
		if dir != "" {
			c.workDir = dir
		}
	}
}

// WithAutoReconnect reopens a lost link with exponential backoff.
func WithAutoReconnect(enabled bool) Option {
	return func(c *config) { c.autoReconnect = enabled }
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(c *config) {
		if min > 0 && max >= min {
			c.minBackoff, c.maxBackoff = min, max
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithIdleTimeout bounds the wait for the next frame during a session.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithRequestTimeout bounds the wait for the device request of an upload.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithCompression compresses chunks sent to the device.
func WithCompression(enabled bool) Option {
	return func(c *config) { c.compress = enabled }
}

// WithPasteThrottle splits long console writes for slow device REPLs.
func WithPasteThrottle(enabled bool) Option {
	return func(c *config) { c.pasteThrottle = enabled }
}

// WithAutoTransfer starts a session when a device transfer frame shows up
// in the console stream.
func WithAutoTransfer(enabled bool) Option {
	return func(c *config) { c.autoTransfer = enabled }
}

// WithCapabilityAnswer answers the device capability query.
func WithCapabilityAnswer(enabled bool) Option {
	return func(c *config) { c.answer = enabled }
}
