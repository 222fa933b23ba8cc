// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"go.uber.org/zap"
)

// Watchdog is fed while a transfer makes progress.
type Watchdog interface {
	Feed()
}

// Progress describes where a running transfer stands.
type Progress struct {
	Path       string
	File       int // 1-based index of the current file
	Files      int // total files, 0 when unknown (receiver side)
	Bytes      uint64
	Size       uint64
	Attempt    int
	FileDone   bool
	FileFailed bool
}

// ProgressCallback receives progress updates from the transfer loop.
type ProgressCallback func(Progress)

// Config holds sender and receiver settings.
type Config struct {
	ChunkSize  int
	Attempts   int
	Compress   bool
	Terminator []byte
	Watchdog   Watchdog
	Progress   ProgressCallback
	Stats      *Statistics
	Logger     *zap.Logger
}

// Option configures a Sender or Receiver.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		ChunkSize: MaxChunkSize,
		Attempts:  MaxAttempts,
		Logger:    zap.NewNop(),
	}
}

func newConfig(opts []Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithChunkSize sets the DATA payload size, capped at MaxChunkSize.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= MaxChunkSize {
			c.ChunkSize = size
		}
	}
}

// WithAttempts sets how many times a file is tried before it is counted failed.
func WithAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Attempts = n
		}
	}
}

// WithCompression enables lz4 compression of DATA payloads.
func WithCompression(enabled bool) Option {
	return func(c *Config) {
		c.Compress = enabled
	}
}

// WithTerminator sets console text the sender writes after the END frame.
func WithTerminator(text []byte) Option {
	return func(c *Config) {
		c.Terminator = text
	}
}

// WithWatchdog sets the watchdog fed between files and every
// WatchdogChunkInterval chunks.
func WithWatchdog(w Watchdog) Option {
	return func(c *Config) {
		c.Watchdog = w
	}
}

// WithProgress sets a progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithStatistics shares a statistics collector. By default the link's
// collector is used.
func WithStatistics(s *Statistics) Option {
	return func(c *Config) {
		c.Stats = s
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}

func (c *Config) feed() {
	if c.Watchdog != nil {
		c.Watchdog.Feed()
	}
}

func (c *Config) progress(p Progress) {
	if c.Progress != nil {
		c.Progress(p)
	}
}

func (c *Config) count(res FileResult) {
	if res.Err == nil {
		c.Stats.FilesOK++
	} else {
		c.Stats.FilesFailed++
	}
}
