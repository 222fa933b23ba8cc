// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package device is the camera side of a transfer: the shell facing
// upload and download operations, run over the device console.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/handshake"
	"github.com/Thermoquad/camlink/pkg/transport"
)

const defaultDrainQuiet = 2 * time.Second

// Endpoint runs transfers on the device console. Paths on the device are
// rooted at root; the host working directory mirrors that tree.
type Endpoint struct {
	console          transport.Transport
	fs               exchange.Filesystem
	root             string
	cwd              string
	watchdog         exchange.Watchdog
	redirected       func() bool
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	drainQuiet       time.Duration
	compress         bool
	log              *zap.Logger
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithFilesystem replaces the OS filesystem.
func WithFilesystem(fsys exchange.Filesystem) Option {
	return func(e *Endpoint) { e.fs = fsys }
}

// WithWatchdog sets the watchdog fed during transfers.
func WithWatchdog(w exchange.Watchdog) Option {
	return func(e *Endpoint) { e.watchdog = w }
}

// WithRedirected reports whether console output currently goes to a file,
// in which case no transfer can run.
func WithRedirected(f func() bool) Option {
	return func(e *Endpoint) { e.redirected = f }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(e *Endpoint) { e.handshakeTimeout = d }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(e *Endpoint) { e.idleTimeout = d }
}

// WithCompression compresses chunks sent by Download.
func WithCompression(enabled bool) Option {
	return func(e *Endpoint) { e.compress = enabled }
}

// WithLogger sets the syslog.
func WithLogger(log *zap.Logger) Option {
	return func(e *Endpoint) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEndpoint creates the device endpoint for console.
func NewEndpoint(console transport.Transport, root string, opts ...Option) *Endpoint {
	e := &Endpoint{
		console:          console,
		fs:               exchange.OSFS{},
		root:             root,
		handshakeTimeout: handshake.DefaultTimeout,
		idleTimeout:      exchange.DefaultIdleTimeout,
		drainQuiet:       defaultDrainQuiet,
		log:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cwd returns the current directory as an absolute device path.
func (e *Endpoint) Cwd() string {
	return "/" + e.cwd
}

// Chdir changes the current directory. The directory must exist.
func (e *Endpoint) Chdir(dir string) error {
	target := dir
	if !path.IsAbs(target) {
		target = path.Join(e.Cwd(), dir)
	}
	target = strings.TrimPrefix(path.Clean(target), "/")
	if target != "" && !e.isDir(target) {
		return fmt.Errorf("%s: no such directory", dir)
	}
	e.cwd = target
	return nil
}

func (e *Endpoint) isDir(rel string) bool {
	full, err := exchange.Resolve(e.root, rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.IsDir()
}

// Root returns the directory backing the device filesystem.
func (e *Endpoint) Root() string {
	return e.root
}

func (e *Endpoint) say(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if _, err := e.console.Write([]byte(msg + "\r\n")); err != nil {
		e.log.Warn("console write failed", zap.Error(err))
	}
}

func (e *Endpoint) feed() {
	if e.watchdog != nil {
		e.watchdog.Feed()
	}
}

// Capable runs the capability handshake.
func (e *Endpoint) Capable(ctx context.Context) bool {
	if e.redirected != nil && e.redirected() {
		return false
	}
	ok, err := handshake.Probe(ctx, e.console, e.handshakeTimeout)
	if err != nil {
		e.log.Warn("capability probe failed", zap.Error(err))
		return false
	}
	return ok
}

func (e *Endpoint) requireHost(ctx context.Context) error {
	if e.Capable(ctx) {
		return nil
	}
	e.say("camlink host required for this command")
	e.log.Info("transfer refused", zap.Error(exchange.ErrNotCapable))
	return exchange.ErrNotCapable
}

func (e *Endpoint) newLink(onRaw exchange.RawHandler) *exchange.Link {
	return exchange.NewLink(e.console,
		exchange.WithIdleTimeout(e.idleTimeout),
		exchange.WithRawHandler(onRaw),
		exchange.WithLinkLogger(e.log))
}

// Upload asks the host for the files matching pattern relative to the
// current directory and stores them.
func (e *Endpoint) Upload(ctx context.Context, pattern string, recursive bool) error {
	if err := e.requireHost(ctx); err != nil {
		return err
	}
	e.say("Upload to device start")

	released := false
	release := handshake.NewMatcher(exchange.ReleaseCommand)
	link := e.newLink(func(b byte) error {
		if b == exchange.InterruptByte {
			return exchange.ErrCancelled
		}
		if release.Feed(b) {
			released = true
			return exchange.ErrReleased
		}
		return nil
	})

	req := exchange.TransferRequest{BasePath: e.Cwd(), Pattern: pattern, Recursive: recursive}
	session := exchange.NewSession(exchange.RoleReceiver, req)
	if err := link.WriteFrame(exchange.FrameRequest, req); err != nil {
		return e.finish("Upload", session, nil, err)
	}
	session.Transition(exchange.SessionTransferring)
	e.log.Info("session started", zap.Stringer("session", session), zap.String("pattern", pattern))

	recv := exchange.NewReceiver(link, e.fs,
		exchange.WithWatchdog(e.watchdog),
		exchange.WithLogger(e.log))

	var sessionErr error
	for {
		more, err := recv.Receive(ctx, e.root)
		e.feed()
		if err != nil {
			e.log.Warn("upload file failed", zap.Error(err))
			if !more {
				sessionErr = err
			}
		}
		if !more {
			break
		}
	}

	// The host follows END with the release text; swallow it
	if sessionErr == nil && !released {
		if err := link.Drain(ctx, e.drainQuiet); err != nil {
			e.log.Warn("drain failed", zap.Error(err))
		}
	}
	if sessionErr == nil {
		sessionErr = recv.SenderFailures()
	}

	return e.finish("Upload", session, recv.Report(), sessionErr)
}

// Download sends the files matching pattern relative to the current
// directory to the host.
func (e *Endpoint) Download(ctx context.Context, pattern string, recursive bool) error {
	if err := e.requireHost(ctx); err != nil {
		return err
	}
	e.say("Download from device start")

	link := e.newLink(func(b byte) error {
		if b == exchange.InterruptByte {
			return exchange.ErrCancelled
		}
		return nil
	})
	sender := exchange.NewSender(link, e.fs,
		exchange.WithWatchdog(e.watchdog),
		exchange.WithCompression(e.compress),
		exchange.WithLogger(e.log))

	full := path.Join(e.cwd, pattern)
	session := exchange.NewSession(exchange.RoleSender, exchange.TransferRequest{BasePath: e.Cwd(), Pattern: pattern, Recursive: recursive})
	session.Transition(exchange.SessionTransferring)
	e.log.Info("session started", zap.Stringer("session", session), zap.String("pattern", full))

	report, err := sender.Send(ctx, e.root, full, recursive)
	return e.finish("Download", session, report, err)
}

// finish closes the session and reports its outcome on the console.
func (e *Endpoint) finish(op string, session *exchange.Session, report *exchange.Report, err error) error {
	if report == nil {
		report = &exchange.Report{}
	}
	session.Finish(report, err)
	if err == nil {
		err = report.Err()
	}
	e.log.Info("session ended",
		zap.Stringer("session", session),
		zap.Stringer("report", report),
		zap.Duration("duration", session.Duration()),
		zap.Error(err))
	if err != nil {
		return e.failed(op, err)
	}
	e.say("%s end (%s)", op, report)
	return nil
}

func (e *Endpoint) failed(op string, err error) error {
	e.log.Error(strings.ToLower(op)+" failed", zap.Error(err))
	if errors.Is(err, exchange.ErrCancelled) {
		e.say("%s cancelled", op)
	} else {
		e.say("%s failed", op)
	}
	return err
}
