// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link is the host side connection manager. A single goroutine
// owns the transport: it keeps the console session alive, answers the
// device capability query and runs transfer sessions in between.
package link

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/handshake"
	"github.com/Thermoquad/camlink/pkg/transport"
)

// ErrNotConnected is reported for console commands while disconnected.
var ErrNotConnected = errors.New("not connected")

var errInterrupted = errors.New("interrupted by command")

type transportBox struct {
	t transport.Transport
}

// Manager is the host connection state machine.
type Manager struct {
	cfg  config
	log  *zap.Logger
	cmds chan Command
	done chan struct{}

	// Everything below is only touched by the Run goroutine
	state     State
	t         transport.Transport
	reader    atomic.Value // transportBox, lets Send cancel a blocked read
	scanner   *scanner
	stats     *exchange.Statistics
	opener    transport.Opener // last target, for reconnect
	backoff   time.Duration
	retryAt   time.Time
	deferred  []Command
	interrupt *Command
	tick      int
	discarded uint64 // console bytes swallowed during sessions
	quit      bool
}

// New creates a manager. Call Run to start it.
func New(opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	m := &Manager{
		cfg:     cfg,
		log:     cfg.log.Named("link"),
		cmds:    make(chan Command, 64),
		done:    make(chan struct{}),
		scanner: newScanner(cfg.autoTransfer, cfg.answer),
		stats:   exchange.NewStatistics(),
	}
	m.reader.Store(transportBox{})
	return m
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run drives the state machine until Quit or ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.closeTransport()

	for !m.quit {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch m.state.Phase {
		case PhaseDisconnected:
			m.stepDisconnected(ctx)
		case PhaseConnecting:
			m.stepConnecting(ctx)
		case PhaseConnected:
			m.stepConnected(ctx)
		}
	}
	m.log.Info("manager stopped")
	return nil
}

func (m *Manager) emit(ev Event) {
	if m.cfg.handler != nil {
		m.cfg.handler(ev)
	}
}

func (m *Manager) notice(format string, args ...any) {
	m.emit(NoticeEvent{Text: fmt.Sprintf(format, args...)})
}

func (m *Manager) setPhase(p Phase, err error) {
	m.state.Phase = p
	m.log.Info("phase", zap.Stringer("phase", p), zap.String("target", m.state.Target), zap.Error(err))
	m.emit(StateEvent{Phase: p, Target: m.state.Target, Err: err})
}

func (m *Manager) setTransport(t transport.Transport) {
	m.t = t
	m.reader.Store(transportBox{t: t})
}

func (m *Manager) closeTransport() {
	if m.t == nil {
		return
	}
	if err := m.t.Close(); err != nil {
		m.log.Debug("close", zap.Error(err))
	}
	m.setTransport(nil)
	m.deferred = nil
}

// Disconnected: wait for a command or the reconnect timer.
func (m *Manager) stepDisconnected(ctx context.Context) {
	var retry <-chan time.Time
	if m.cfg.autoReconnect && m.opener != nil {
		timer := time.NewTimer(time.Until(m.retryAt))
		defer timer.Stop()
		retry = timer.C
	}

	select {
	case <-ctx.Done():
	case cmd := <-m.cmds:
		switch cmd.Kind {
		case CmdConnect:
			m.open(cmd.Target, false)
		case CmdDisconnect:
			m.opener = nil
		case CmdQuit:
			m.quit = true
		default:
			m.emit(NoticeEvent{Text: fmt.Sprintf("Cannot %s: not connected", cmd.Kind), Err: ErrNotConnected})
		}
	case <-retry:
		m.notice("Reconnecting %s", m.opener)
		m.open(m.opener, true)
	}
}

func (m *Manager) open(target transport.Opener, reconnect bool) {
	m.closeTransport()
	if target == nil {
		return
	}
	m.state.Target = target.String()

	t, err := target.Open()
	if err != nil {
		m.log.Warn("open failed", zap.String("target", target.String()), zap.Error(err))
		m.emit(NoticeEvent{Text: "Connection failed: " + err.Error(), Err: err})
		if reconnect {
			m.scheduleReconnect()
		} else {
			m.opener = nil
		}
		return
	}

	if m.cfg.trace != nil {
		t = transport.Trace(t, m.cfg.trace)
	}
	m.setTransport(t)
	m.opener = target
	m.tick = 0
	m.setPhase(PhaseConnecting, nil)
}

func (m *Manager) scheduleReconnect() {
	if m.backoff == 0 {
		m.backoff = m.cfg.minBackoff
	} else {
		m.backoff = min(m.backoff*2, m.cfg.maxBackoff)
	}
	m.retryAt = time.Now().Add(m.backoff)
	m.emit(ReconnectEvent{Target: m.opener.String(), In: m.backoff})
}

// Connecting: poll IsOpen while honouring connect, disconnect and quit.
func (m *Manager) stepConnecting(ctx context.Context) {
	select {
	case cmd := <-m.cmds:
		m.handleConnecting(cmd)
		return
	default:
	}

	if m.t.IsOpen() {
		m.backoff = 0
		m.scanner.Reset()
		m.setPhase(PhaseConnected, nil)
		m.notice("Connected to %s", m.state.Target)
		return
	}

	m.tick++
	m.emit(ConnectingEvent{Target: m.state.Target, Tick: m.tick})
	select {
	case <-ctx.Done():
	case cmd := <-m.cmds:
		m.handleConnecting(cmd)
	case <-time.After(m.cfg.pollInterval):
	}
}

func (m *Manager) handleConnecting(cmd Command) {
	switch cmd.Kind {
	case CmdConnect:
		m.open(cmd.Target, false)
	case CmdDisconnect:
		m.disconnect()
	case CmdQuit:
		m.quit = true
	default:
		m.deferred = append(m.deferred, cmd)
	}
}

// Connected: at most one command per iteration, otherwise console output.
func (m *Manager) stepConnected(ctx context.Context) {
	if len(m.deferred) > 0 {
		cmd := m.deferred[0]
		m.deferred = m.deferred[1:]
		m.handleConnected(ctx, cmd)
		return
	}
	select {
	case cmd := <-m.cmds:
		m.handleConnected(ctx, cmd)
		return
	default:
	}
	m.receive(ctx)
}

func (m *Manager) handleConnected(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdWrite:
		m.write(ctx, cmd.Data)
	case CmdUpload:
		m.runUpload(ctx, cmd.Dir, nil, nil)
	case CmdDownload:
		m.runDownload(ctx, cmd.Dir, nil, nil)
	case CmdConnect:
		m.open(cmd.Target, false)
	case CmdDisconnect:
		m.disconnect()
	case CmdQuit:
		m.quit = true
	}
}

func (m *Manager) disconnect() {
	m.closeTransport()
	m.opener = nil
	m.backoff = 0
	m.setPhase(PhaseDisconnected, nil)
	m.notice("Disconnected")
}

func (m *Manager) linkLost(err error) {
	m.closeTransport()
	m.setPhase(PhaseDisconnected, err)
	m.emit(NoticeEvent{Text: "Link lost: " + err.Error(), Err: err})
	if m.cfg.autoReconnect && m.opener != nil {
		m.scheduleReconnect()
	}
}

// receive forwards one read worth of console bytes.
func (m *Manager) receive(ctx context.Context) {
	data, err := m.t.Read(readSize)
	if err != nil {
		m.linkLost(err)
		return
	}
	if len(data) == 0 {
		if held := m.scanner.Idle(); len(held) > 0 {
			m.emit(OutputEvent{Data: held})
		}
		return
	}
	m.consume(ctx, data)
}

// consume splits console bytes into terminal output, capability answers and
// transfer sessions.
func (m *Manager) consume(ctx context.Context, data []byte) {
	res := m.scanner.Feed(data)
	if len(res.console) > 0 {
		m.emit(OutputEvent{Data: res.console})
	}
	for i := 0; i < res.queries; i++ {
		m.log.Debug("answering capability query")
		if _, err := m.t.Write(handshake.Response); err != nil {
			m.linkLost(err)
			return
		}
	}
	if res.trigger == nil {
		return
	}

	switch res.trigger.Type() {
	case exchange.FrameRequest:
		m.runUpload(ctx, "", res.trigger, res.rest)
	default:
		m.runDownload(ctx, "", res.trigger, res.rest)
	}
}

// write sends console input, slowly when it looks like a paste.
func (m *Manager) write(ctx context.Context, data []byte) {
	if !m.cfg.pasteThrottle || len(data) <= pasteThreshold {
		m.writeAll(data)
		return
	}
	for len(data) > 0 && m.t != nil {
		n := min(pasteSlice, len(data))
		if !m.writeAll(data[:n]) {
			return
		}
		data = data[n:]
		m.receive(ctx)
	}
}

func (m *Manager) writeAll(data []byte) bool {
	if m.t == nil {
		return false
	}
	if _, err := m.t.Write(data); err != nil {
		m.linkLost(err)
		return false
	}
	return true
}

func (m *Manager) dir(dir string) string {
	if dir == "" {
		return m.cfg.workDir
	}
	return dir
}

// pollSession runs between reads of a session. Disconnect, connect and
// quit abort the session; anything else waits until it is over.
func (m *Manager) pollSession() error {
	for {
		select {
		case cmd := <-m.cmds:
			switch cmd.Kind {
			case CmdDisconnect, CmdConnect, CmdQuit:
				m.interrupt = &cmd
				return fmt.Errorf("%w: %s", errInterrupted, cmd.Kind)
			default:
				m.deferred = append(m.deferred, cmd)
			}
		default:
			return nil
		}
	}
}

func (m *Manager) sessionLink(rest []byte) *exchange.Link {
	l := exchange.NewLink(m.t,
		exchange.WithIdleTimeout(m.cfg.idleTimeout),
		exchange.WithPoll(m.pollSession),
		exchange.WithLinkStatistics(m.stats),
		exchange.WithLinkLogger(m.log),
		exchange.WithRawHandler(func(byte) error {
			m.discarded++
			return nil
		}))
	if len(rest) > 0 {
		l.Prepend(rest)
	}
	return l
}

func (m *Manager) sessionOptions(s *exchange.Session) []exchange.Option {
	return []exchange.Option{
		exchange.WithLogger(m.log.With(zap.String("session", s.ID.String()))),
		exchange.WithStatistics(m.stats),
		exchange.WithProgress(func(p exchange.Progress) {
			m.emit(ProgressEvent{SessionID: s.ID, Role: s.Role, Progress: p, Stats: m.stats.Snapshot()})
		}),
	}
}

func (m *Manager) beginSession(s *exchange.Session) {
	m.state.Session = s
	m.log.Info("session started", zap.Stringer("session", s))
	m.emit(SessionEvent{Session: *s})
}

// runUpload serves a device upload: wait for the request, send the files,
// then release the device receive loop.
func (m *Manager) runUpload(ctx context.Context, dir string, first *exchange.Frame, rest []byte) {
	s := exchange.NewSession(exchange.RoleSender, exchange.TransferRequest{})
	s.Transition(exchange.SessionAwaitingRequest)
	m.beginSession(s)

	l := m.sessionLink(rest)
	if first != nil {
		l.Unread(first)
	}

	req, err := m.awaitRequest(ctx, l)
	if err != nil {
		m.endSession(ctx, s, nil, err, l.Leftover())
		return
	}
	s.Request = *req
	s.Transition(exchange.SessionTransferring)
	m.emit(SessionEvent{Session: *s})

	pattern := req.Pattern
	if !path.IsAbs(pattern) {
		pattern = path.Join(req.BasePath, pattern)
	}
	pattern = strings.TrimPrefix(pattern, "/")

	opts := append(m.sessionOptions(s),
		exchange.WithCompression(m.cfg.compress),
		exchange.WithTerminator(exchange.ReleaseCommand))
	sender := exchange.NewSender(l, exchange.OSFS{}, opts...)
	report, err := sender.Send(ctx, m.dir(dir), pattern, req.Recursive)
	m.endSession(ctx, s, report, err, l.Leftover())
}

func (m *Manager) awaitRequest(ctx context.Context, l *exchange.Link) (*exchange.TransferRequest, error) {
	for {
		f, err := l.ReadFrameTimeout(ctx, m.cfg.requestTimeout)
		if err != nil {
			if exchange.IsDecodeError(err) {
				continue
			}
			return nil, err
		}
		if f.Type() != exchange.FrameRequest {
			return nil, &exchange.ProtocolError{Op: "await request", Err: fmt.Errorf("unexpected %s frame", f.Type())}
		}
		var req exchange.TransferRequest
		if err := f.Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}
}

// runDownload stores what the device sends until it signals the end.
func (m *Manager) runDownload(ctx context.Context, dir string, first *exchange.Frame, rest []byte) {
	s := exchange.NewSession(exchange.RoleReceiver, exchange.TransferRequest{})
	s.Transition(exchange.SessionTransferring)
	m.beginSession(s)

	l := m.sessionLink(rest)
	if first != nil {
		l.Unread(first)
	}

	recv := exchange.NewReceiver(l, exchange.OSFS{}, m.sessionOptions(s)...)
	var sessionErr error
	for {
		more, err := recv.Receive(ctx, m.dir(dir))
		if err != nil {
			m.log.Warn("download file failed", zap.Error(err))
			if !more {
				sessionErr = err
			}
		}
		if !more {
			break
		}
	}
	if sessionErr == nil {
		sessionErr = recv.SenderFailures()
	}
	m.endSession(ctx, s, recv.Report(), sessionErr, l.Leftover())
}

// endSession reports the outcome and returns the link to the console. rest
// is what the session read past its last frame.
func (m *Manager) endSession(ctx context.Context, s *exchange.Session, report *exchange.Report, err error, rest []byte) {
	if report == nil {
		report = &exchange.Report{}
	}
	s.Finish(report, err)
	m.state.Session = nil
	m.scanner.Reset()
	m.log.Info("session ended",
		zap.Stringer("session", s),
		zap.Stringer("report", report),
		zap.Uint64("discarded", m.discarded),
		zap.Error(err))
	m.discarded = 0
	m.emit(SessionEvent{Session: *s})

	op := "Upload"
	if s.Role == exchange.RoleReceiver {
		op = "Download"
	}
	switch {
	case err != nil:
		m.emit(NoticeEvent{Text: fmt.Sprintf("%s failed: %v", op, err), Err: err})
	case report.Failed() > 0:
		m.emit(NoticeEvent{Text: fmt.Sprintf("%s finished with errors: %s", op, report), Err: report.Err()})
	default:
		m.notice("%s end: %s", op, report)
	}

	if m.interrupt != nil {
		cmd := *m.interrupt
		m.interrupt = nil
		m.handleConnected(ctx, cmd)
		return
	}
	if err != nil && exchange.LinkLost(err) {
		m.linkLost(err)
		return
	}
	if len(rest) > 0 {
		m.consume(ctx, rest)
	}
}
