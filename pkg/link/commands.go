// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"github.com/Thermoquad/camlink/pkg/transport"
)

// CommandKind selects what a queued command does.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdDisconnect
	CmdWrite
	CmdUpload
	CmdDownload
	CmdQuit
)

func (k CommandKind) String() string {
	switch k {
	case CmdConnect:
		return "connect"
	case CmdDisconnect:
		return "disconnect"
	case CmdWrite:
		return "write"
	case CmdUpload:
		return "upload"
	case CmdDownload:
		return "download"
	case CmdQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Command is a request queued to the manager loop.
type Command struct {
	Kind   CommandKind
	Target transport.Opener // CmdConnect
	Data   []byte           // CmdWrite
	Dir    string           // CmdUpload, CmdDownload; empty means the working directory
}

// Send queues cmd and wakes a read in progress.
func (m *Manager) Send(cmd Command) {
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return
	}
	if box, ok := m.reader.Load().(transportBox); ok && box.t != nil {
		box.t.CancelRead()
	}
}

// Connect opens target, replacing any current connection.
func (m *Manager) Connect(target transport.Opener) {
	m.Send(Command{Kind: CmdConnect, Target: target})
}

// Disconnect closes the connection and cancels auto-reconnect. A running
// transfer is aborted.
func (m *Manager) Disconnect() {
	m.Send(Command{Kind: CmdDisconnect})
}

// Write sends console input.
func (m *Manager) Write(p []byte) {
	m.Send(Command{Kind: CmdWrite, Data: append([]byte(nil), p...)})
}

// Upload waits for a device request and sends files from dir.
func (m *Manager) Upload(dir string) {
	m.Send(Command{Kind: CmdUpload, Dir: dir})
}

// Download receives the files the device sends into dir.
func (m *Manager) Download(dir string) {
	m.Send(Command{Kind: CmdDownload, Dir: dir})
}

// Quit ends the manager loop.
func (m *Manager) Quit() {
	m.Send(Command{Kind: CmdQuit})
}
