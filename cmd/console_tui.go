// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/link"
	"github.com/Thermoquad/camlink/pkg/transport"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	maxConsoleLines = 2000
	maxLogEntries   = 100
	eventLogLines   = 5

	// Rows taken by everything except the console box
	chromeHeight = 2 + 3 + 4 + (eventLogLines + 3) + 2
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// errorLogEntry is one line of the event log
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	// Link manager and the target reconnects go to
	mgr      *link.Manager
	target   transport.Opener
	connInfo string

	// Connection state
	phase       link.Phase
	connectTick int
	reconnectIn time.Duration

	// Console text
	lines    []string
	partial  string
	viewport viewport.Model

	// Transfer state
	session  *exchange.Session
	progress exchange.Progress
	bar      progress.Model
	stats    exchange.Statistics

	// Event log
	errorLog []errorLogEntry

	// UI state
	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

// managerEventMsg carries a link manager event into the TUI
type managerEventMsg struct {
	event link.Event
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(mgr *link.Manager, target transport.Opener) consoleModel {
	vp := viewport.New(76, 10)
	vp.MouseWheelEnabled = true

	return consoleModel{
		mgr:      mgr,
		target:   target,
		connInfo: target.String(),
		phase:    link.PhaseDisconnected,
		viewport: vp,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		errorLog: make([]errorLogEntry, 0),
		width:    80,
		height:   24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return consoleTickCmd()
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case consoleTickMsg:
		m.stats.CalculateRates()
		if m.reconnectIn > 0 {
			m.reconnectIn = max(m.reconnectIn-time.Second, 0)
		}
		return m, consoleTickCmd()

	case managerEventMsg:
		m.handleEvent(msg.event)
	}

	return m, nil
}

func (m *consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlQ:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyF2:
		m.addLogEntry("Connecting to "+m.connInfo, false)
		m.mgr.Connect(m.target)
		return m, nil

	case tea.KeyF3:
		m.mgr.Disconnect()
		return m, nil

	case tea.KeyF5:
		m.addLogEntry("Waiting for an upload request from the camera", false)
		m.mgr.Upload("")
		return m, nil

	case tea.KeyF6:
		m.addLogEntry("Waiting for files from the camera", false)
		m.mgr.Download("")
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	if data := keyBytes(msg); len(data) > 0 {
		if m.phase != link.PhaseConnected {
			return m, nil
		}
		m.mgr.Write(data)
		m.viewport.GotoBottom()
	}
	return m, nil
}

// keyBytes translates a key press into what a VT100 terminal would send.
func keyBytes(msg tea.KeyMsg) []byte {
	var data []byte
	switch msg.Type {
	case tea.KeyRunes:
		data = []byte(string(msg.Runes))
	case tea.KeySpace:
		data = []byte{' '}
	case tea.KeyUp:
		data = []byte("\x1b[A")
	case tea.KeyDown:
		data = []byte("\x1b[B")
	case tea.KeyRight:
		data = []byte("\x1b[C")
	case tea.KeyLeft:
		data = []byte("\x1b[D")
	case tea.KeyHome:
		data = []byte("\x1b[H")
	case tea.KeyEnd:
		data = []byte("\x1b[F")
	case tea.KeyDelete:
		data = []byte("\x1b[3~")
	default:
		// Control keys carry their ASCII code
		if (msg.Type >= 0 && msg.Type < 0x20) || msg.Type == 0x7F {
			data = []byte{byte(msg.Type)}
		}
	}
	if msg.Alt && len(data) > 0 {
		data = append([]byte{0x1B}, data...)
	}
	return data
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	s.WriteString(titleStyle.Render("CAMLINK"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s | F2=connect F3=disconnect F5=upload F6=download ^Q=quit",
		m.connInfo, m.renderPhase(statsValueStyle, warningStyle, errorStyle))))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Width(m.width - 2).Render(m.viewport.View()))
	s.WriteString("\n")
	s.WriteString(m.renderTransfer(statsLabelStyle, statsValueStyle, errorStyle, headerStyle, boxStyle))
	s.WriteString("\n")
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n")
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m consoleModel) renderPhase(okStyle, warningStyle, errorStyle lipgloss.Style) string {
	switch m.phase {
	case link.PhaseConnected:
		return okStyle.Render("CONNECTED")
	case link.PhaseConnecting:
		return warningStyle.Render("CONNECTING " + spinnerFrames[m.connectTick%len(spinnerFrames)])
	default:
		if m.reconnectIn > 0 {
			return warningStyle.Render(fmt.Sprintf("RECONNECTING IN %s", m.reconnectIn))
		}
		return errorStyle.Render("DISCONNECTED")
	}
}

func (m consoleModel) renderTransfer(statsLabelStyle, statsValueStyle, errorStyle, headerStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("TRANSFER"))
	s.WriteString(" ")

	if m.session == nil {
		s.WriteString(headerStyle.Render("idle"))
		s.WriteString("\n")
		return boxStyle.Width(m.width - 4).Render(s.String())
	}

	op := "upload to camera"
	if m.session.Role == exchange.RoleReceiver {
		op = "download from camera"
	}
	state := statsValueStyle.Render(m.session.State.String())
	if m.session.State == exchange.SessionFailed {
		state = errorStyle.Render(m.session.State.String())
	}
	s.WriteString(fmt.Sprintf("%s %s %s", op, state, headerStyle.Render(m.session.Duration().Round(time.Second).String())))
	if m.session.Report != nil {
		s.WriteString(" " + m.session.Report.String())
	}
	s.WriteString("\n")

	p := m.progress
	if p.Path != "" {
		percent := 0.0
		if p.Size > 0 {
			percent = float64(p.Bytes) / float64(p.Size)
		} else if p.FileDone {
			percent = 1
		}
		files := fmt.Sprintf("%d", p.File)
		if p.Files > 0 {
			files = fmt.Sprintf("%d/%d", p.File, p.Files)
		}
		s.WriteString(fmt.Sprintf("%s %s %s", m.bar.ViewAs(percent), files, p.Path))
		if p.Attempt > 1 {
			s.WriteString(errorStyle.Render(fmt.Sprintf(" attempt %d", p.Attempt)))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

func (m consoleModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	errors := m.stats.CRCErrors + m.stats.DecodeErrors + m.stats.Naks

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d/%d", m.stats.FramesSent, m.stats.FramesReceived)),
		statsLabelStyle.Render("Files:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.FilesOK)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errors > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", errors))
			}
			return statsValueStyle.Render("0")
		}(),
		statsLabelStyle.Render("Retries:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.Retries)),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f B/s", m.stats.ByteRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m consoleModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	startIdx := max(len(m.errorLog)-eventLogLines, 0)

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Event Processing
//////////////////////////////////////////////////////////////

func (m *consoleModel) handleEvent(ev link.Event) {
	switch ev := ev.(type) {
	case link.OutputEvent:
		m.appendOutput(ev.Data)

	case link.StateEvent:
		m.phase = ev.Phase
		if ev.Target != "" {
			m.connInfo = ev.Target
		}
		if ev.Phase != link.PhaseDisconnected {
			m.reconnectIn = 0
		}

	case link.ConnectingEvent:
		m.connectTick = ev.Tick

	case link.ReconnectEvent:
		m.reconnectIn = ev.In
		m.addLogEntry(fmt.Sprintf("Reconnecting to %s in %s", ev.Target, ev.In), false)

	case link.NoticeEvent:
		m.addLogEntry(ev.Text, ev.Err != nil)

	case link.SessionEvent:
		s := ev.Session
		if m.session == nil || m.session.ID != s.ID {
			m.progress = exchange.Progress{}
		}
		m.session = &s

	case link.ProgressEvent:
		m.progress = ev.Progress
		m.stats = ev.Stats
		if ev.Progress.FileFailed {
			m.addLogEntry(fmt.Sprintf("%s failed (attempt %d)", ev.Progress.Path, ev.Progress.Attempt), true)
		}
	}
}

// appendOutput adds console bytes, handling the few control characters a
// line based view can represent.
func (m *consoleModel) appendOutput(data []byte) {
	for _, r := range string(data) {
		switch r {
		case '\n':
			m.lines = append(m.lines, m.partial)
			m.partial = ""
		case '\r':
		case '\b':
			if n := len(m.partial); n > 0 {
				m.partial = m.partial[:n-1]
			}
		case '\a':
		default:
			m.partial += string(r)
		}
	}
	if len(m.lines) > maxConsoleLines {
		m.lines = m.lines[len(m.lines)-maxConsoleLines:]
	}

	follow := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(append(m.lines, m.partial), "\n"))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *consoleModel) resize() {
	m.viewport.Width = max(m.width-6, 10)
	m.viewport.Height = max(m.height-chromeHeight, 3)
	m.bar.Width = max(m.width/3, 10)
	m.viewport.GotoBottom()
}

func (m *consoleModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	if len(m.errorLog) > maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-maxLogEntries:]
	}
}
