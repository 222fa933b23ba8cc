// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaud is the console speed of the camera firmware.
const DefaultBaud = 115200

// SerialConfig describes a serial console.
type SerialConfig struct {
	Port        string
	Baud        int
	RTSDTR      bool // level applied to RTS and DTR on open
	ReadTimeout time.Duration
}

func (c SerialConfig) String() string {
	return fmt.Sprintf("serial %s @ %d baud", c.Port, c.baud())
}

func (c SerialConfig) baud() int {
	if c.Baud <= 0 {
		return DefaultBaud
	}
	return c.Baud
}

// Open opens the port.
func (c SerialConfig) Open() (Transport, error) {
	return OpenSerial(c)
}

// Serial is a Transport over a serial port.
type Serial struct {
	cfg     SerialConfig
	port    serial.Port
	mu      sync.Mutex
	pending []byte
	closed  atomic.Bool
	cancel  atomic.Bool
}

// OpenSerial opens and configures a serial port.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("serial: no port given")
	}
	mode := &serial.Mode{
		BaudRate: cfg.baud(),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial %s: set read timeout: %w", cfg.Port, err)
	}

	// Some boards reset on DTR; the level is remembered per port.
	if err := port.SetRTS(cfg.RTSDTR); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial %s: set RTS: %w", cfg.Port, err)
	}
	if err := port.SetDTR(cfg.RTSDTR); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial %s: set DTR: %w", cfg.Port, err)
	}

	return &Serial{cfg: cfg, port: port}, nil
}

func (s *Serial) String() string {
	return s.cfg.String()
}

func (s *Serial) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := s.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serial %s write: %w", s.cfg.Port, err)
	}
	return n, nil
}

// Read returns bytes left over by Available first, then reads the port.
func (s *Serial) Read(max int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := min(max, len(s.pending))
		out := append([]byte(nil), s.pending[:n]...)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	if s.cancel.Swap(false) {
		return nil, nil
	}
	return s.readPort(max)
}

func (s *Serial) readPort(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := s.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("serial %s read: %w", s.cfg.Port, err)
	}
	return buf[:n], nil
}

// Available polls the port once and keeps what arrived for the next Read.
func (s *Serial) Available() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n > 0 {
		return n, nil
	}
	data, err := s.readPort(256)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.pending = append(s.pending, data...)
	n = len(s.pending)
	s.mu.Unlock()
	return n, nil
}

func (s *Serial) ResetInput() error {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serial %s reset: %w", s.cfg.Port, err)
	}
	return nil
}

// CancelRead cannot interrupt the driver; the next Read returns at once and
// a read in progress ends with the port timeout.
func (s *Serial) CancelRead() {
	s.cancel.Store(true)
}

func (s *Serial) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.port.Close()
}

func (s *Serial) IsOpen() bool {
	return !s.closed.Load()
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, lerr := serial.GetPortsList()
		if lerr != nil {
			return nil, fmt.Errorf("list ports: %w", lerr)
		}
		ports := make([]PortInfo, 0, len(names))
		for _, name := range names {
			ports = append(ports, PortInfo{Name: name})
		}
		return ports, nil
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
