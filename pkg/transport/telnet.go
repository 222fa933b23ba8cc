// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
)

// Telnet protocol bytes.
const (
	iacSE   = 240
	iacSB   = 250
	iacWILL = 251
	iacWONT = 252
	iacDO   = 253
	iacDONT = 254
	iacIAC  = 255

	optBinary = 0
	optEcho   = 1
	optSGA    = 3
)

const (
	DefaultTelnetPort  = 23
	DefaultDialTimeout = time.Second
	telnetPollTimeout  = 100 * time.Millisecond
)

// TelnetConfig describes a telnet console.
type TelnetConfig struct {
	Host        string
	Port        int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	// DSCP marks outgoing packets when non-zero (e.g. 46 for expedited
	// forwarding on congested Wi-Fi).
	DSCP int
}

func (c TelnetConfig) address() string {
	port := c.Port
	if port <= 0 {
		port = DefaultTelnetPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c TelnetConfig) String() string {
	return "telnet " + c.address()
}

// Open returns a telnet transport that connects lazily from IsOpen, so the
// manager can keep polling while the camera joins the network.
func (c TelnetConfig) Open() (Transport, error) {
	if c.Host == "" {
		return nil, fmt.Errorf("telnet: no host given")
	}
	return NewTelnet(c), nil
}

// Telnet is a Transport over a raw TCP socket speaking minimal telnet.
// Option negotiation is answered (binary and suppress-go-ahead accepted,
// everything else refused) and stripped from the data stream.
type Telnet struct {
	cfg TelnetConfig

	mu    sync.Mutex // guards conn
	conn  net.Conn
	codec *telnetCodec

	in     *inbox
	acked  atomic.Bool
	closed atomic.Bool
}

// NewTelnet creates an unconnected telnet transport.
func NewTelnet(cfg TelnetConfig) *Telnet {
	return &Telnet{cfg: cfg, in: newInbox(), codec: newTelnetCodec(false)}
}

// NewTelnetServer wraps an accepted connection. The server side announces
// binary mode and echo on its own.
func NewTelnetServer(conn net.Conn) (*Telnet, error) {
	t := &Telnet{
		cfg:   TelnetConfig{Host: conn.RemoteAddr().String()},
		conn:  conn,
		in:    newInbox(),
		codec: newTelnetCodec(true),
	}
	t.acked.Store(true)
	hello := []byte{
		iacIAC, iacWILL, optEcho,
		iacIAC, iacWILL, optSGA,
		iacIAC, iacWILL, optBinary,
		iacIAC, iacDO, optBinary,
	}
	if _, err := conn.Write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("telnet negotiate: %w", err)
	}
	return t, nil
}

func (t *Telnet) String() string {
	return t.cfg.String()
}

func (t *Telnet) dial() error {
	timeout := t.cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	conn, err := net.DialTimeout("tcp", t.cfg.address(), timeout)
	if err != nil {
		return err
	}
	if t.cfg.DSCP > 0 {
		// Best effort: not every platform lets us mark packets.
		_ = ipv4.NewConn(conn).SetTOS(t.cfg.DSCP << 2)
	}
	hello := []byte{iacIAC, iacDO, optSGA, iacIAC, iacDO, optBinary, iacIAC, iacWILL, optBinary}
	if _, err := conn.Write(hello); err != nil {
		conn.Close()
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *Telnet) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// IsOpen connects if needed and reports true once the remote has sent
// anything back.
func (t *Telnet) IsOpen() bool {
	if t.closed.Load() {
		return false
	}
	if t.acked.Load() {
		return true
	}
	if t.current() == nil {
		if err := t.dial(); err != nil {
			return false
		}
	}
	if err := t.fill(telnetPollTimeout); err != nil {
		return false
	}
	return t.acked.Load()
}

// fill reads once from the socket into the inbox.
func (t *Telnet) fill(timeout time.Duration) error {
	conn := t.current()
	if conn == nil {
		return ErrClosed
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return t.lost(err)
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if n > 0 {
		t.acked.Store(true)
		data, reply := t.codec.decode(buf[:n])
		if len(reply) > 0 {
			if _, werr := conn.Write(reply); werr != nil {
				return t.lost(werr)
			}
		}
		t.in.push(data)
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return t.lost(err)
	}
	return nil
}

func (t *Telnet) lost(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("telnet %s: %w", t.cfg.address(), ErrClosed)
	}
	return fmt.Errorf("telnet %s: %w", t.cfg.address(), err)
}

func (t *Telnet) readTimeout() time.Duration {
	if t.cfg.ReadTimeout > 0 {
		return t.cfg.ReadTimeout
	}
	return telnetPollTimeout
}

// Read returns buffered bytes first; otherwise it waits briefly for the
// socket. Anything beyond max stays buffered.
func (t *Telnet) Read(max int) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if data, _ := t.in.take(max); len(data) > 0 {
		return data, nil
	}
	if err := t.fill(t.readTimeout()); err != nil {
		return nil, err
	}
	data, _ := t.in.take(max)
	return data, nil
}

func (t *Telnet) Available() (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	if n := t.in.len(); n > 0 {
		return n, nil
	}
	if err := t.fill(time.Millisecond); err != nil {
		return 0, err
	}
	return t.in.len(), nil
}

func (t *Telnet) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	conn := t.current()
	if conn == nil {
		return 0, fmt.Errorf("telnet %s: not connected", t.cfg.address())
	}
	if _, err := conn.Write(escapeIAC(p)); err != nil {
		return 0, t.lost(err)
	}
	return len(p), nil
}

func (t *Telnet) ResetInput() error {
	t.in.reset()
	return nil
}

// CancelRead expires the socket deadline so a pending Read returns.
func (t *Telnet) CancelRead() {
	if conn := t.current(); conn != nil {
		_ = conn.SetReadDeadline(time.Now())
	}
	t.in.wake()
}

func (t *Telnet) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if conn := t.current(); conn != nil {
		return conn.Close()
	}
	return nil
}

// escapeIAC doubles every 0xFF so binary data survives the telnet layer.
func escapeIAC(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		if b == iacIAC {
			out = append(out, iacIAC)
		}
		out = append(out, b)
	}
	return out
}

type telnetState int

const (
	tnData telnetState = iota
	tnIAC
	tnOption
	tnSub
	tnSubIAC
)

// telnetCodec strips telnet commands from the inbound stream and produces
// the replies to option requests.
type telnetCodec struct {
	state  telnetState
	verb   byte
	server bool
	agreed map[[2]byte]bool
}

func newTelnetCodec(server bool) *telnetCodec {
	return &telnetCodec{server: server, agreed: make(map[[2]byte]bool)}
}

func (c *telnetCodec) decode(p []byte) (data, reply []byte) {
	for _, b := range p {
		switch c.state {
		case tnData:
			if b == iacIAC {
				c.state = tnIAC
				continue
			}
			data = append(data, b)
		case tnIAC:
			switch b {
			case iacIAC:
				data = append(data, iacIAC)
				c.state = tnData
			case iacWILL, iacWONT, iacDO, iacDONT:
				c.verb = b
				c.state = tnOption
			case iacSB:
				c.state = tnSub
			default:
				c.state = tnData
			}
		case tnOption:
			reply = append(reply, c.answer(c.verb, b)...)
			c.state = tnData
		case tnSub:
			if b == iacIAC {
				c.state = tnSubIAC
			}
		case tnSubIAC:
			if b == iacSE {
				c.state = tnData
			} else {
				c.state = tnSub
			}
		}
	}
	return data, reply
}

// answer replies to a negotiation once per option and verb.
func (c *telnetCodec) answer(verb, opt byte) []byte {
	key := [2]byte{verb, opt}
	if c.agreed[key] {
		return nil
	}
	c.agreed[key] = true

	switch verb {
	case iacDO:
		if opt == optBinary || opt == optSGA || (c.server && opt == optEcho) {
			return []byte{iacIAC, iacWILL, opt}
		}
		return []byte{iacIAC, iacWONT, opt}
	case iacWILL:
		if opt == optBinary || opt == optSGA || (!c.server && opt == optEcho) {
			return []byte{iacIAC, iacDO, opt}
		}
		return []byte{iacIAC, iacDONT, opt}
	}
	return nil
}
