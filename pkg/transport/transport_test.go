// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// readFor collects bytes from t until want bytes arrived or the time is up.
func readFor(t *testing.T, tr Transport, want int, d time.Duration) []byte {
	t.Helper()
	var out []byte
	deadline := time.Now().Add(d)
	for len(out) < want && time.Now().Before(deadline) {
		data, err := tr.Read(want - len(out))
		if err != nil {
			t.Fatalf("Read() error = %v after %q", err, out)
		}
		out = append(out, data...)
	}
	return out
}

// ============================================================
// Inbox Tests
// ============================================================

func TestInbox_PullRespectsMax(t *testing.T) {
	in := newInbox()
	in.push([]byte("abcdef"))

	got, _ := in.pull(4, time.Millisecond)
	if string(got) != "abcd" {
		t.Errorf("first pull = %q", got)
	}
	got, _ = in.pull(4, time.Millisecond)
	if string(got) != "ef" {
		t.Errorf("second pull = %q", got)
	}
	if n := in.len(); n != 0 {
		t.Errorf("len() = %d after draining", n)
	}
}

func TestInbox_PullTimesOut(t *testing.T) {
	in := newInbox()
	start := time.Now()
	got, err := in.pull(10, 30*time.Millisecond)
	if len(got) != 0 || err != nil {
		t.Errorf("pull() = %q, %v", got, err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("pull() returned before the timeout")
	}
}

func TestInbox_PushWakesPull(t *testing.T) {
	in := newInbox()
	go func() {
		time.Sleep(10 * time.Millisecond)
		in.push([]byte("x"))
	}()
	got, _ := in.pull(10, 5*time.Second)
	if string(got) != "x" {
		t.Errorf("pull() = %q, want x", got)
	}
}

func TestInbox_FailAfterDrain(t *testing.T) {
	in := newInbox()
	in.push([]byte("tail"))
	in.fail(ErrClosed)
	in.fail(io.EOF)

	got, err := in.pull(10, time.Millisecond)
	if string(got) != "tail" || err != nil {
		t.Errorf("pull() = %q, %v; want buffered data first", got, err)
	}
	if _, err := in.pull(10, time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("pull() error = %v, want first recorded error", err)
	}
}

// ============================================================
// Pipe Tests
// ============================================================

func TestPipe_BothDirections(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	a.Write([]byte("to b"))
	b.Write([]byte("to a"))

	if got := readFor(t, b, 4, time.Second); string(got) != "to b" {
		t.Errorf("b read %q", got)
	}
	if got := readFor(t, a, 4, time.Second); string(got) != "to a" {
		t.Errorf("a read %q", got)
	}
}

func TestPipe_WriteCopiesBuffer(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	buf := []byte("abc")
	a.Write(buf)
	buf[0] = 'X'
	if got := readFor(t, b, 3, time.Second); string(got) != "abc" {
		t.Errorf("read %q, want abc", got)
	}
}

func TestPipe_CloseDrainsThenFails(t *testing.T) {
	a, b := Pipe()
	a.Write([]byte("last words"))
	a.Close()

	if b.IsOpen() {
		t.Error("peer still open after Close")
	}
	if _, err := b.Write([]byte("x")); !IsClosed(err) {
		t.Errorf("Write() error = %v, want ErrClosed", err)
	}
	if n, err := b.Available(); n != 10 || err != nil {
		t.Errorf("Available() = %d, %v", n, err)
	}
	if got, err := b.Read(64); string(got) != "last words" || err != nil {
		t.Errorf("Read() = %q, %v", got, err)
	}
	if _, err := b.Read(64); !IsClosed(err) {
		t.Errorf("Read() error = %v, want ErrClosed", err)
	}
}

func TestPipe_ResetInput(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	a.Write([]byte("stale"))
	time.Sleep(5 * time.Millisecond)
	b.ResetInput()
	if n, _ := b.Available(); n != 0 {
		t.Errorf("Available() = %d after ResetInput", n)
	}
}

// ============================================================
// Stream Tests
// ============================================================

func TestStream_ReadWrite(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	s := NewStream("stdio", pr, &out)
	defer s.Close()

	go pw.Write([]byte("hello"))
	if got := readFor(t, s, 5, time.Second); string(got) != "hello" {
		t.Errorf("Read() = %q", got)
	}
	if _, err := s.Write([]byte("reply")); err != nil {
		t.Fatal(err)
	}
	if out.String() != "reply" {
		t.Errorf("writer got %q", out.String())
	}
}

func TestStream_EOFCloses(t *testing.T) {
	s := NewStream("stdio", strings.NewReader("bye"), io.Discard)

	if got := readFor(t, s, 3, time.Second); string(got) != "bye" {
		t.Errorf("Read() = %q", got)
	}
	deadline := time.Now().Add(time.Second)
	for s.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.IsOpen() {
		t.Fatal("stream still open after EOF")
	}
	if _, err := s.Read(8); !IsClosed(err) {
		t.Errorf("Read() error = %v, want ErrClosed", err)
	}
	if _, err := s.Write([]byte("x")); !IsClosed(err) {
		t.Errorf("Write() error = %v, want ErrClosed", err)
	}
}

// ============================================================
// Telnet Tests
// ============================================================

func TestTelnetCodec_StripsCommands(t *testing.T) {
	c := newTelnetCodec(false)
	in := []byte{
		'a', iacIAC, iacWILL, optEcho,
		'b', iacIAC, iacIAC,
		iacIAC, iacSB, 24, 1, 'x', iacIAC, iacSE,
		'c', iacIAC, iacDO, 31,
		iacIAC, 241, // NOP
	}
	data, reply := c.decode(in)

	if !bytes.Equal(data, []byte{'a', 'b', iacIAC, 'c'}) {
		t.Errorf("data = %v", data)
	}
	want := []byte{iacIAC, iacDO, optEcho, iacIAC, iacWONT, 31}
	if !bytes.Equal(reply, want) {
		t.Errorf("reply = %v, want %v", reply, want)
	}
}

func TestTelnetCodec_SplitAcrossReads(t *testing.T) {
	c := newTelnetCodec(false)
	d1, _ := c.decode([]byte{'x', iacIAC})
	d2, r2 := c.decode([]byte{iacDO, optBinary, iacIAC})
	d3, _ := c.decode([]byte{iacIAC, 'y'})

	got := append(append(d1, d2...), d3...)
	if !bytes.Equal(got, []byte{'x', iacIAC, 'y'}) {
		t.Errorf("data = %v", got)
	}
	if !bytes.Equal(r2, []byte{iacIAC, iacWILL, optBinary}) {
		t.Errorf("reply = %v", r2)
	}
}

func TestTelnetCodec_AnswersOnce(t *testing.T) {
	c := newTelnetCodec(true)
	_, r1 := c.decode([]byte{iacIAC, iacDO, optEcho})
	_, r2 := c.decode([]byte{iacIAC, iacDO, optEcho})

	if !bytes.Equal(r1, []byte{iacIAC, iacWILL, optEcho}) {
		t.Errorf("server reply to DO ECHO = %v", r1)
	}
	if len(r2) != 0 {
		t.Errorf("repeated negotiation answered again: %v", r2)
	}
}

func TestEscapeIAC(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("plain"), []byte("plain")},
		{[]byte{iacIAC}, []byte{iacIAC, iacIAC}},
		{[]byte{1, iacIAC, iacIAC, 2}, []byte{1, iacIAC, iacIAC, iacIAC, iacIAC, 2}},
		{nil, []byte{}},
	}
	for _, tt := range tests {
		if got := escapeIAC(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("escapeIAC(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTelnet_ClientServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback listener: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Telnet, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv, err := NewTelnetServer(conn)
		if err != nil {
			return
		}
		accepted <- srv
	}()

	addr := ln.Addr().(*net.TCPAddr)
	client := NewTelnet(TelnetConfig{Host: "127.0.0.1", Port: addr.Port})
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !client.IsOpen() {
		if time.Now().After(deadline) {
			t.Fatal("client never saw the server")
		}
	}

	var srv *Telnet
	select {
	case srv = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	defer srv.Close()

	payload := []byte{0x7E, iacIAC, 0x03, 'o', 'k', iacIAC}
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}
	if got := readFor(t, srv, len(payload), 2*time.Second); !bytes.Equal(got, payload) {
		t.Errorf("server read %v, want %v", got, payload)
	}

	if _, err := srv.Write([]byte("$ ")); err != nil {
		t.Fatal(err)
	}
	if got := readFor(t, client, 2, 2*time.Second); string(got) != "$ " {
		t.Errorf("client read %q", got)
	}

	srv.Close()
	deadline = time.Now().Add(2 * time.Second)
	for {
		if _, err := client.Read(16); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never noticed the hangup")
		}
	}
}

func TestTelnetConfig_Open(t *testing.T) {
	if _, err := (TelnetConfig{}).Open(); err == nil {
		t.Error("Open() accepted an empty host")
	}
	cfg := TelnetConfig{Host: "cam.local"}
	if got := cfg.String(); got != "telnet cam.local:23" {
		t.Errorf("String() = %q", got)
	}
}

// ============================================================
// WebSocket Tests
// ============================================================

func TestWebSocket_EchoWithAuth(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	if _, err := OpenWebSocket(WebSocketConfig{URL: url}); err == nil {
		t.Fatal("OpenWebSocket() without credentials succeeded")
	}

	ws, err := OpenWebSocket(WebSocketConfig{URL: url, Username: "admin", Password: "secret"})
	if err != nil {
		t.Fatalf("OpenWebSocket() error = %v", err)
	}
	defer ws.Close()

	msg := []byte{0x7E, 0x01, 0x05, 0x00, 0x00, 0x7F}
	if _, err := ws.Write(msg); err != nil {
		t.Fatal(err)
	}
	if got := readFor(t, ws, len(msg), 2*time.Second); !bytes.Equal(got, msg) {
		t.Errorf("echo = %v, want %v", got, msg)
	}

	ws.Close()
	if ws.IsOpen() {
		t.Error("IsOpen() after Close")
	}
	if _, err := ws.Write(msg); !IsClosed(err) {
		t.Errorf("Write() after Close = %v, want ErrClosed", err)
	}
}

func TestWebSocket_BadScheme(t *testing.T) {
	if _, err := OpenWebSocket(WebSocketConfig{URL: "http://cam.local/ws"}); err == nil {
		t.Error("OpenWebSocket() accepted an http URL")
	}
}

// ============================================================
// Trace Tests
// ============================================================

func TestTrace_LogsBothDirections(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a, b := Pipe()
	defer a.Close()

	tr := Trace(a, zap.New(core))
	tr.Write([]byte{'h', 'i', 0x03})
	b.Write([]byte("ok"))
	readFor(t, tr, 2, time.Second)

	tx := logs.FilterMessage("tx").All()
	if len(tx) != 1 {
		t.Fatalf("got %d tx entries, want 1", len(tx))
	}
	fields := tx[0].ContextMap()
	if fields["text"] != "hi." || fields["hex"] != "686903" {
		t.Errorf("tx fields = %v", fields)
	}
	if logs.FilterMessage("rx").Len() == 0 {
		t.Error("no rx entry")
	}
}

func TestTrace_NilLoggerIsPassthrough(t *testing.T) {
	a, _ := Pipe()
	defer a.Close()
	if Trace(a, nil) != Transport(a) {
		t.Error("Trace(nil) wrapped the transport")
	}
}
