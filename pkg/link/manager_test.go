// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/camlink/pkg/device"
	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/transport"
)

// ============================================================
// Test Helpers
// ============================================================

// recorder collects manager events for the test goroutine.
type recorder struct {
	events chan Event
	mu     sync.Mutex
	out    strings.Builder
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 4096)}
}

func (r *recorder) handle(ev Event) {
	if o, ok := ev.(OutputEvent); ok {
		r.mu.Lock()
		r.out.Write(o.Data)
		r.mu.Unlock()
	}
	r.events <- ev
}

func (r *recorder) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

// wait consumes events until match accepts one.
func (r *recorder) wait(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s (output %q)", what, r.output())
			return nil
		}
	}
}

func (r *recorder) waitOutput(t *testing.T, text string) {
	t.Helper()
	if strings.Contains(r.output(), text) {
		return
	}
	r.wait(t, "output", func(Event) bool {
		return strings.Contains(r.output(), text)
	})
}

func (r *recorder) waitPhase(t *testing.T, p Phase) StateEvent {
	t.Helper()
	return r.wait(t, p.String(), func(ev Event) bool {
		s, ok := ev.(StateEvent)
		return ok && s.Phase == p
	}).(StateEvent)
}

func (r *recorder) waitSessionEnd(t *testing.T) exchange.Session {
	t.Helper()
	return r.wait(t, "session end", func(ev Event) bool {
		s, ok := ev.(SessionEvent)
		return ok && s.Session.Finished()
	}).(SessionEvent).Session
}

// startManager runs a manager until the test ends.
func startManager(t *testing.T, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	rec := newRecorder()
	opts = append([]Option{
		WithHandler(rec.handle),
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(10 * time.Millisecond),
	}, opts...)
	m := New(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		m.Quit()
		select {
		case <-m.Done():
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
		cancel()
	})
	return m, rec
}

// startCamera runs a device shell on one end of a pipe and returns the
// other end for the manager.
func startCamera(t *testing.T, root string, opts ...device.Option) *transport.PipeEnd {
	t.Helper()
	dev, host := transport.Pipe()
	opts = append([]device.Option{device.WithLogger(zaptest.NewLogger(t).Named("camera"))}, opts...)
	ep := device.NewEndpoint(dev, root, opts...)
	sh := device.NewShell(ep, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sh.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		dev.Close()
		<-done
	})
	return host
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, data := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func checkTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, data := range files {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if string(got) != data {
			t.Errorf("%s = %q, want %q", name, got, data)
		}
	}
}

type failOpener struct{}

func (failOpener) Open() (transport.Transport, error) {
	return nil, errors.New("no such port")
}

func (failOpener) String() string { return "serial /dev/missing" }

// vanishingFS loses one file between enumeration and sending.
type vanishingFS struct {
	exchange.OSFS
	name string
}

func (v vanishingFS) Open(root, name string) (io.ReadCloser, error) {
	if name == v.name {
		return nil, fs.ErrNotExist
	}
	return v.OSFS.Open(root, name)
}

// lateOpen reports closed until ready is set, like a telnet peer that has
// not answered yet.
type lateOpen struct {
	*transport.PipeEnd
	ready *atomic.Bool
}

func (l lateOpen) IsOpen() bool {
	return l.ready.Load() && l.PipeEnd.IsOpen()
}

type lateOpener struct{ t lateOpen }

func (o lateOpener) Open() (transport.Transport, error) { return o.t, nil }
func (o lateOpener) String() string                     { return "late" }

// writeLog records the size of every write the manager makes.
type writeLog struct {
	*transport.PipeEnd
	mu    *sync.Mutex
	sizes *[]int
}

func (w writeLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	*w.sizes = append(*w.sizes, len(p))
	w.mu.Unlock()
	return w.PipeEnd.Write(p)
}

type writeLogOpener struct{ w writeLog }

func newWriteLogOpener(end *transport.PipeEnd) writeLogOpener {
	return writeLogOpener{writeLog{PipeEnd: end, mu: &sync.Mutex{}, sizes: &[]int{}}}
}

func (o writeLogOpener) Open() (transport.Transport, error) { return o.w, nil }
func (o writeLogOpener) String() string                     { return "logged" }

func (o writeLogOpener) take() []int {
	o.w.mu.Lock()
	defer o.w.mu.Unlock()
	sizes := *o.w.sizes
	*o.w.sizes = nil
	return sizes
}

// ============================================================
// Connection Tests
// ============================================================

func TestManager_ConsoleRoundTrip(t *testing.T) {
	host := startCamera(t, t.TempDir())
	m, rec := startManager(t)

	m.Connect(host.Opener())
	rec.waitPhase(t, PhaseConnecting)
	rec.waitPhase(t, PhaseConnected)
	rec.waitOutput(t, "=> ")

	m.Write([]byte("pwd\r"))
	rec.waitOutput(t, "pwd\r\n/\r\n=> ")

	m.Disconnect()
	rec.waitPhase(t, PhaseDisconnected)
}

func TestManager_PasteThrottle(t *testing.T) {
	tests := []struct {
		name     string
		throttle bool
		want     []int
	}{
		{"throttled", true, []int{8, 8, 8, 8, 8}},
		{"disabled", false, []int{40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := newWriteLogOpener(startCamera(t, t.TempDir()))
			m, rec := startManager(t, WithPasteThrottle(tt.throttle))

			m.Connect(opener)
			rec.waitPhase(t, PhaseConnected)
			rec.waitOutput(t, "=> ")
			opener.take()

			m.Write([]byte(strings.Repeat(" ", 36) + "pwd\r"))
			rec.waitOutput(t, "pwd\r\n/\r\n=> ")

			got := opener.take()
			if len(got) != len(tt.want) {
				t.Fatalf("writes = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("writes = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestManager_OpenFailureKeepsPhase(t *testing.T) {
	m, rec := startManager(t)
	m.Connect(failOpener{})

	ev := rec.wait(t, "notice", func(ev Event) bool {
		_, ok := ev.(NoticeEvent)
		return ok
	}).(NoticeEvent)
	if ev.Err == nil || !strings.Contains(ev.Text, "no such port") {
		t.Errorf("notice = %+v", ev)
	}

	// Still disconnected: console input is refused
	m.Write([]byte("x"))
	ev = rec.wait(t, "not connected", func(ev Event) bool {
		n, ok := ev.(NoticeEvent)
		return ok && errors.Is(n.Err, ErrNotConnected)
	}).(NoticeEvent)
	if !strings.Contains(ev.Text, "write") {
		t.Errorf("notice = %q", ev.Text)
	}
}

func TestManager_DefersCommandsWhileConnecting(t *testing.T) {
	host := startCamera(t, t.TempDir())
	ready := new(atomic.Bool)
	m, rec := startManager(t)

	m.Connect(lateOpener{lateOpen{PipeEnd: host, ready: ready}})
	rec.wait(t, "connecting tick", func(ev Event) bool {
		c, ok := ev.(ConnectingEvent)
		return ok && c.Tick >= 2
	})
	m.Write([]byte("pwd\r"))
	time.Sleep(30 * time.Millisecond)
	ready.Store(true)

	rec.waitPhase(t, PhaseConnected)
	rec.waitOutput(t, "pwd\r\n/\r\n")
}

func TestManager_LinkLostReconnects(t *testing.T) {
	dev, host := transport.Pipe()
	m, rec := startManager(t, WithAutoReconnect(true), WithBackoff(20*time.Millisecond, 40*time.Millisecond))

	m.Connect(host.Opener())
	rec.waitPhase(t, PhaseConnected)

	dev.Close()
	lost := rec.waitPhase(t, PhaseDisconnected)
	if !transport.IsClosed(lost.Err) {
		t.Errorf("disconnect error = %v, want ErrClosed", lost.Err)
	}
	re := rec.wait(t, "reconnect", func(ev Event) bool {
		_, ok := ev.(ReconnectEvent)
		return ok
	}).(ReconnectEvent)
	if re.In != 20*time.Millisecond {
		t.Errorf("first backoff = %s", re.In)
	}
	// The pipe end opens again but stays closed
	rec.waitPhase(t, PhaseConnecting)
}

// ============================================================
// Transfer Tests
// ============================================================

func TestManager_DeviceDownload(t *testing.T) {
	camRoot, workDir := t.TempDir(), t.TempDir()
	files := map[string]string{
		"dcim/100cam/img_0001.jpg": strings.Repeat("\x7e\x7d\x03\xff", 300),
		"dcim/100cam/img_0002.jpg": "small",
		"dcim/readme.txt":          "",
	}
	writeTree(t, camRoot, files)

	host := startCamera(t, camRoot)
	m, rec := startManager(t, WithWorkDir(workDir))
	m.Connect(host.Opener())
	rec.waitOutput(t, "=> ")

	m.Write([]byte("download -r dcim\r"))
	s := rec.waitSessionEnd(t)
	if s.State != exchange.SessionCompleted || s.Role != exchange.RoleReceiver {
		t.Fatalf("session = %s, err %v", &s, s.Err)
	}
	if s.Report.Sent() != 3 {
		t.Errorf("report = %s", s.Report)
	}
	checkTree(t, workDir, files)

	rec.waitOutput(t, "Download end (3 files")
	if strings.Contains(rec.output(), "\x1b[0c") {
		t.Error("capability query leaked to the terminal")
	}
}

func TestManager_DeviceDownloadSenderFailure(t *testing.T) {
	camRoot, workDir := t.TempDir(), t.TempDir()
	writeTree(t, camRoot, map[string]string{"a.txt": "gone", "b.txt": "kept"})

	host := startCamera(t, camRoot, device.WithFilesystem(vanishingFS{name: "a.txt"}))
	m, rec := startManager(t, WithWorkDir(workDir))
	m.Connect(host.Opener())
	rec.waitOutput(t, "=> ")

	m.Write([]byte("download *\r"))
	s := rec.waitSessionEnd(t)
	if s.State != exchange.SessionFailed {
		t.Fatalf("session = %s, want failed", &s)
	}
	if !errors.Is(s.Err, exchange.ErrSenderFailures) {
		t.Errorf("session error = %v, want ErrSenderFailures", s.Err)
	}
	if s.Report.Sent() != 1 || s.Report.Files[0].Record.Path != "b.txt" {
		t.Errorf("report = %s", s.Report)
	}
	checkTree(t, workDir, map[string]string{"b.txt": "kept"})
	if _, err := os.Stat(filepath.Join(workDir, "a.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("a.txt on host: %v", err)
	}
	rec.waitOutput(t, "Download failed")
}

func TestManager_DeviceUpload(t *testing.T) {
	camRoot, workDir := t.TempDir(), t.TempDir()
	writeTree(t, camRoot, map[string]string{"up/.keep": ""})
	files := map[string]string{
		"up/a.txt":     "alpha",
		"up/sub/b.bin": strings.Repeat("z", 1500),
	}
	writeTree(t, workDir, files)

	host := startCamera(t, camRoot)
	m, rec := startManager(t, WithWorkDir(workDir), WithCompression(true))
	m.Connect(host.Opener())
	rec.waitOutput(t, "=> ")

	m.Write([]byte("cd up\r"))
	rec.waitOutput(t, "cd up\r\n=> ")
	m.Write([]byte("upload -r *\r"))

	s := rec.waitSessionEnd(t)
	if s.State != exchange.SessionCompleted || s.Role != exchange.RoleSender {
		t.Fatalf("session = %s, err %v", &s, s.Err)
	}
	if s.Request.BasePath != "/up" || s.Request.Pattern != "*" || !s.Request.Recursive {
		t.Errorf("request = %+v", s.Request)
	}
	checkTree(t, camRoot, files)

	rec.waitOutput(t, "Upload end (2 files")
	if strings.Contains(rec.output(), "exit\r\n") {
		t.Error("release text reached the terminal")
	}
}

func TestManager_UploadWithoutRequestTimesOut(t *testing.T) {
	host := startCamera(t, t.TempDir())
	m, rec := startManager(t, WithRequestTimeout(100*time.Millisecond))
	m.Connect(host.Opener())
	rec.waitOutput(t, "=> ")

	m.Upload("")
	s := rec.waitSessionEnd(t)
	if s.State != exchange.SessionFailed || !errors.Is(s.Err, exchange.ErrIdleTimeout) {
		t.Errorf("session = %s, err %v", &s, s.Err)
	}
	ev := rec.wait(t, "failure notice", func(ev Event) bool {
		n, ok := ev.(NoticeEvent)
		return ok && n.Err != nil
	}).(NoticeEvent)
	if !strings.HasPrefix(ev.Text, "Upload failed") {
		t.Errorf("notice = %q", ev.Text)
	}

	// The console keeps working afterwards
	m.Write([]byte("pwd\r"))
	rec.waitOutput(t, "pwd\r\n/\r\n")
}

func TestManager_DisconnectAbortsTransfer(t *testing.T) {
	dev, host := transport.Pipe()
	defer dev.Close()
	workDir := t.TempDir()
	m, rec := startManager(t, WithWorkDir(workDir), WithIdleTimeout(5*time.Second))
	m.Connect(host.Opener())
	rec.waitPhase(t, PhaseConnected)

	// A device that announces a file and then stalls
	dl := exchange.NewLink(dev)
	if err := dl.WriteFrame(exchange.FrameFile, exchange.FileRecord{Path: "stall.bin", Size: 1000, Mode: 0o644}); err != nil {
		t.Fatal(err)
	}
	f, err := dl.ReadFrameTimeout(context.Background(), 2*time.Second)
	if err != nil || f.Type() != exchange.FrameAck {
		t.Fatalf("device got %v, %v; want ACK", f, err)
	}

	// Two chunks arrive, then the device goes quiet
	partial := []byte(strings.Repeat("0123456789abcdef", 32))
	for seq := uint32(1); seq <= 2; seq++ {
		payload := partial[(seq-1)*256 : seq*256]
		if err := dl.WriteFrame(exchange.FrameData, exchange.Chunk{Seq: seq, Payload: payload}); err != nil {
			t.Fatal(err)
		}
		f, err := dl.ReadFrameTimeout(context.Background(), 2*time.Second)
		if err != nil || f.Type() != exchange.FrameAck {
			t.Fatalf("chunk %d: device got %v, %v; want ACK", seq, f, err)
		}
	}

	m.Disconnect()
	s := rec.waitSessionEnd(t)
	if !errors.Is(s.Err, exchange.ErrCancelled) {
		t.Errorf("session error = %v, want ErrCancelled", s.Err)
	}
	rec.waitPhase(t, PhaseDisconnected)

	if s.State != exchange.SessionFailed {
		t.Errorf("session state = %s", s.State)
	}

	// The partial file is left behind, truncated to what arrived
	got, err := os.ReadFile(filepath.Join(workDir, "stall.bin"))
	if err != nil {
		t.Fatalf("partial file: %v", err)
	}
	if string(got) != string(partial) {
		t.Errorf("partial file holds %d bytes, want the %d received", len(got), len(partial))
	}
}

func TestManager_ConsoleCommandsWaitForSession(t *testing.T) {
	camRoot := t.TempDir()
	writeTree(t, camRoot, map[string]string{"big.bin": strings.Repeat("q", 20000)})
	host := startCamera(t, camRoot)
	m, rec := startManager(t, WithWorkDir(t.TempDir()))
	m.Connect(host.Opener())
	rec.waitOutput(t, "=> ")

	m.Write([]byte("download big.bin\r"))
	rec.wait(t, "session start", func(ev Event) bool {
		s, ok := ev.(SessionEvent)
		return ok && !s.Session.Finished()
	})
	// Queued during the session, sent once it is over
	m.Write([]byte("pwd\r"))

	s := rec.waitSessionEnd(t)
	if s.State != exchange.SessionCompleted {
		t.Fatalf("session = %s, err %v", &s, s.Err)
	}
	rec.waitOutput(t, "pwd\r\n/\r\n")
}
