// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/camlink/pkg/transport"
)

// ============================================================
// Test Helpers
// ============================================================

type outcome struct {
	report *Report
	err    error
	// sender-side failures counted by the END summary (receivers only)
	remote error
}

// writeFiles creates files under root.
func writeFiles(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// checkFiles compares the files under root with want.
func checkFiles(t *testing.T, root string, want map[string][]byte) {
	t.Helper()
	for name, data := range want {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: got %d bytes, want %d", name, len(got), len(data))
		}
	}
}

// receiveAll runs a receiver until the session ends.
func receiveAll(ctx context.Context, recv *Receiver, target string) outcome {
	var sessionErr error
	for {
		more, err := recv.Receive(ctx, target)
		if err != nil && !more {
			sessionErr = err
		}
		if !more {
			return outcome{report: recv.Report(), err: sessionErr, remote: recv.SenderFailures()}
		}
	}
}

// transfer sends pattern from src to dst over a pipe. The sender link can
// be wrapped to inject failures.
func transfer(t *testing.T, src, dst, pattern string, recursive bool, wrap func(transport.Transport) transport.Transport, fsys Filesystem, opts ...Option) (sent, received outcome, sl, rl *Link) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, b := transport.Pipe()
	defer a.Close()

	var sendT transport.Transport = a
	if wrap != nil {
		sendT = wrap(a)
	}
	if fsys == nil {
		fsys = OSFS{}
	}

	log := zaptest.NewLogger(t)
	sl = NewLink(sendT, WithIdleTimeout(2*time.Second), WithLinkLogger(log.Named("sender")))
	rl = NewLink(b, WithIdleTimeout(2*time.Second), WithLinkLogger(log.Named("receiver")))

	sender := NewSender(sl, fsys, append([]Option{WithLogger(log.Named("sender"))}, opts...)...)
	recv := NewReceiver(rl, OSFS{}, WithLogger(log.Named("receiver")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		received = receiveAll(ctx, recv, dst)
	}()

	report, err := sender.Send(ctx, src, pattern, recursive)
	sent = outcome{report: report, err: err}
	wg.Wait()
	return sent, received, sl, rl
}

// flaky fails selected writes once while staying open.
type flaky struct {
	transport.Transport
	mu     sync.Mutex
	writes int
	failAt map[int]bool
}

func (f *flaky) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes++
	fail := f.failAt[f.writes]
	f.mu.Unlock()
	if fail {
		return 0, errors.New("write glitch")
	}
	return f.Transport.Write(p)
}

// sniffer keeps a copy of everything written.
type sniffer struct {
	transport.Transport
	mu   sync.Mutex
	wire []byte
}

func (s *sniffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.wire = append(s.wire, p...)
	s.mu.Unlock()
	return s.Transport.Write(p)
}

func (s *sniffer) frames() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeFrames(s.wire)
}

// brokenFS fails to open one file.
type brokenFS struct {
	OSFS
	name string
}

func (b brokenFS) Open(root, name string) (io.ReadCloser, error) {
	if name == b.name {
		return nil, fs.ErrPermission
	}
	return b.OSFS.Open(root, name)
}

// fixedFS announces a fixed list of records.
type fixedFS struct {
	OSFS
	records []FileRecord
}

func (f fixedFS) Enumerate(root, pattern string, recursive bool) ([]FileRecord, error) {
	return f.records, nil
}

func (f fixedFS) Open(root, name string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, 4))), nil
}

// ============================================================
// Transfer Tests
// ============================================================

func TestTransfer_Basic(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string][]byte{
		"a.txt":   []byte("hello camera"),
		"b/c.bin": bytes.Repeat([]byte{0x7E, 0x03, 0x7D, 0x7F, 0x00}, 120),
	}
	writeFiles(t, src, files)

	var sniff *sniffer
	wrap := func(tr transport.Transport) transport.Transport {
		sniff = &sniffer{Transport: tr}
		return sniff
	}
	sent, received, sl, rl := transfer(t, src, dst, "*", true, wrap, nil)
	if sent.err != nil {
		t.Fatalf("Send() error = %v", sent.err)
	}
	if received.err != nil {
		t.Fatalf("Receive() error = %v", received.err)
	}
	if sent.report.Sent() != 2 || sent.report.Failed() != 0 {
		t.Errorf("sender report = %s", sent.report)
	}
	if received.report.Sent() != 2 {
		t.Errorf("receiver report = %s", received.report)
	}
	checkFiles(t, dst, files)

	// FILE x2, DATA 1 + 3, END
	if got := sl.Statistics().FramesSent; got != 7 {
		t.Errorf("sender FramesSent = %d, want 7", got)
	}
	if got := rl.Statistics().FramesReceived; got != 7 {
		t.Errorf("receiver FramesReceived = %d, want 7", got)
	}
	if got := rl.Statistics().FramesSent; got != 6 {
		t.Errorf("receiver acks = %d, want 6", got)
	}
	if got := sent.report.Bytes; got != 612 {
		t.Errorf("report bytes = %d, want 612", got)
	}

	// Receiver outcomes follow the sender's enumeration order
	for i, want := range []string{"a.txt", "b/c.bin"} {
		if got := received.report.Files[i].Record.Path; got != want {
			t.Errorf("received file %d = %s, want %s", i, got, want)
		}
	}

	// The wire carries each file's chunks in order, the last one flagged,
	// and END only after the last file
	type step struct {
		ftype FrameType
		path  string
		size  int
		last  bool
	}
	want := []step{
		{FrameFile, "a.txt", 0, false},
		{FrameData, "", 12, true},
		{FrameFile, "b/c.bin", 0, false},
		{FrameData, "", 256, false},
		{FrameData, "", 256, false},
		{FrameData, "", 88, true},
		{FrameEnd, "", 0, false},
	}
	frames := sniff.frames()
	if len(frames) != len(want) {
		t.Fatalf("sender wrote %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		w := want[i]
		if f.Type() != w.ftype {
			t.Fatalf("frame %d = %s, want %s", i, f.Type(), w.ftype)
		}
		record, err := DecodeRecord(f)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		switch r := record.(type) {
		case *FileRecord:
			if r.Path != w.path {
				t.Errorf("frame %d announces %s, want %s", i, r.Path, w.path)
			}
		case *Chunk:
			if len(r.Payload) != w.size || r.Last != w.last || r.Compressed {
				t.Errorf("frame %d: %d bytes last=%v, want %d bytes last=%v", i, len(r.Payload), r.Last, w.size, w.last)
			}
		case *Summary:
			if r.Sent != 2 || r.Failed != 0 {
				t.Errorf("END summary = %+v", r)
			}
		}
	}
}

func TestTransfer_NoFiles(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()

	sent, received, _, _ := transfer(t, src, dst, "*.jpg", false, nil, nil)
	if sent.err != nil || received.err != nil {
		t.Fatalf("errors: send %v, receive %v", sent.err, received.err)
	}
	if len(sent.report.Files) != 0 || len(received.report.Files) != 0 {
		t.Errorf("reports = %s / %s, want no files", sent.report, received.report)
	}
}

func TestTransfer_EmptyFile(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string][]byte{"empty.dat": {}}
	writeFiles(t, src, files)

	sent, received, _, _ := transfer(t, src, dst, "empty.dat", false, nil, nil)
	if sent.err != nil || received.err != nil {
		t.Fatalf("errors: send %v, receive %v", sent.err, received.err)
	}
	if sent.report.Sent() != 1 {
		t.Errorf("sender report = %s", sent.report)
	}
	checkFiles(t, dst, files)
}

func TestTransfer_DirectoryPattern(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeFiles(t, src, map[string][]byte{
		"dcim/one.jpg":     []byte("1"),
		"dcim/two.jpg":     []byte("22"),
		"dcim/sub/3.jpg":   []byte("333"),
		"other/ignore.jpg": []byte("x"),
	})

	sent, _, _, _ := transfer(t, src, dst, "dcim", false, nil, nil)
	if sent.err != nil {
		t.Fatalf("Send() error = %v", sent.err)
	}
	if sent.report.Sent() != 2 {
		t.Errorf("non-recursive directory sent %d files, want 2", sent.report.Sent())
	}
	if _, err := os.Stat(filepath.Join(dst, "other")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("file outside the pattern was sent")
	}
}

func TestTransfer_Compression(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string][]byte{
		"log.txt":    bytes.Repeat([]byte("frame 0001 ok\r\n"), 400),
		"random.bin": pseudoRandom(3000),
	}
	writeFiles(t, src, files)

	sent, received, _, _ := transfer(t, src, dst, "*", false, nil, nil, WithCompression(true))
	if sent.err != nil || received.err != nil {
		t.Fatalf("errors: send %v, receive %v", sent.err, received.err)
	}
	checkFiles(t, dst, files)
}

func TestTransfer_Idempotent(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string][]byte{"a.txt": []byte("first"), "b.txt": pseudoRandom(700)}
	writeFiles(t, src, files)

	for i := 0; i < 2; i++ {
		sent, received, _, _ := transfer(t, src, dst, "*", false, nil, nil)
		if sent.err != nil || received.err != nil {
			t.Fatalf("run %d: send %v, receive %v", i, sent.err, received.err)
		}
		checkFiles(t, dst, files)
	}

	// A shorter source truncates the old copy
	files["a.txt"] = []byte("1")
	writeFiles(t, src, files)
	if sent, _, _, _ := transfer(t, src, dst, "a.txt", false, nil, nil); sent.err != nil {
		t.Fatalf("Send() error = %v", sent.err)
	}
	checkFiles(t, dst, files)
}

func TestTransfer_RetryAfterWriteFailure(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string][]byte{"a.txt": []byte("hello camera"), "b.bin": pseudoRandom(600)}
	writeFiles(t, src, files)

	var f *flaky
	wrap := func(tr transport.Transport) transport.Transport {
		// Write 2 is the first DATA frame of a.txt
		f = &flaky{Transport: tr, failAt: map[int]bool{2: true}}
		return f
	}

	sent, received, sl, _ := transfer(t, src, dst, "*", false, wrap, nil)
	if sent.err != nil || received.err != nil {
		t.Fatalf("errors: send %v, receive %v", sent.err, received.err)
	}
	if sent.report.Sent() != 2 {
		t.Errorf("sender report = %s", sent.report)
	}
	if got := sent.report.Files[0].Attempts; got != 2 {
		t.Errorf("a.txt attempts = %d, want 2", got)
	}
	if got := sl.Statistics().Retries; got != 1 {
		t.Errorf("Retries = %d, want 1", got)
	}
	checkFiles(t, dst, files)
}

func TestTransfer_FailedFileDoesNotStopSession(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string][]byte{"a.txt": []byte("a"), "b.txt": []byte("b"), "c.txt": []byte("c")}
	writeFiles(t, src, files)

	sent, received, _, _ := transfer(t, src, dst, "*", false, nil, brokenFS{name: "b.txt"})
	if sent.err != nil || received.err != nil {
		t.Fatalf("errors: send %v, receive %v", sent.err, received.err)
	}
	if sent.report.Sent() != 2 || sent.report.Failed() != 1 {
		t.Fatalf("sender report = %s", sent.report)
	}
	if got := sent.report.Files[1].Attempts; got != MaxAttempts {
		t.Errorf("b.txt attempts = %d, want %d", got, MaxAttempts)
	}
	var ferr *FileError
	if !errors.As(sent.report.Err(), &ferr) || ferr.Remote {
		t.Errorf("report error = %v, want local FileError", sent.report.Err())
	}
	delete(files, "b.txt")
	checkFiles(t, dst, files)

	// b.txt never reached the receiver; only the END summary tells
	if received.report.Failed() != 0 {
		t.Errorf("receiver report = %s", received.report)
	}
	if !errors.Is(received.remote, ErrSenderFailures) {
		t.Errorf("SenderFailures() = %v, want ErrSenderFailures", received.remote)
	}
}

func TestTransfer_UnsafePathRefused(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	fsys := fixedFS{records: []FileRecord{
		{Path: "../escape.txt", Size: 4, Mode: 0o644},
		{Path: "ok.txt", Size: 4, Mode: 0o644},
	}}

	sent, received, _, _ := transfer(t, src, dst, "*", false, nil, fsys, WithAttempts(1))
	if sent.err != nil || received.err != nil {
		t.Fatalf("errors: send %v, receive %v", sent.err, received.err)
	}
	// The receiver refused it itself, so nothing is missing
	if received.remote != nil {
		t.Errorf("SenderFailures() = %v, want nil", received.remote)
	}
	if sent.report.Sent() != 1 || sent.report.Failed() != 1 {
		t.Fatalf("sender report = %s", sent.report)
	}
	var ferr *FileError
	if !errors.As(sent.report.Files[0].Err, &ferr) || !ferr.Remote {
		t.Errorf("escape error = %v, want remote FileError", sent.report.Files[0].Err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dst), "escape.txt")); err == nil {
		t.Error("file written outside the target")
	}
	checkFiles(t, dst, map[string][]byte{"ok.txt": make([]byte, 4)})
}

func TestTransfer_ProgressAndWatchdog(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeFiles(t, src, map[string][]byte{"big.bin": pseudoRandom(MaxChunkSize * 40)})

	var mu sync.Mutex
	var updates []Progress
	wd := &countingWatchdog{}
	sent, _, _, _ := transfer(t, src, dst, "big.bin", false, nil, nil,
		WithWatchdog(wd),
		WithProgress(func(p Progress) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		}))
	if sent.err != nil {
		t.Fatalf("Send() error = %v", sent.err)
	}

	// 40 chunks: fed at 16 and 32, then once for the file
	if got := wd.count(); got != 3 {
		t.Errorf("watchdog fed %d times, want 3", got)
	}
	if len(updates) != 41 {
		t.Fatalf("got %d progress updates, want 41", len(updates))
	}
	last := updates[len(updates)-1]
	if !last.FileDone || last.File != 1 || last.Files != 1 {
		t.Errorf("last progress = %+v", last)
	}
}

func TestTransfer_AbortByReceiver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := transport.Pipe()
	defer a.Close()
	src := t.TempDir()
	writeFiles(t, src, map[string][]byte{"a.txt": []byte("abc")})

	peer := NewLink(b)
	go func() {
		// Answer the FILE frame with an abort
		if _, err := peer.ReadFrame(ctx); err == nil {
			_ = peer.WriteFrame(FrameAbort, Abort{Reason: "card removed"})
		}
	}()

	sender := NewSender(NewLink(a, WithIdleTimeout(2*time.Second)), OSFS{})
	_, err := sender.Send(ctx, src, "*", false)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Send() error = %v, want ErrAborted", err)
	}
}

func TestTransfer_LinkLostIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := transport.Pipe()
	src := t.TempDir()
	writeFiles(t, src, map[string][]byte{"a.txt": []byte("abc"), "b.txt": []byte("def")})
	b.Close()

	sender := NewSender(NewLink(a), OSFS{})
	report, err := sender.Send(ctx, src, "*", false)
	if !LinkLost(err) {
		t.Fatalf("Send() error = %v, want link lost", err)
	}
	if len(report.Files) != 1 || report.Files[0].Attempts != 1 {
		t.Errorf("report = %+v, want one failed attempt", report.Files)
	}
}

type countingWatchdog struct {
	mu sync.Mutex
	n  int
}

func (w *countingWatchdog) Feed() {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
}

func (w *countingWatchdog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// pseudoRandom returns deterministic incompressible bytes.
func pseudoRandom(n int) []byte {
	out := make([]byte, n)
	x := uint32(2463534242)
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = byte(x)
	}
	return out
}
