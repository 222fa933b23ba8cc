// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Stream is a Transport over a plain reader and writer, such as the
// standard streams of a process.
type Stream struct {
	name   string
	r      io.Reader
	w      io.Writer
	wmu    sync.Mutex
	in     *inbox
	closed atomic.Bool
	once   sync.Once
}

// NewStream starts reading r in the background. The reader goroutine ends
// when r returns an error.
func NewStream(name string, r io.Reader, w io.Writer) *Stream {
	s := &Stream{name: name, r: r, w: w, in: newInbox()}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	buf := make([]byte, 512)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			s.in.push(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.in.fail(err)
			}
			s.closed.Store(true)
			s.in.fail(ErrClosed)
			return
		}
	}
}

func (s *Stream) String() string {
	return s.name
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.w.Write(p)
}

func (s *Stream) Read(max int) ([]byte, error) {
	return s.in.pull(max, DefaultReadTimeout)
}

func (s *Stream) Available() (int, error) {
	n := s.in.len()
	if n == 0 && s.closed.Load() {
		return 0, ErrClosed
	}
	return n, nil
}

func (s *Stream) ResetInput() error {
	s.in.reset()
	return nil
}

func (s *Stream) CancelRead() {
	s.in.wake()
}

// Close marks the stream closed. The underlying reader and writer are
// left to their owner.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.in.wake()
	})
	return nil
}

func (s *Stream) IsOpen() bool {
	return !s.closed.Load()
}
