// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/camlink/pkg/transport"
)

// RawHandler sees every console byte that arrives outside a frame while a
// session owns the link. Returning an error ends the current read with it.
type RawHandler func(b byte) error

// PollFunc runs between transport reads. Returning an error aborts the
// session, which is how a disconnect request interrupts a transfer.
type PollFunc func() error

// Link carries frames over a transport for the duration of a session.
type Link struct {
	t       transport.Transport
	dec     *Decoder
	rest    []byte
	pending []*Frame
	idle    time.Duration
	raw     RawHandler
	poll    PollFunc
	stats   *Statistics
	log     *zap.Logger
}

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithIdleTimeout bounds how long ReadFrame waits without receiving a byte.
func WithIdleTimeout(d time.Duration) LinkOption {
	return func(l *Link) {
		if d > 0 {
			l.idle = d
		}
	}
}

// WithRawHandler sets the handler for bytes outside frames. Without one
// they are dropped.
func WithRawHandler(h RawHandler) LinkOption {
	return func(l *Link) { l.raw = h }
}

// WithPoll sets a hook run between reads.
func WithPoll(p PollFunc) LinkOption {
	return func(l *Link) { l.poll = p }
}

// WithLinkStatistics shares a statistics collector.
func WithLinkStatistics(s *Statistics) LinkOption {
	return func(l *Link) {
		if s != nil {
			l.stats = s
		}
	}
}

// WithLinkLogger sets the logger.
func WithLinkLogger(log *zap.Logger) LinkOption {
	return func(l *Link) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLink wraps t for framed traffic.
func NewLink(t transport.Transport, opts ...LinkOption) *Link {
	l := &Link{
		t:     t,
		dec:   NewDecoder(),
		idle:  DefaultIdleTimeout,
		stats: NewStatistics(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Transport returns the underlying transport.
func (l *Link) Transport() transport.Transport {
	return l.t
}

// Statistics returns the link counters.
func (l *Link) Statistics() *Statistics {
	return l.stats
}

// WriteFrame encodes record and writes it as one frame.
func (l *Link) WriteFrame(ftype FrameType, record any) error {
	data, err := Encode(ftype, record)
	if err != nil {
		return &ProtocolError{Op: "encode", Err: err}
	}
	return l.writeRaw("write "+ftype.String(), data, true)
}

// WriteText writes console text outside framing.
func (l *Link) WriteText(text []byte) error {
	return l.writeRaw("write text", text, false)
}

func (l *Link) writeRaw(op string, data []byte, frame bool) error {
	n, err := l.t.Write(data)
	if err == nil && n < len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err != nil {
		return l.transportError(op, err)
	}
	if frame {
		l.stats.RecordSent(len(data))
	}
	return nil
}

func (l *Link) transportError(op string, err error) error {
	return &TransportError{
		Op:   op,
		Lost: transport.IsClosed(err) || !l.t.IsOpen(),
		Err:  err,
	}
}

// Unread pushes a frame back so the next ReadFrame returns it.
func (l *Link) Unread(f *Frame) {
	l.pending = append([]*Frame{f}, l.pending...)
}

// Prepend queues raw bytes ahead of anything read from the transport.
func (l *Link) Prepend(data []byte) {
	l.rest = append(append([]byte(nil), data...), l.rest...)
}

// Leftover returns bytes read from the transport but not consumed yet and
// forgets them. The owner uses it to hand the rest back to the console once
// a session is over.
func (l *Link) Leftover() []byte {
	rest := l.rest
	l.rest = nil
	return rest
}

// ReadFrame returns the next frame, waiting at most the idle timeout since
// the last byte received.
func (l *Link) ReadFrame(ctx context.Context) (*Frame, error) {
	return l.ReadFrameTimeout(ctx, l.idle)
}

// ReadFrameTimeout is ReadFrame with a specific idle timeout.
func (l *Link) ReadFrameTimeout(ctx context.Context, idle time.Duration) (*Frame, error) {
	if len(l.pending) > 0 {
		f := l.pending[0]
		l.pending = l.pending[1:]
		return f, nil
	}

	deadline := time.Now().Add(idle)
	for {
		if len(l.rest) > 0 {
			f, err := l.consume()
			if f != nil || err != nil {
				return f, err
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l.poll != nil {
			if err := l.poll(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
			}
		}

		data, err := l.t.Read(readSize)
		if err != nil {
			return nil, &TransportError{Op: "read", Lost: true, Err: err}
		}
		if len(data) == 0 {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("%w after %s", ErrIdleTimeout, idle)
			}
			continue
		}
		deadline = time.Now().Add(idle)
		l.rest = data
	}
}

// consume runs buffered bytes through the decoder until a frame, an error
// or the end of the buffer.
func (l *Link) consume() (*Frame, error) {
	for len(l.rest) > 0 {
		b := l.rest[0]
		l.rest = l.rest[1:]

		if l.dec.Idle() && b != StartByte {
			if err := l.rawByte(b); err != nil {
				return nil, err
			}
			continue
		}

		f, err := l.dec.DecodeByte(b)
		if err != nil {
			l.stats.Update(nil, err, nil)
			if errors.Is(err, ErrInterrupted) {
				if rerr := l.rawByte(InterruptByte); rerr != nil {
					return nil, rerr
				}
				continue
			}
			l.log.Debug("frame dropped", zap.Error(err), zap.Int("raw", len(l.dec.Dropped())))
			return nil, err
		}
		if f != nil {
			l.stats.Update(f, nil, nil)
			return f, nil
		}
	}
	return nil, nil
}

func (l *Link) rawByte(b byte) error {
	if l.raw == nil {
		return nil
	}
	return l.raw(b)
}

// Drain reads console bytes until the raw handler returns ErrReleased or
// nothing arrives for quiet. Frames seen meanwhile are discarded.
func (l *Link) Drain(ctx context.Context, quiet time.Duration) error {
	for {
		f, err := l.ReadFrameTimeout(ctx, quiet)
		switch {
		case errors.Is(err, ErrReleased), errors.Is(err, ErrIdleTimeout):
			return nil
		case err != nil && IsDecodeError(err):
			continue
		case err != nil:
			return err
		}
		l.log.Debug("frame discarded while draining", zap.Stringer("type", f.Type()))
	}
}
