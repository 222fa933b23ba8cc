// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Receiver stores files streamed by a Sender.
type Receiver struct {
	link    *Link
	fs      Filesystem
	cfg     Config
	report  *Report
	summary *Summary
	index   int
}

// NewReceiver creates a receiver role endpoint.
func NewReceiver(link *Link, fsys Filesystem, opts ...Option) *Receiver {
	cfg := newConfig(opts)
	if cfg.Stats == nil {
		cfg.Stats = link.stats
	} else {
		link.stats = cfg.Stats
	}
	return &Receiver{link: link, fs: fsys, cfg: cfg, report: &Report{}}
}

// Report returns the outcomes of the files received so far.
func (r *Receiver) Report() *Report {
	return r.report
}

// Summary returns the sender's END summary, nil until the session ended
// with one.
func (r *Receiver) Summary() *Summary {
	return r.summary
}

// SenderFailures returns an error when the sender's END summary counts
// more failed files than this receiver recorded. Files the sender gave up
// on before offering them only show up there.
func (r *Receiver) SenderFailures() error {
	if r.summary == nil {
		return nil
	}
	missing := int(r.summary.Failed) - r.report.Failed()
	if missing <= 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d", ErrSenderFailures, missing, r.summary.Sent+r.summary.Failed)
}

// Receive handles one file under target. It returns false once the
// session is over: on the END frame, on release by the peer, or on an
// error that ends the session. A true result with an error means only that
// file failed.
func (r *Receiver) Receive(ctx context.Context, target string) (bool, error) {
	for {
		f, err := r.link.ReadFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrReleased):
				return false, nil
			case IsDecodeError(err):
				continue
			}
			return false, r.fail(err)
		}

		switch f.Type() {
		case FrameFile:
			return r.receiveFile(ctx, target, f)
		case FrameEnd:
			var summary Summary
			if err := f.Decode(&summary); err != nil {
				return false, err
			}
			r.summary = &summary
			r.cfg.Logger.Info("end of session",
				zap.Uint32("sent", summary.Sent),
				zap.Uint32("failed", summary.Failed))
			return false, nil
		case FrameAbort:
			var abort Abort
			_ = f.Decode(&abort)
			return false, fmt.Errorf("%w: %s", ErrAborted, abort.Reason)
		case FrameData:
			// Leftover of a file we gave up on
			var c Chunk
			if err := f.Decode(&c); err == nil {
				if err := r.ack(c.Seq, AckNak, "no file open"); err != nil {
					return false, r.fail(err)
				}
			}
		default:
			return false, r.fail(&ProtocolError{Op: "receive", Err: fmt.Errorf("unexpected %s frame", f.Type())})
		}
	}
}

// fail tells the sender to stop when the session ends for a local reason.
func (r *Receiver) fail(err error) error {
	if errors.Is(err, ErrCancelled) || errors.As(err, new(*ProtocolError)) {
		if !LinkLost(err) {
			_ = r.link.WriteFrame(FrameAbort, Abort{Reason: err.Error()})
		}
	}
	return err
}

func (r *Receiver) ack(seq uint32, status AckStatus, message string) error {
	if status == AckNak {
		r.cfg.Stats.Naks++
	}
	return r.link.WriteFrame(FrameAck, Ack{Seq: seq, Status: status, Message: message})
}

func (r *Receiver) record(rec FileRecord, err error) {
	res := FileResult{Record: rec, Attempts: 1, Err: err}
	r.report.add(res)
	r.cfg.count(res)
	r.cfg.feed()
	r.cfg.progress(Progress{
		Path:       rec.Path,
		File:       r.index,
		Bytes:      rec.Size,
		Size:       rec.Size,
		FileDone:   err == nil,
		FileFailed: err != nil,
	})
}

// refuse rejects a file the receiver cannot store.
func (r *Receiver) refuse(rec FileRecord, seq uint32, ferr *FileError) (bool, error) {
	r.cfg.Logger.Warn("file refused", zap.String("path", rec.Path), zap.Error(ferr))
	r.record(rec, ferr)
	if err := r.ack(seq, AckFileError, ferr.Err.Error()); err != nil {
		return false, err
	}
	return true, ferr
}

func (r *Receiver) receiveFile(ctx context.Context, target string, header *Frame) (bool, error) {
	var rec FileRecord
	if err := header.Decode(&rec); err != nil {
		return false, r.fail(err)
	}
	r.index++
	log := r.cfg.Logger.With(zap.String("path", rec.Path), zap.Uint64("size", rec.Size))

	if err := ValidatePath(rec.Path); err != nil {
		return r.refuse(rec, 0, &FileError{Path: rec.Path, Op: "create", Err: err})
	}
	w, err := r.fs.Create(target, rec.Path, rec.Mode)
	if err != nil {
		return r.refuse(rec, 0, &FileError{Path: rec.Path, Op: "create", Err: err})
	}
	closed := false
	defer func() {
		if !closed {
			w.Close()
		}
	}()

	if err := r.ack(0, AckOK, ""); err != nil {
		r.record(rec, err)
		return !fatal(err), err
	}
	log.Debug("receiving file")

	var written uint64
	expect := uint32(1)
	for {
		f, err := r.link.ReadFrame(ctx)
		if err != nil {
			if IsDecodeError(err) {
				if err := r.ack(expect, AckNak, "corrupt frame"); err != nil {
					r.record(rec, err)
					return !fatal(err), err
				}
				continue
			}
			if errors.Is(err, ErrReleased) {
				err = fmt.Errorf("%s incomplete: %w", rec.Path, io.ErrUnexpectedEOF)
				r.record(rec, err)
				return false, err
			}
			r.record(rec, err)
			if fatal(err) {
				return false, r.fail(err)
			}
			return true, err
		}

		switch f.Type() {
		case FrameData:
		case FrameFile:
			// The sender restarted the file or moved on
			w.Close()
			closed = true
			return r.receiveFile(ctx, target, f)
		case FrameEnd, FrameAbort:
			r.link.Unread(f)
			err := &FileError{Path: rec.Path, Op: "receive", Err: io.ErrUnexpectedEOF}
			r.record(rec, err)
			return true, err
		default:
			err := &ProtocolError{Op: "receive " + rec.Path, Err: fmt.Errorf("unexpected %s frame", f.Type())}
			r.record(rec, err)
			return false, r.fail(err)
		}

		var c Chunk
		if err := f.Decode(&c); err != nil {
			r.record(rec, err)
			return false, r.fail(err)
		}
		if c.Seq+1 == expect {
			// Our ack was lost; the data is already on disk
			if err := r.ack(c.Seq, AckOK, ""); err != nil {
				r.record(rec, err)
				return !fatal(err), err
			}
			continue
		}
		if c.Seq != expect {
			if err := r.ack(c.Seq, AckNak, "out of sequence"); err != nil {
				r.record(rec, err)
				return !fatal(err), err
			}
			continue
		}

		payload := c.Payload
		if c.Compressed {
			if payload, err = decompressChunk(payload); err != nil {
				if err := r.ack(c.Seq, AckNak, err.Error()); err != nil {
					r.record(rec, err)
					return !fatal(err), err
				}
				continue
			}
		}
		if len(payload) > MaxChunkSize || written+uint64(len(payload)) > rec.Size {
			return r.refuse(rec, c.Seq, &FileError{Path: rec.Path, Op: "write", Err: fmt.Errorf("more data than the announced %d bytes", rec.Size)})
		}
		if _, err := w.Write(payload); err != nil {
			return r.refuse(rec, c.Seq, &FileError{Path: rec.Path, Op: "write", Err: err})
		}
		written += uint64(len(payload))
		r.cfg.Stats.PayloadBytes += uint64(len(payload))

		if c.Last {
			closed = true
			if err := w.Close(); err != nil {
				return r.refuse(rec, c.Seq, &FileError{Path: rec.Path, Op: "close", Err: err})
			}
			if written != rec.Size {
				return r.refuse(rec, c.Seq, &FileError{Path: rec.Path, Op: "write", Err: fmt.Errorf("got %d of %d bytes", written, rec.Size)})
			}
		}
		if err := r.ack(c.Seq, AckOK, ""); err != nil {
			r.record(rec, err)
			return !fatal(err), err
		}
		if c.Seq%WatchdogChunkInterval == 0 {
			r.cfg.feed()
		}
		if c.Last {
			log.Debug("file received")
			r.record(rec, nil)
			return true, nil
		}
		expect++
		r.cfg.progress(Progress{Path: rec.Path, File: r.index, Bytes: written, Size: rec.Size})
	}
}
