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

// Sender streams files to a receiver over a Link.
type Sender struct {
	link *Link
	fs   Filesystem
	cfg  Config
}

// NewSender creates a sender role endpoint.
func NewSender(link *Link, fsys Filesystem, opts ...Option) *Sender {
	cfg := newConfig(opts)
	if cfg.Stats == nil {
		cfg.Stats = link.stats
	} else {
		link.stats = cfg.Stats
	}
	return &Sender{link: link, fs: fsys, cfg: cfg}
}

// Send transfers every file matching pattern under root, then signals the
// end of the session. A file that keeps failing is counted and skipped;
// only a lost link, a cancel or a protocol violation stops the session.
func (s *Sender) Send(ctx context.Context, root, pattern string, recursive bool) (*Report, error) {
	log := s.cfg.Logger.With(zap.String("root", root), zap.String("pattern", pattern))
	report := &Report{}

	records, enumErr := s.fs.Enumerate(root, pattern, recursive)
	if enumErr != nil {
		log.Warn("enumerate failed", zap.Error(enumErr))
	}
	if len(records) == 0 {
		log.Info("no files to send")
	}

	for i, rec := range records {
		result := FileResult{Record: rec}
		for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
			result.Attempts = attempt
			result.Err = s.sendFile(ctx, root, rec, i+1, len(records), attempt)
			if result.Err == nil {
				break
			}
			if fatal(result.Err) {
				report.add(result)
				s.abort(result.Err)
				return report, result.Err
			}
			s.cfg.Stats.Retries++
			log.Warn("file attempt failed",
				zap.String("path", rec.Path),
				zap.Int("attempt", attempt),
				zap.Error(result.Err))
		}
		report.add(result)
		s.cfg.count(result)
		s.cfg.feed()
		s.cfg.progress(Progress{
			Path:       rec.Path,
			File:       i + 1,
			Files:      len(records),
			Size:       rec.Size,
			Attempt:    result.Attempts,
			FileDone:   result.Err == nil,
			FileFailed: result.Err != nil,
		})
	}

	summary := Summary{Sent: uint32(report.Sent()), Failed: uint32(report.Failed())}
	if err := s.link.WriteFrame(FrameEnd, summary); err != nil {
		return report, err
	}
	if len(s.cfg.Terminator) > 0 {
		if err := s.link.WriteText(s.cfg.Terminator); err != nil {
			return report, err
		}
	}
	log.Info("send complete", zap.Int("sent", report.Sent()), zap.Int("failed", report.Failed()))

	if enumErr != nil {
		return report, &FileError{Path: pattern, Op: "enumerate", Err: enumErr}
	}
	return report, nil
}

// abort tells the receiver to give up, unless the link is already gone.
func (s *Sender) abort(cause error) {
	if LinkLost(cause) {
		return
	}
	if errors.Is(cause, ErrAborted) {
		return
	}
	_ = s.link.WriteFrame(FrameAbort, Abort{Reason: cause.Error()})
}

func (s *Sender) sendFile(ctx context.Context, root string, rec FileRecord, index, total, attempt int) error {
	f, err := s.fs.Open(root, rec.Path)
	if err != nil {
		return &FileError{Path: rec.Path, Op: "open", Err: err}
	}
	defer f.Close()

	if err := s.link.WriteFrame(FrameFile, rec); err != nil {
		return err
	}
	if err := s.waitAck(ctx, rec.Path, 0); err != nil {
		return err
	}

	buf := make([]byte, s.cfg.ChunkSize)
	var sent uint64
	for seq := uint32(1); ; seq++ {
		want := min(uint64(s.cfg.ChunkSize), rec.Size-sent)
		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			return &FileError{Path: rec.Path, Op: "read", Err: err}
		}
		sent += uint64(n)

		chunk := Chunk{Seq: seq, Last: sent == rec.Size, Payload: buf[:n]}
		if s.cfg.Compress {
			chunk.Payload, chunk.Compressed = compressChunk(chunk.Payload)
		}
		if err := s.link.WriteFrame(FrameData, chunk); err != nil {
			return err
		}
		if err := s.waitAck(ctx, rec.Path, seq); err != nil {
			return err
		}
		s.cfg.Stats.PayloadBytes += uint64(n)

		if seq%WatchdogChunkInterval == 0 {
			s.cfg.feed()
		}
		s.cfg.progress(Progress{
			Path:    rec.Path,
			File:    index,
			Files:   total,
			Bytes:   sent,
			Size:    rec.Size,
			Attempt: attempt,
		})
		if chunk.Last {
			return nil
		}
	}
}

// waitAck waits for the ACK of seq. Acks for other sequence numbers are
// leftovers of an earlier attempt and are skipped.
func (s *Sender) waitAck(ctx context.Context, path string, seq uint32) error {
	for {
		f, err := s.link.ReadFrame(ctx)
		if err != nil {
			if IsDecodeError(err) {
				s.cfg.Stats.Naks++
				return fmt.Errorf("ack %d for %s: %w", seq, path, err)
			}
			return err
		}

		switch f.Type() {
		case FrameAck:
			var ack Ack
			if err := f.Decode(&ack); err != nil {
				return err
			}
			if ack.Seq != seq {
				continue
			}
			switch ack.Status {
			case AckOK:
				return nil
			case AckFileError:
				return &FileError{Path: path, Op: "store", Remote: true, Err: errors.New(ack.Message)}
			default:
				s.cfg.Stats.Naks++
				return fmt.Errorf("chunk %d of %s rejected: %s", seq, path, ack.Status)
			}
		case FrameAbort:
			var abort Abort
			_ = f.Decode(&abort)
			return fmt.Errorf("%w: %s", ErrAborted, abort.Reason)
		default:
			return &ProtocolError{Op: "wait ack", Err: fmt.Errorf("unexpected %s frame", f.Type())}
		}
	}
}
