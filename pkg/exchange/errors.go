// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/Thermoquad/camlink/pkg/transport"
)

// Decoder errors
var (
	ErrCRCMismatch      = errors.New("CRC mismatch")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrUnexpectedEnd    = errors.New("unexpected END byte")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrFrameRestarted   = errors.New("frame restarted")
	ErrInterrupted      = errors.New("interrupt inside frame")
)

// Session errors
var (
	// ErrNotCapable means the console peer did not answer the capability
	// query; no session was started.
	ErrNotCapable = errors.New("peer is not a camlink host")

	ErrIdleTimeout = errors.New("link idle timeout")
	ErrCancelled   = errors.New("transfer cancelled")
	ErrAborted     = errors.New("transfer aborted by peer")
	// ErrReleased is raised by a raw handler when the release command is
	// seen on the console; it ends a receive loop normally.
	ErrReleased    = errors.New("released by peer")
	ErrOutsideRoot = errors.New("path escapes transfer root")
)

// ErrSenderFailures means the END summary counts files the receiver never
// saw fail, such as files the sender could not open.
var ErrSenderFailures = errors.New("files failed on the sender")

// IsDecodeError reports whether err came from a damaged frame.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrCRCMismatch) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrUnknownFrameType) ||
		errors.Is(err, ErrUnexpectedEnd) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrFrameRestarted)
}

// ProtocolError is a well-formed frame that makes no sense at this point of
// the session. It aborts the session but leaves the link open.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FileError is a local or remote failure to read or store one file. Only
// that file fails.
type FileError struct {
	Path   string
	Op     string
	Remote bool
	Err    error
}

func (e *FileError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("%s %s %s: %v", side, e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// TransportError is an I/O failure on the channel itself. Lost is set when
// the channel is gone; otherwise the failed attempt may be retried.
type TransportError struct {
	Op   string
	Lost bool
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// LinkLost reports whether err means the channel is gone, as opposed to a
// failure the session can retry.
func LinkLost(err error) bool {
	var terr *TransportError
	if errors.As(err, &terr) && terr.Lost {
		return true
	}
	return errors.Is(err, transport.ErrClosed)
}

// fatal reports whether err must end the session rather than the attempt.
func fatal(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) ||
		LinkLost(err) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrAborted) ||
		errors.Is(err, ErrReleased) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
