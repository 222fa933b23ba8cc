// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Role is the side of a transfer this endpoint plays.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// SessionState tracks a transfer session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionAwaitingRequest
	SessionTransferring
	SessionCompleted
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionAwaitingRequest:
		return "awaiting-request"
	case SessionTransferring:
		return "transferring"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one transfer run. While Transferring it owns the link.
type Session struct {
	ID      uuid.UUID
	Role    Role
	Request TransferRequest
	State   SessionState
	Started time.Time
	Ended   time.Time
	Report  *Report
	Err     error
}

// NewSession creates an idle session.
func NewSession(role Role, req TransferRequest) *Session {
	return &Session{
		ID:      uuid.New(),
		Role:    role,
		Request: req,
		State:   SessionIdle,
		Started: time.Now(),
	}
}

// Transition moves the session forward. Finished sessions do not change.
func (s *Session) Transition(state SessionState) {
	if s.Finished() {
		return
	}
	s.State = state
	if s.Finished() {
		s.Ended = time.Now()
	}
}

// Finish records the outcome: failed on a session error or any failed file.
func (s *Session) Finish(report *Report, err error) {
	s.Report = report
	s.Err = err
	if err != nil || (report != nil && report.Failed() > 0) {
		s.Transition(SessionFailed)
	} else {
		s.Transition(SessionCompleted)
	}
}

func (s *Session) Finished() bool {
	return s.State == SessionCompleted || s.State == SessionFailed
}

func (s *Session) Duration() time.Duration {
	if s.Ended.IsZero() {
		return time.Since(s.Started)
	}
	return s.Ended.Sub(s.Started)
}

func (s *Session) String() string {
	return fmt.Sprintf("%s %s %s", s.ID.String()[:8], s.Role, s.State)
}

// FileResult is the outcome of one file.
type FileResult struct {
	Record   FileRecord
	Attempts int
	Err      error
}

// Report collects per-file outcomes of a session.
type Report struct {
	Files []FileResult
	Bytes uint64
}

// add appends a result. A new result for the file just recorded replaces
// it, so a retried file is counted once.
func (r *Report) add(res FileResult) {
	if n := len(r.Files); n > 0 && r.Files[n-1].Record.Path == res.Record.Path {
		prev := r.Files[n-1]
		if prev.Err == nil {
			r.Bytes -= prev.Record.Size
		}
		res.Attempts += prev.Attempts
		r.Files = r.Files[:n-1]
	}
	r.Files = append(r.Files, res)
	if res.Err == nil {
		r.Bytes += res.Record.Size
	}
}

// Sent counts files transferred successfully.
func (r *Report) Sent() int {
	n := 0
	for _, f := range r.Files {
		if f.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts files given up on.
func (r *Report) Failed() int {
	return len(r.Files) - r.Sent()
}

// Err combines the per-file errors.
func (r *Report) Err() error {
	var err error
	for _, f := range r.Files {
		if f.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", f.Record.Path, f.Err))
		}
	}
	return err
}

func (r *Report) String() string {
	if len(r.Files) == 0 {
		return "no files"
	}
	return fmt.Sprintf("%d files, %d failed, %s", len(r.Files), r.Failed(), formatSize(r.Bytes))
}
