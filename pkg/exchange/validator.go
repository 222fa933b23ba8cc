// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"fmt"
	"path"
	"strings"
)

// AnomalyType represents different kinds of frame anomalies
type AnomalyType int

const (
	AnomalyUndecodable AnomalyType = iota
	AnomalyUnsafePath
	AnomalyOversizeChunk
	AnomalyBadStatus
	AnomalyEmptyPattern
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyUndecodable:
		return "undecodable"
	case AnomalyUnsafePath:
		return "unsafe-path"
	case AnomalyOversizeChunk:
		return "oversize-chunk"
	case AnomalyBadStatus:
		return "bad-status"
	case AnomalyEmptyPattern:
		return "empty-pattern"
	default:
		return "unknown"
	}
}

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateFrame decodes the frame payload and checks it for anomalies.
// Returns a slice of validation errors (empty if the frame is valid)
func ValidateFrame(f *Frame) []ValidationError {
	record, err := DecodeRecord(f)
	if err != nil {
		return []ValidationError{{Type: AnomalyUndecodable, Message: err.Error()}}
	}

	errs := []ValidationError{}
	switch r := record.(type) {
	case *FileRecord:
		if err := ValidatePath(r.Path); err != nil {
			errs = append(errs, ValidationError{Type: AnomalyUnsafePath, Message: err.Error()})
		}
	case *Chunk:
		if len(r.Payload) > MaxChunkSize {
			errs = append(errs, ValidationError{
				Type:    AnomalyOversizeChunk,
				Message: fmt.Sprintf("chunk %d carries %d bytes (max %d)", r.Seq, len(r.Payload), MaxChunkSize),
			})
		}
	case *Ack:
		if r.Status > AckFileError {
			errs = append(errs, ValidationError{
				Type:    AnomalyBadStatus,
				Message: fmt.Sprintf("invalid ack status %d", r.Status),
			})
		}
	case *TransferRequest:
		if r.Pattern == "" && r.BasePath == "" {
			errs = append(errs, ValidationError{Type: AnomalyEmptyPattern, Message: "request names no files"})
		}
	}
	return errs
}

// ValidatePath rejects paths that would land outside the receiver's
// target directory.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	if strings.Contains(p, "\\") || strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	if path.IsAbs(p) {
		return fmt.Errorf("%w: %q is absolute", ErrOutsideRoot, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	return nil
}
