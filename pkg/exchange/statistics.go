// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Statistics tracks frame and transfer counters for one link.
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	CRCErrors      uint64
	DecodeErrors   uint64
	Anomalies      uint64
	Naks           uint64
	Retries        uint64
	FilesOK        uint64
	FilesFailed    uint64
	PayloadBytes   uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ByteRate  float64 // payload bytes/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// RecordSent counts an outgoing frame of n wire bytes.
func (s *Statistics) RecordSent(n int) {
	s.FramesSent++
	s.BytesSent += uint64(n)
	s.LastUpdateTime = time.Now()
}

// Update counts an incoming frame, a decode error, or validation anomalies.
func (s *Statistics) Update(frame *Frame, decodeErr error, anomalies []ValidationError) {
	s.LastUpdateTime = time.Now()
	if decodeErr != nil {
		if errors.Is(decodeErr, ErrCRCMismatch) {
			s.CRCErrors++
		} else {
			s.DecodeErrors++
		}
		return
	}
	if frame == nil {
		return
	}
	s.FramesReceived++
	s.BytesReceived += uint64(frame.Length() + HeaderSize + CRCSize + 2)
	s.Anomalies += uint64(len(anomalies))
}

// CalculateRates calculates frame, byte and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesSent+s.FramesReceived) / elapsed
		s.ByteRate = float64(s.PayloadBytes) / elapsed
		s.ErrorRate = float64(s.CRCErrors+s.DecodeErrors+s.Naks) / elapsed
	}
}

// Snapshot returns a copy with rates filled in, safe to hand to another
// goroutine.
func (s *Statistics) Snapshot() Statistics {
	s.CalculateRates()
	return *s
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()
	elapsed := time.Since(s.StartTime)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&b, "Frames Sent:     %8d (%d bytes)\n", s.FramesSent, s.BytesSent)
	fmt.Fprintf(&b, "Frames Received: %8d (%d bytes)\n", s.FramesReceived, s.BytesReceived)
	fmt.Fprintf(&b, "Files:           %8d ok, %d failed\n", s.FilesOK, s.FilesFailed)
	if s.CRCErrors > 0 {
		fmt.Fprintf(&b, "CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.DecodeErrors > 0 {
		fmt.Fprintf(&b, "Decode Errors:   %8d\n", s.DecodeErrors)
	}
	if s.Anomalies > 0 {
		fmt.Fprintf(&b, "Anomalies:       %8d\n", s.Anomalies)
	}
	if s.Naks > 0 || s.Retries > 0 {
		fmt.Fprintf(&b, "NAKs / Retries:  %8d / %d\n", s.Naks, s.Retries)
	}
	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	fmt.Fprintf(&b, "Throughput:      %8.1f bytes/sec\n", s.ByteRate)
	b.WriteString("================================\n")
	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
