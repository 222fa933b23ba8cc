// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"time"
)

// Frame represents a decoded protocol frame
type Frame struct {
	version   uint8
	ftype     FrameType
	payload   []byte
	crc       uint16
	timestamp time.Time
}

// NewFrame creates a frame for encoding
func NewFrame(ftype FrameType, payload []byte) *Frame {
	return &Frame{
		version:   ProtocolVersion,
		ftype:     ftype,
		payload:   payload,
		timestamp: time.Now(),
	}
}

// Version returns the protocol version byte
func (f *Frame) Version() uint8 {
	return f.version
}

// Type returns the frame type
func (f *Frame) Type() FrameType {
	return f.ftype
}

// Payload returns the raw CBOR payload
func (f *Frame) Payload() []byte {
	return f.payload
}

// Length returns the payload length
func (f *Frame) Length() int {
	return len(f.payload)
}

// CRC returns the checksum carried by the frame
func (f *Frame) CRC() uint16 {
	return f.crc
}

// Timestamp returns when the frame was decoded
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}
