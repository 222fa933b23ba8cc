// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"encoding/binary"
	"fmt"
	"time"
)

type decoderState int

const (
	stateIdle decoderState = iota
	stateVersion
	stateType
	stateLengthHigh
	stateLengthLow
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)

func (s decoderState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateVersion:
		return "version"
	case stateType:
		return "type"
	case stateLengthHigh, stateLengthLow:
		return "length"
	case statePayload:
		return "payload"
	case stateCRC1, stateCRC2:
		return "crc"
	case stateEnd:
		return "end"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Decoder implements the frame decoder state machine. Bytes are fed one at
// a time; an unescaped START always begins a new frame.
type Decoder struct {
	state      decoderState
	escapeNext bool
	header     [HeaderSize]byte
	length     int
	payload    []byte
	crc        uint16
	rawBuffer  []byte // raw bytes of the frame in progress, framing included
	dropped    []byte // raw bytes of the last frame that failed
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateIdle,
		payload:   make([]byte, 0, MaxPayloadSize),
		rawBuffer: make([]byte, 0, MaxFrameSize*2),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.escapeNext = false
	d.length = 0
	d.payload = d.payload[:0]
	d.crc = 0
	d.rawBuffer = d.rawBuffer[:0]
}

// Idle reports whether the decoder is between frames.
func (d *Decoder) Idle() bool {
	return d.state == stateIdle
}

// GetRawBytes returns the raw bytes of the frame in progress.
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// Dropped returns the raw bytes of the most recent frame that failed to
// decode, so a console filter can show them as text.
func (d *Decoder) Dropped() []byte {
	return d.dropped
}

func (d *Decoder) fail(err error) (*Frame, error) {
	d.dropped = append(d.dropped[:0], d.rawBuffer...)
	d.Reset()
	return nil, err
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame, or nil if the frame is incomplete.
// Returns an error if decoding fails.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	if d.state == stateIdle {
		if b != StartByte {
			return nil, nil
		}
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.state = stateVersion
		return nil, nil
	}

	// Unescaped START restarts; whatever was held is dropped
	if b == StartByte {
		d.dropped = append(d.dropped[:0], d.rawBuffer...)
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.state = stateVersion
		return nil, ErrFrameRestarted
	}

	d.rawBuffer = append(d.rawBuffer, b)
	if len(d.rawBuffer) > MaxFrameSize*2+2 {
		return d.fail(fmt.Errorf("%w: raw frame exceeds %d bytes", ErrFrameTooLarge, MaxFrameSize*2+2))
	}

	if b == EndByte {
		if d.state != stateEnd {
			return d.fail(fmt.Errorf("%w in %s", ErrUnexpectedEnd, d.state))
		}
		return d.finish()
	}

	if b == InterruptByte {
		return d.fail(ErrInterrupted)
	}

	if b == EscByte && !d.escapeNext {
		d.escapeNext = true
		return nil, nil
	}
	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}

	switch d.state {
	case stateVersion:
		if b != ProtocolVersion {
			return d.fail(fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, b, ProtocolVersion))
		}
		d.header[0] = b
		d.state = stateType

	case stateType:
		if !FrameType(b).Valid() {
			return d.fail(fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, b))
		}
		d.header[1] = b
		d.state = stateLengthHigh

	case stateLengthHigh:
		d.header[2] = b
		d.state = stateLengthLow

	case stateLengthLow:
		d.header[3] = b
		d.length = int(binary.BigEndian.Uint16(d.header[2:4]))
		if d.length > MaxPayloadSize {
			return d.fail(fmt.Errorf("%w: length %d (max %d)", ErrFrameTooLarge, d.length, MaxPayloadSize))
		}
		if d.length == 0 {
			d.state = stateCRC1
		} else {
			d.state = statePayload
		}

	case statePayload:
		d.payload = append(d.payload, b)
		if len(d.payload) >= d.length {
			d.state = stateCRC1
		}

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2

	case stateCRC2:
		d.crc |= uint16(b)
		d.state = stateEnd

	case stateEnd:
		return d.fail(fmt.Errorf("%w: data after CRC", ErrFrameTooLarge))
	}
	return nil, nil
}

func (d *Decoder) finish() (*Frame, error) {
	data := make([]byte, 0, HeaderSize+len(d.payload))
	data = append(data, d.header[:]...)
	data = append(data, d.payload...)

	calculated := CalculateCRC(data)
	if calculated != d.crc {
		return d.fail(fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, calculated, d.crc))
	}

	frame := &Frame{
		version:   d.header[0],
		ftype:     FrameType(d.header[1]),
		payload:   append([]byte(nil), d.payload...),
		crc:       d.crc,
		timestamp: time.Now(),
	}
	d.Reset()
	return frame, nil
}

// decodeFrames decodes every complete frame in data. Decode errors are
// skipped; bytes outside frames are ignored.
func decodeFrames(data []byte) []*Frame {
	d := NewDecoder()
	var frames []*Frame
	for _, b := range data {
		if f, err := d.DecodeByte(b); err == nil && f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}
