// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"encoding/binary"
	"fmt"
)

// EncodeFrame creates a complete wire-formatted frame.
// Returns the frame bytes ready for transmission, including framing and byte stuffing.
func EncodeFrame(ftype FrameType, payload []byte) ([]byte, error) {
	if !ftype.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, uint8(ftype))
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), MaxPayloadSize)
	}

	// version + type + length + payload is what gets CRC'd and stuffed
	data := make([]byte, HeaderSize, HeaderSize+len(payload)+CRCSize)
	data[0] = ProtocolVersion
	data[1] = uint8(ftype)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(payload)))
	data = append(data, payload...)

	crc := CalculateCRC(data)
	data = binary.BigEndian.AppendUint16(data, crc)

	stuffed := stuffBytes(data)

	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffed...)
	frame = append(frame, EndByte)

	return frame, nil
}

// mustEncodeFrame is EncodeFrame for frames known to be valid.
// Panics on encoding error.
func mustEncodeFrame(ftype FrameType, payload []byte) []byte {
	data, err := EncodeFrame(ftype, payload)
	if err != nil {
		panic(fmt.Sprintf("exchange: encode error: %v", err))
	}
	return data
}

// Encode marshals a record to CBOR and frames it.
func Encode(ftype FrameType, record any) ([]byte, error) {
	payload, err := marshalRecord(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ftype, err)
	}
	return EncodeFrame(ftype, payload)
}

func needsEscape(b byte) bool {
	return b == StartByte || b == EndByte || b == EscByte || b == InterruptByte
}

// stuffBytes applies byte stuffing to escape special bytes.
// Special bytes are replaced with ESC + (byte XOR EscXor).
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)

	for _, b := range data {
		if needsEscape(b) {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}

	return result
}

// unstuffBytes removes byte stuffing from escaped data.
// This is the inverse of stuffBytes.
func unstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}

	return result, nil
}
