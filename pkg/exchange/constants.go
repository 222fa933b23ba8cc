// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package exchange implements the framed file transfer protocol that runs
// over a camera console channel: frame codec, sender and receiver roles,
// and the session bookkeeping around them.
package exchange

import "time"

// Framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20

	// InterruptByte is the console cancel keystroke (Ctrl-C). It is stuffed
	// inside frames so a raw one always means cancel.
	InterruptByte = 0x03
)

// Frame limits
const (
	ProtocolVersion = 1
	HeaderSize      = 4 // version, type, length (u16 BE)
	CRCSize         = 2
	MaxPayloadSize  = 1024
	MaxFrameSize    = HeaderSize + MaxPayloadSize + CRCSize

	// MaxChunkSize is the largest DATA payload before compression.
	MaxChunkSize = 256
)

// CRC-16-CCITT parameters
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Transfer behaviour
const (
	MaxAttempts           = 3
	WatchdogChunkInterval = 16
	DefaultIdleTimeout    = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	readSize              = 512
)

// ReleaseCommand frees a device receive loop once the host has nothing
// more to send. It is plain console text, never framed.
var ReleaseCommand = []byte("exit\r\n")

// FrameType identifies the frame payload.
type FrameType uint8

const (
	FrameRequest FrameType = 0x01 // TransferRequest, device asks the host to send
	FrameFile    FrameType = 0x02 // FileRecord, start of a file
	FrameData    FrameType = 0x03 // Chunk
	FrameAck     FrameType = 0x04 // Ack
	FrameEnd     FrameType = 0x05 // Summary, end of session
	FrameAbort   FrameType = 0x06 // Abort
)

var frameTypeNames = map[FrameType]string{
	FrameRequest: "REQUEST",
	FrameFile:    "FILE",
	FrameData:    "DATA",
	FrameAck:     "ACK",
	FrameEnd:     "END",
	FrameAbort:   "ABORT",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	_, ok := frameTypeNames[t]
	return ok
}

// AckStatus is the receiver verdict carried by an ACK frame.
type AckStatus uint8

const (
	AckOK        AckStatus = 0
	AckNak       AckStatus = 1 // frame lost or corrupt, resend the file
	AckFileError AckStatus = 2 // receiver cannot store the file
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "OK"
	case AckNak:
		return "NAK"
	case AckFileError:
		return "FILE_ERROR"
	default:
		return "UNKNOWN"
	}
}
