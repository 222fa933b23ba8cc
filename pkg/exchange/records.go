// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame payloads are CBOR maps keyed by small integers.

// TransferRequest is sent by the device to ask the host for files.
type TransferRequest struct {
	BasePath  string `cbor:"0,keyasint"`
	Pattern   string `cbor:"1,keyasint"`
	Recursive bool   `cbor:"2,keyasint"`
}

// FileRecord announces one file. Path is relative to the transfer root and
// always uses forward slashes.
type FileRecord struct {
	Path string `cbor:"0,keyasint"`
	Size uint64 `cbor:"1,keyasint"`
	Mode uint32 `cbor:"2,keyasint"`
}

// Chunk carries up to MaxChunkSize bytes of file content. Seq starts at 1
// for each file; the ACK of a FILE frame uses 0.
type Chunk struct {
	Seq        uint32 `cbor:"0,keyasint"`
	Last       bool   `cbor:"1,keyasint"`
	Compressed bool   `cbor:"2,keyasint,omitempty"`
	Payload    []byte `cbor:"3,keyasint"`
}

// Ack acknowledges a FILE or DATA frame.
type Ack struct {
	Seq     uint32    `cbor:"0,keyasint"`
	Status  AckStatus `cbor:"1,keyasint"`
	Message string    `cbor:"2,keyasint,omitempty"`
}

// Summary ends a session.
type Summary struct {
	Sent   uint32 `cbor:"0,keyasint"`
	Failed uint32 `cbor:"1,keyasint"`
}

// Abort stops a session from either side.
type Abort struct {
	Reason string `cbor:"0,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("exchange: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
		MaxNestedLevels:  4,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("exchange: cbor decoder: %v", err))
	}
}

func marshalRecord(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if err := decMode.Unmarshal(f.payload, v); err != nil {
		return &ProtocolError{Op: "decode " + f.ftype.String(), Err: err}
	}
	return nil
}

// recordFor returns an empty record matching the frame type.
func recordFor(t FrameType) any {
	switch t {
	case FrameRequest:
		return &TransferRequest{}
	case FrameFile:
		return &FileRecord{}
	case FrameData:
		return &Chunk{}
	case FrameAck:
		return &Ack{}
	case FrameEnd:
		return &Summary{}
	case FrameAbort:
		return &Abort{}
	}
	return nil
}

// DecodeRecord decodes the payload into the record type of the frame.
func DecodeRecord(f *Frame) (any, error) {
	v := recordFor(f.ftype)
	if v == nil {
		return nil, &ProtocolError{Op: "decode", Err: fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, uint8(f.ftype))}
	}
	if err := f.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}
