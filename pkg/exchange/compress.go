// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// compressChunk returns the lz4 block for data, or data itself when
// compression would not make it smaller.
func compressChunk(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := c.CompressBlock(data, dst)
	if err != nil || n == 0 || n >= len(data) {
		return data, false
	}
	return dst[:n], true
}

// decompressChunk inflates an lz4 block of at most MaxChunkSize bytes.
func decompressChunk(data []byte) ([]byte, error) {
	dst := make([]byte, MaxChunkSize)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return dst[:n], nil
}
