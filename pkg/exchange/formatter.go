// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"fmt"
	"os"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.timestamp.Format("15:04:05.000")
	result := fmt.Sprintf("[%s] %s (0x%02X) len=%d crc=0x%04X\n", timestamp, f.ftype, uint8(f.ftype), f.Length(), f.crc)

	record, err := DecodeRecord(f)
	if err != nil {
		return result + fmt.Sprintf("  <%v>\n", err)
	}
	return result + FormatRecord(record)
}

// FormatRecord formats a decoded payload
func FormatRecord(record any) string {
	switch r := record.(type) {
	case *TransferRequest:
		return fmt.Sprintf("  Base: %q, Pattern: %q, Recursive: %t\n", r.BasePath, r.Pattern, r.Recursive)
	case *FileRecord:
		return fmt.Sprintf("  Path: %s, Size: %s, Mode: %s\n", r.Path, formatSize(r.Size), os.FileMode(r.Mode).Perm())
	case *Chunk:
		flags := ""
		if r.Last {
			flags += " last"
		}
		if r.Compressed {
			flags += " lz4"
		}
		return fmt.Sprintf("  Seq: %d, Bytes: %d%s\n", r.Seq, len(r.Payload), flags)
	case *Ack:
		if r.Message != "" {
			return fmt.Sprintf("  Seq: %d, Status: %s (%s)\n", r.Seq, r.Status, r.Message)
		}
		return fmt.Sprintf("  Seq: %d, Status: %s\n", r.Seq, r.Status)
	case *Summary:
		return fmt.Sprintf("  Sent: %d, Failed: %d\n", r.Sent, r.Failed)
	case *Abort:
		return fmt.Sprintf("  Reason: %s\n", r.Reason)
	}
	return ""
}

func formatSize(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
