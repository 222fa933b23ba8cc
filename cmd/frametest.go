// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/camlink/pkg/exchange"
)

var frameTestTimeout int

var frameTestCmd = &cobra.Command{
	Use:   "frame_test",
	Short: "Test the link by waiting for a valid transfer frame",
	Long: `Wait for a valid transfer frame on the connection until timeout.

Console text and damaged frames are skipped; the command succeeds on the first
frame that passes the CRC check. Start a transfer on the camera (for example
"upload *") to produce one.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error`,
	RunE: runFrameTest,
}

func init() {
	rootCmd.AddCommand(frameTestCmd)
	frameTestCmd.Flags().IntVar(&frameTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runFrameTest(cmd *cobra.Command, args []string) error {
	target, err := OpenerFromFlags()
	if err != nil {
		return err
	}
	conn, err := target.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("camlink - Frame Test\n")
	fmt.Printf("Connection: %s\n", target)
	fmt.Printf("Timeout: %d seconds\n", frameTestTimeout)
	fmt.Printf("Waiting for a valid transfer frame...\n\n")

	decoder := exchange.NewDecoder()
	deadline := time.Now().Add(time.Duration(frameTestTimeout) * time.Second)
	skipped := 0

	for time.Now().Before(deadline) {
		data, err := conn.Read(128)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			os.Exit(2)
		}

		for _, b := range data {
			frame, decodeErr := decoder.DecodeByte(b)
			if decodeErr != nil {
				skipped++
				continue
			}
			if frame == nil {
				continue
			}

			if skipped > 0 {
				fmt.Printf("(skipped %d damaged frames)\n", skipped)
			}
			fmt.Printf("SUCCESS: Received valid frame\n")
			fmt.Printf("  Type: %s (0x%02X)\n", frame.Type(), uint8(frame.Type()))
			fmt.Printf("  Length: %d bytes\n", frame.Length())
			fmt.Printf("  CRC: 0x%04X\n", frame.CRC())
			os.Exit(0)
		}
	}

	fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", frameTestTimeout)
	os.Exit(1)
	return nil
}
