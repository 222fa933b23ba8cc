// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/camlink/pkg/transport"
)

var linkCheckDuration int

var linkCheckCmd = &cobra.Command{
	Use:   "link_check",
	Short: "Test raw connection stability",
	Long: `Hold the connection open without sending anything and log what arrives.

Every read is printed as hex with a timestamp and a heartbeat is shown each
second. Useful for debugging bridges and telnet servers that drop idle links.

Exit codes:
  0 - Connection stayed up for the whole duration
  1 - Connection dropped
  2 - Connection error`,
	RunE: runLinkCheck,
}

func init() {
	rootCmd.AddCommand(linkCheckCmd)
	linkCheckCmd.Flags().IntVar(&linkCheckDuration, "duration", 30, "Test duration in seconds")
}

func runLinkCheck(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", target)
	fmt.Printf("Duration: %d seconds\n\n", linkCheckDuration)
	fmt.Printf("Listening for data...\n\n")

	start := time.Now()
	end := start.Add(time.Duration(linkCheckDuration) * time.Second)
	heartbeat := start.Add(time.Second)
	reads, received := 0, 0

	results := func(result string) {
		fmt.Printf("\n--- Test Results ---\n")
		fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("Reads: %d\n", reads)
		fmt.Printf("Bytes received: %d\n", received)
		fmt.Printf("Result: %s\n", result)
	}

	for time.Now().Before(end) {
		data, err := conn.Read(256)
		if err != nil {
			fmt.Printf("\n[%s] Connection error: %v\n", time.Now().Format("15:04:05.000"), err)
			if transport.IsClosed(err) {
				results("FAILED (connection closed)")
			} else {
				results("FAILED (connection error)")
			}
			os.Exit(1)
		}
		if len(data) > 0 {
			reads++
			received += len(data)
			fmt.Printf("[%s] Received %d bytes: %x\n", time.Now().Format("15:04:05.000"), len(data), data)
		}

		if now := time.Now(); now.After(heartbeat) {
			heartbeat = now.Add(time.Second)
			fmt.Printf("[%s] Still connected... (%.0fs remaining)\n",
				now.Format("15:04:05.000"), time.Until(end).Seconds())
		}
	}

	results("PASSED (connection stable)")
	return nil
}
