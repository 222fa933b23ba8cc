// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/transport"
)

var (
	showAll       bool
	statsInterval int
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze damaged frames on the link",
	Long: `Track frame errors and anomalous records with statistics.

This command validates each transfer frame and detects:
  - CRC errors and decode failures
  - Records that fail to decode
  - Unsafe file paths, oversize chunks and bad ack codes
  - Statistics and trends (frame rate, error rate)

Decode errors are ignored until the first valid frame, since console text
often looks like frame debris. By default only errors are displayed; use
--show-all to display valid frames too.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	target, err := OpenerFromFlags()
	if err != nil {
		return err
	}
	conn, err := target.Open()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("camlink - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", target)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := exchange.NewDecoder()
	stats := exchange.NewStatistics()
	defer func() { fmt.Print("\n" + stats.String()) }()

	// Ignore decode errors until the first valid frame
	synchronized := false
	skippedBeforeSync := 0
	nextStats := time.Now().Add(time.Duration(statsInterval) * time.Second)

	for ctx.Err() == nil {
		data, err := conn.Read(128)
		if err != nil {
			if transport.IsClosed(err) {
				fmt.Println("Connection closed")
				return nil
			}
			return err
		}

		for _, b := range data {
			frame, decodeErr := decoder.DecodeByte(b)
			switch {
			case decodeErr != nil:
				if !synchronized {
					skippedBeforeSync++
					continue
				}
				stats.Update(nil, decodeErr, nil)
				printDecodeError(decodeErr)

			case frame != nil:
				if !synchronized {
					synchronized = true
					if skippedBeforeSync > 0 {
						fmt.Printf("[SYNC] Synchronized after skipping %d damaged frames\n\n", skippedBeforeSync)
					} else {
						fmt.Printf("[SYNC] Synchronized\n\n")
					}
				}

				anomalies := exchange.ValidateFrame(frame)
				stats.Update(frame, nil, anomalies)
				if len(anomalies) > 0 {
					printValidationErrors(frame, anomalies)
				} else if showAll {
					fmt.Print(exchange.FormatFrame(frame))
				}
			}
		}

		if statsInterval > 0 && time.Now().After(nextStats) {
			nextStats = time.Now().Add(time.Duration(statsInterval) * time.Second)
			stats.CalculateRates()
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
	return nil
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(frame *exchange.Frame, anomalies []exchange.ValidationError) {
	timestamp := frame.Timestamp().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X)\n", timestamp, frame.Type(), uint8(frame.Type()))
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, a := range anomalies {
		color := "\033[1;33m"
		if a.Type == exchange.AnomalyUndecodable || a.Type == exchange.AnomalyUnsafePath {
			color = "\033[1;31m"
		}
		fmt.Printf("  Issue %d: %s%s\033[0m (%s)\n", i+1, color, a.Message, a.Type)
	}

	if record, err := exchange.DecodeRecord(frame); err == nil {
		fmt.Printf("  Record: %s\n", exchange.FormatRecord(record))
	}
	fmt.Printf("  >>> FRAME FLAGGED <<<\n\n")
}
