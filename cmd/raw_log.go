// SPDX-License-Identifier: GPL-2.0-or-later
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

var rawLogText bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display transfer frames seen on the link",
	Long: `Continuously decode and display transfer frames as they arrive.

Each frame is shown with timestamp, type and decoded payload; frames failing
validation are flagged. Console text between frames is hidden unless --text
is given. Statistics are printed on exit.

Supports serial, telnet and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rawLogCmd.Flags().BoolVar(&rawLogText, "text", false, "Also print console text outside frames")
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("camlink - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", target)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := exchange.NewStatistics()
	defer func() { fmt.Print("\n" + stats.String()) }()

	// Telnet needs the peer to answer first
	for !conn.IsOpen() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}

	decoder := exchange.NewDecoder()
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
			idle := decoder.Idle()
			frame, err := decoder.DecodeByte(b)
			if err != nil {
				stats.Update(nil, err, nil)
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if frame == nil {
				if rawLogText && idle && decoder.Idle() {
					os.Stdout.Write([]byte{b})
				}
				continue
			}

			anomalies := exchange.ValidateFrame(frame)
			stats.Update(frame, nil, anomalies)
			fmt.Print(exchange.FormatFrame(frame))
			for _, a := range anomalies {
				fmt.Printf("  [%s] %s\n", a.Type, a.Message)
			}
		}
	}
	return nil
}
