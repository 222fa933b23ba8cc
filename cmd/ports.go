// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/camlink/pkg/transport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE:  runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	for _, p := range ports {
		line := p.Name
		if p.IsUSB {
			line += fmt.Sprintf("  USB %s:%s", p.VID, p.PID)
			if p.Product != "" {
				line += "  " + p.Product
			}
			if p.SerialNumber != "" {
				line += "  S/N " + p.SerialNumber
			}
		}
		if appSettings.RTSDTR[p.Name] {
			line += "  (rts-dtr)"
		}
		fmt.Println(line)
	}
	return nil
}
