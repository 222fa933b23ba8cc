// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// camlink - camera console and file transfer tool
//
// Keeps a console session with a camera open over serial, telnet or a
// WebSocket bridge and moves files over the same channel.

package main

import (
	"os"

	"github.com/Thermoquad/camlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
