// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/camlink/pkg/settings"
)

var (
	// Serial connection flags
	portName string
	baudRate int
	rtsDTR   bool

	// Telnet connection flags
	telnetAddr string
	telnetDSCP int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Host flags
	workDir       string
	configPath    string
	logFile       string
	traceFile     string
	verbose       bool
	autoReconnect bool
	compress      bool

	appSettings *settings.Settings
	logger      = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "camlink",
	Short: "Camera console and file transfer tool",
	Long: `camlink - keeps a console session with a camera alive and transfers files over it.

The same serial line or telnet session is used for the interactive console and
for file transfers. Typing "upload PATTERN" or "download PATTERN" in the camera
shell starts a transfer; the host side answers automatically.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200] [--rts-dtr]
  Telnet:    --telnet 192.168.4.1[:23]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the CAMLINK_PASSWORD
environment variable, or prompted interactively if not set.

Defaults come from the settings file (see "camlink config").`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")
	rootCmd.PersistentFlags().BoolVar(&rtsDTR, "rts-dtr", false, "Level of RTS and DTR on open (serial only, remembered per port)")

	// Telnet connection flags
	rootCmd.PersistentFlags().StringVarP(&telnetAddr, "telnet", "t", "", "Telnet host[:port]")
	rootCmd.PersistentFlags().IntVar(&telnetDSCP, "dscp", 0, "DSCP mark for telnet traffic (0 = none)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Host flags
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "w", ".", "Host directory mirroring the camera filesystem")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file (default $XDG_CONFIG_HOME/camlink/camlink.toml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write the log to this file")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace", "", "Write a byte trace of the link to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&autoReconnect, "reconnect", false, "Reconnect automatically after link loss")
	rootCmd.PersistentFlags().BoolVar(&compress, "compress", false, "Compress file chunks sent to the camera")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
