// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/camlink/pkg/settings"
)

var saveConfig bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or save the effective settings",
	Long: `Print the settings in effect after applying command line flags to the
settings file. With --save the result is written back, so flags given once
become the new defaults.`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&saveConfig, "save", false, "Write the effective settings to the settings file")
	rootCmd.AddCommand(configCmd)
}

func settingsPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return settings.DefaultPath()
}

// loadSettings reads the settings file and fills every flag the user did
// not set from it.
func loadSettings(cmd *cobra.Command) error {
	path, err := settingsPath()
	if err != nil {
		return err
	}
	s, err := settings.Load(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if !flags.Changed("baud") {
		baudRate = s.Baud
	}
	if !flags.Changed("workdir") {
		workDir = s.WorkingDirectory
	}
	if !flags.Changed("reconnect") {
		autoReconnect = s.AutoReconnect
	}
	if !flags.Changed("compress") {
		compress = s.Compression
	}
	if !flags.Changed("trace") {
		traceFile = s.TraceFile
	}
	if !flags.Changed("log-file") {
		logFile = s.LogFile
	}
	if portName != "" && !flags.Changed("rts-dtr") {
		rtsDTR = s.RTSDTRFor(portName)
	}

	s.Baud = baudRate
	s.WorkingDirectory = workDir
	s.AutoReconnect = autoReconnect
	s.Compression = compress
	s.TraceFile = traceFile
	s.LogFile = logFile
	if portName != "" {
		s.SetRTSDTR(portName, rtsDTR)
		s.LastPort = portName
	}
	if telnetAddr != "" {
		s.LastTelnetHost = telnetAddr
	}
	appSettings = s
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	path, err := settingsPath()
	if err != nil {
		return err
	}

	data, err := toml.Marshal(appSettings)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n%s", path, data)

	if saveConfig {
		if err := appSettings.Save(path); err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", path)
	}
	return nil
}
