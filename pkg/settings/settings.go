// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package settings persists host tool preferences in a TOML file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/Thermoquad/camlink/pkg/transport"
)

// Settings are the user preferences of the host tool.
type Settings struct {
	WorkingDirectory string          `toml:"working_directory"`
	Baud             int             `toml:"baud"`
	TelnetPort       int             `toml:"telnet_port"`
	AutoReconnect    bool            `toml:"auto_reconnect"`
	Compression      bool            `toml:"compression"`
	TraceFile        string          `toml:"trace_file,omitempty"`
	LogFile          string          `toml:"log_file,omitempty"`
	RTSDTR           map[string]bool `toml:"rts_dtr,omitempty"`
	LastPort         string          `toml:"last_port,omitempty"`
	LastTelnetHost   string          `toml:"last_telnet_host,omitempty"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{
		WorkingDirectory: ".",
		Baud:             transport.DefaultBaud,
		TelnetPort:       transport.DefaultTelnetPort,
	}
}

// DefaultPath is camlink/camlink.toml under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "camlink", "camlink.toml"), nil
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := toml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if s.Baud <= 0 {
		s.Baud = transport.DefaultBaud
	}
	if s.TelnetPort <= 0 {
		s.TelnetPort = transport.DefaultTelnetPort
	}
	if s.WorkingDirectory == "" {
		s.WorkingDirectory = "."
	}
	return s, nil
}

// Save writes the settings to path, creating its directory.
func (s *Settings) Save(path string) error {
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// RTSDTRFor returns the RTS/DTR level remembered for port.
func (s *Settings) RTSDTRFor(port string) bool {
	return s.RTSDTR[port]
}

// SetRTSDTR remembers the RTS/DTR level for port.
func (s *Settings) SetRTSDTR(port string, level bool) {
	if s.RTSDTR == nil {
		s.RTSDTR = make(map[string]bool)
	}
	s.RTSDTR[port] = level
}
