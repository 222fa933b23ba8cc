// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/Thermoquad/camlink/pkg/transport"
)

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("CAMLINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// parseTelnetAddr splits host[:port], using the configured telnet port when
// none is given.
func parseTelnetAddr(addr string, defPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port
		return addr, defPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid telnet port %q", portStr)
	}
	return host, port, nil
}

// OpenerFromFlags builds the connection target from the connection flags.
// Nothing is opened yet; the link manager does that.
func OpenerFromFlags() (transport.Opener, error) {
	switch {
	case wsURL != "":
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, err
			}
		}
		return transport.WebSocketConfig{
			URL:           wsURL,
			Username:      wsUsername,
			Password:      password,
			SkipSSLVerify: wsNoSSLVerify,
		}, nil

	case telnetAddr != "":
		host, port, err := parseTelnetAddr(telnetAddr, appSettings.TelnetPort)
		if err != nil {
			return nil, err
		}
		return transport.TelnetConfig{Host: host, Port: port, DSCP: telnetDSCP}, nil

	case portName != "":
		return transport.SerialConfig{Port: portName, Baud: baudRate, RTSDTR: rtsDTR}, nil
	}

	return nil, fmt.Errorf("one of --port, --telnet or --url must be specified")
}

// newFileLogger returns a logger writing JSON lines to path.
func newFileLogger(path string, level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// setup runs before every command: settings first, then the logger.
func setup(cmd *cobra.Command, args []string) error {
	if err := loadSettings(cmd); err != nil {
		return err
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	if logFile != "" {
		l, err := newFileLogger(logFile, level)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logger = l
	}
	return nil
}

// traceLogger returns the byte trace logger, or nil when tracing is off.
func traceLogger() (*zap.Logger, error) {
	if traceFile == "" {
		return nil, nil
	}
	return newFileLogger(traceFile, zapcore.DebugLevel)
}
