// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Thermoquad/camlink/pkg/device"
	"github.com/Thermoquad/camlink/pkg/transport"
)

var (
	agentRoot     string
	agentListen   string
	agentStdio    bool
	agentSyslog   string
	agentWatchdog time.Duration
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the camera side of the console on this machine",
	Long: `Serve a camera style shell with upload and download support, rooted at
--root. Useful as a simulator and as a peer for testing the host tool.

Console modes:
  Serial: --port /dev/ttyUSB1 [--baud 115200]
  Telnet: --listen :2323
  Stdio:  --stdio

The agent logs to a rotating syslog (4 backups) under the root unless
--syslog is empty.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentRoot, "root", ".", "Directory served as the camera filesystem")
	agentCmd.Flags().StringVar(&agentListen, "listen", "", "Serve telnet consoles on this address")
	agentCmd.Flags().BoolVar(&agentStdio, "stdio", false, "Use stdin/stdout as the console")
	agentCmd.Flags().StringVar(&agentSyslog, "syslog", "syslog.log", "Syslog file, relative to --root")
	agentCmd.Flags().DurationVar(&agentWatchdog, "watchdog", 30*time.Second, "Reset a console that stops feeding the watchdog")
	rootCmd.AddCommand(agentCmd)
}

// agentLogger writes the syslog through a size rotated file.
func agentLogger() *zap.Logger {
	if agentSyslog == "" {
		return logger
	}
	path := agentSyslog
	if !filepath.IsAbs(path) {
		path = filepath.Join(agentRoot, path)
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    1, // megabytes
		MaxBackups: 4,
	})
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level))
}

func runAgent(cmd *cobra.Command, args []string) error {
	info, err := os.Stat(agentRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", agentRoot)
	}

	log := agentLogger().Named("agent")
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case agentListen != "":
		return serveTelnet(ctx, log)
	case agentStdio:
		console := transport.NewStream("stdio", os.Stdin, os.Stdout)
		defer console.Close()
		return ignoreCancel(serveConsole(ctx, console, log))
	case portName != "":
		return serveSerial(ctx, log)
	}
	return fmt.Errorf("one of --listen, --stdio or --port must be specified")
}

// serveConsole runs a shell until it exits. The watchdog resets the
// console by cancelling the shell.
func serveConsole(ctx context.Context, console transport.Transport, log *zap.Logger) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wd *device.SoftWatchdog
	wd = device.NewSoftWatchdog(agentWatchdog, func() {
		log.Error("watchdog expired", zap.Stringer("console", console), zap.Uint64("feeds", wd.Feeds()))
		cancel()
		console.CancelRead()
	})
	wd.Start()
	defer wd.Stop()

	ep := device.NewEndpoint(console, agentRoot,
		device.WithWatchdog(wd),
		device.WithCompression(compress),
		device.WithLogger(log))

	log.Info("console open", zap.Stringer("console", console))
	err := device.NewShell(ep, log).Run(cctx)
	log.Info("console closed", zap.Stringer("console", console), zap.Error(err))
	return err
}

func serveSerial(ctx context.Context, log *zap.Logger) error {
	port, err := transport.OpenSerial(transport.SerialConfig{Port: portName, Baud: baudRate, RTSDTR: rtsDTR})
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Serving %s from %s\n", port, agentRoot)
	for ctx.Err() == nil && port.IsOpen() {
		err := serveConsole(ctx, port, log)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		// exit or a watchdog reset starts a new shell
	}
	return nil
}

func serveTelnet(ctx context.Context, log *zap.Logger) error {
	ln, err := net.Listen("tcp", agentListen)
	if err != nil {
		return err
	}
	fmt.Printf("Serving telnet on %s from %s\n", ln.Addr(), agentRoot)

	lctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(lctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("accept failed", zap.Error(err))
			}
			break
		}
		console, err := transport.NewTelnetServer(conn)
		if err != nil {
			log.Warn("telnet setup failed", zap.Error(err))
			continue
		}
		g.Go(func() error {
			defer console.Close()
			if err := serveConsole(gctx, console, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("console failed", zap.Error(err))
			}
			return nil
		})
	}
	stop()
	return ignoreCancel(g.Wait())
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
