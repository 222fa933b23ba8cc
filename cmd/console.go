// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Thermoquad/camlink/pkg/link"
	"github.com/Thermoquad/camlink/pkg/transport"
)

// Ctrl-] leaves the plain console, as in telnet.
const plainEscape = 0x1D

var plainConsole bool

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console with automatic file transfers",
	Long: `Open the camera console in a terminal UI.

Keystrokes go to the camera. Transfers started from the camera shell
("upload PATTERN", "download PATTERN") are served from and into --workdir
without leaving the console.

Keys:
  F2   reconnect          F3   disconnect
  F5   wait for upload    F6   wait for download
  PgUp/PgDn  scroll       Ctrl+Q quit

With --plain, or when stdout is not a terminal, the console is passed
through unchanged; Ctrl+] quits.`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().BoolVar(&plainConsole, "plain", false, "Raw pass-through console without the TUI")
	rootCmd.AddCommand(consoleCmd)
}

// newManager builds a link manager from the persistent flags.
func newManager(handler link.Handler) (*link.Manager, error) {
	trace, err := traceLogger()
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return link.New(
		link.WithHandler(handler),
		link.WithLogger(logger),
		link.WithTrace(trace),
		link.WithWorkDir(workDir),
		link.WithAutoReconnect(autoReconnect),
		link.WithCompression(compress),
	), nil
}

func runConsole(cmd *cobra.Command, args []string) error {
	target, err := OpenerFromFlags()
	if err != nil {
		return err
	}

	if plainConsole || !term.IsTerminal(int(os.Stdout.Fd())) {
		return runPlainConsole(target)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	var p *tea.Program
	mgr, err := newManager(func(ev link.Event) {
		p.Send(managerEventMsg{event: ev})
	})
	if err != nil {
		return err
	}

	m := initialConsoleModel(mgr, target)
	p = tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer p.Quit()
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		defer mgr.Quit()
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("TUI error: %v", err)
		}
		return nil
	})

	mgr.Connect(target)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runPlainConsole copies the console to stdout and stdin to the camera.
func runPlainConsole(target transport.Opener) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, err := newManager(func(ev link.Event) {
		switch ev := ev.(type) {
		case link.OutputEvent:
			os.Stdout.Write(ev.Data)
		case link.NoticeEvent:
			fmt.Fprintf(os.Stderr, "\r\n[camlink] %s\r\n", ev.Text)
		case link.ReconnectEvent:
			fmt.Fprintf(os.Stderr, "\r\n[camlink] reconnecting in %s\r\n", ev.In)
		case link.ProgressEvent:
			if ev.Progress.FileDone || ev.Progress.FileFailed {
				status := "ok"
				if ev.Progress.FileFailed {
					status = "FAILED"
				}
				fmt.Fprintf(os.Stderr, "[camlink] %s %s\r\n", ev.Progress.Path, status)
			}
		}
	})
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(fd, old)
		fmt.Fprint(os.Stderr, "[camlink] Ctrl+] to quit\r\n")
	}

	// Stdin cannot be interrupted, so the reader is left running on exit.
	go func() {
		defer mgr.Quit()
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			for i := 0; i < n; i++ {
				if buf[i] == plainEscape {
					if i > 0 {
						mgr.Write(buf[:i])
					}
					return
				}
			}
			if n > 0 {
				mgr.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	mgr.Connect(target)
	if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
