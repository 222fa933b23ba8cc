// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/link"
)

var (
	transferRecursive bool
	transferTimeout   time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload PATTERN",
	Short: "Send files from the working directory to the camera",
	Long: `Type "upload PATTERN" into the camera shell and serve the request from
--workdir. PATTERN is relative to the camera's current directory, and the
working directory mirrors the camera root.

Exits non-zero if any file failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer("upload", args[0])
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download PATTERN",
	Short: "Fetch files from the camera into the working directory",
	Long: `Type "download PATTERN" into the camera shell and store what the camera
sends under --workdir, at the same paths it has on the camera.

Exits non-zero if any file failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer("download", args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{uploadCmd, downloadCmd} {
		c.Flags().BoolVarP(&transferRecursive, "recursive", "r", false, "Descend into subdirectories")
		c.Flags().DurationVar(&transferTimeout, "timeout", time.Minute, "Give up if no transfer starts within this time")
		rootCmd.AddCommand(c)
	}
}

func runTransfer(verb, pattern string) error {
	target, err := OpenerFromFlags()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	started := make(chan struct{}, 1)
	finished := make(chan exchange.Session, 1)
	failed := make(chan error, 1)
	var inSession atomic.Bool

	mgr, err := newManager(func(ev link.Event) {
		switch ev := ev.(type) {
		case link.OutputEvent:
			if verbose {
				os.Stderr.Write(ev.Data)
			}
		case link.StateEvent:
			if ev.Err != nil && !inSession.Load() {
				select {
				case failed <- ev.Err:
				default:
				}
			}
		case link.NoticeEvent:
			if verbose {
				fmt.Fprintf(os.Stderr, "[camlink] %s\n", ev.Text)
			}
			// Errors before a session are connection errors
			if ev.Err != nil && !inSession.Load() {
				select {
				case failed <- ev.Err:
				default:
				}
			}
		case link.SessionEvent:
			inSession.Store(true)
			if ev.Session.Finished() {
				select {
				case finished <- ev.Session:
				default:
				}
				return
			}
			select {
			case started <- struct{}{}:
			default:
			}
		case link.ProgressEvent:
			p := ev.Progress
			switch {
			case p.FileDone:
				fmt.Printf("  %-40s %10d bytes  ok\n", p.Path, p.Size)
			case p.FileFailed:
				fmt.Printf("  %-40s attempt %d failed\n", p.Path, p.Attempt)
			}
		}
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})

	line := verb
	if transferRecursive {
		line += " -r"
	}
	line += " " + pattern + "\r"

	fmt.Printf("%s %s via %s\n", verb, pattern, target)
	mgr.Connect(target)
	mgr.Write([]byte(line))

	result := waitTransfer(ctx, started, finished, failed)
	mgr.Quit()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return result
}

// waitTransfer waits for the session to end. The timeout only covers the
// time until the camera starts it.
func waitTransfer(ctx context.Context, started <-chan struct{}, finished <-chan exchange.Session, failed <-chan error) error {
	timeout := time.NewTimer(transferTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-started:
			timeout.Stop()
		case s := <-finished:
			return summarizeSession(s)
		case err := <-failed:
			return err
		case <-timeout.C:
			return fmt.Errorf("no transfer started within %s", transferTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func summarizeSession(s exchange.Session) error {
	report := s.Report
	if report == nil {
		report = &exchange.Report{}
	}
	fmt.Printf("%s in %s: %s\n", s.State, s.Duration().Round(time.Millisecond), report)
	if s.Err != nil {
		return s.Err
	}
	if err := report.Err(); err != nil {
		return err
	}
	return nil
}
