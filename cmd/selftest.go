// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/camlink/pkg/device"
	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/link"
	"github.com/Thermoquad/camlink/pkg/transport"
)

var (
	selftestSeed int64
	selftestKeep bool
)

// Sizes around the chunk boundaries
var selftestSizes = []int{0, 1, 12, 255, 256, 257, 600, 1024, 4096, 20000}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Round trip a directory through an in-process camera",
	Long: `Run the camera agent and the host link manager in this process over an
in-memory pipe. A generated tree is downloaded from the camera, removed there,
uploaded back, and compared byte for byte at every step.`,
	RunE: runSelftest,
}

func init() {
	selftestCmd.Flags().Int64Var(&selftestSeed, "seed", 0, "Seed for the generated files (0 = time based)")
	selftestCmd.Flags().BoolVar(&selftestKeep, "keep", false, "Keep the temporary directories")
	rootCmd.AddCommand(selftestCmd)
}

func selftestTree(seed int64) map[string][]byte {
	rng := rand.New(rand.NewSource(seed))
	files := make(map[string][]byte)
	for i, size := range selftestSizes {
		data := make([]byte, size)
		rng.Read(data)
		dir := "dcim"
		if i%2 == 1 {
			dir = "dcim/100cam"
		}
		files[fmt.Sprintf("%s/img%04d.raw", dir, i)] = data
	}
	return files
}

func writeTree(root string, files map[string][]byte) error {
	for name, data := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func compareTree(root string, files map[string][]byte) error {
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%s: content differs (%d bytes, want %d)", name, len(got), len(want))
		}
	}
	return nil
}

func runSelftest(cmd *cobra.Command, args []string) error {
	seed := selftestSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	base, err := os.MkdirTemp("", "camlink-selftest-")
	if err != nil {
		return err
	}
	if selftestKeep {
		fmt.Printf("Keeping %s\n", base)
	} else {
		defer os.RemoveAll(base)
	}
	camRoot := filepath.Join(base, "camera")
	hostDir := filepath.Join(base, "host")
	for _, dir := range []string{camRoot, hostDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	files := selftestTree(seed)
	if err := writeTree(camRoot, files); err != nil {
		return err
	}
	fmt.Printf("Seed %d, %d files\n", seed, len(files))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	camEnd, hostEnd := transport.Pipe()
	sessions := make(chan exchange.Session, 4)
	mgr := link.New(
		link.WithLogger(logger),
		link.WithWorkDir(hostDir),
		link.WithCompression(compress),
		link.WithHandler(func(ev link.Event) {
			if s, ok := ev.(link.SessionEvent); ok && s.Session.Finished() {
				sessions <- s.Session
			}
		}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		ep := device.NewEndpoint(camEnd, camRoot,
			device.WithCompression(compress),
			device.WithLogger(logger.Named("camera")))
		return ignoreCancel(device.NewShell(ep, logger.With(zap.String("side", "camera"))).Run(gctx))
	})

	mgr.Connect(hostEnd.Opener())

	result := selftestSteps(ctx, mgr, sessions, camRoot, hostDir, files)

	mgr.Quit()
	camEnd.Close()
	if err := g.Wait(); err != nil && result == nil {
		result = err
	}
	if result != nil {
		fmt.Printf("FAIL: %v\n", result)
		return result
	}
	fmt.Println("PASS")
	return nil
}

func selftestSteps(ctx context.Context, mgr *link.Manager, sessions <-chan exchange.Session, camRoot, hostDir string, files map[string][]byte) error {
	run := func(line string) error {
		start := time.Now()
		mgr.Write([]byte(line + "\r"))
		select {
		case s := <-sessions:
			if s.Err != nil {
				return fmt.Errorf("%s: %w", line, s.Err)
			}
			if err := s.Report.Err(); err != nil {
				return fmt.Errorf("%s: %w", line, err)
			}
			fmt.Printf("  %-20s %s in %s\n", line, s.Report, time.Since(start).Round(time.Millisecond))
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", line, ctx.Err())
		}
	}

	if err := run("download -r dcim"); err != nil {
		return err
	}
	if err := compareTree(hostDir, files); err != nil {
		return fmt.Errorf("after download: %w", err)
	}

	if err := os.RemoveAll(filepath.Join(camRoot, "dcim")); err != nil {
		return err
	}
	if err := run("upload -r dcim"); err != nil {
		return err
	}
	if err := compareTree(camRoot, files); err != nil {
		return fmt.Errorf("after upload: %w", err)
	}
	return nil
}
