// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/transport"
)

// Shell is a minimal line oriented console in front of an Endpoint.
type Shell struct {
	ep      *Endpoint
	console transport.Transport
	prompt  string
	log     *zap.Logger
}

// NewShell creates a shell on the endpoint console.
func NewShell(ep *Endpoint, log *zap.Logger) *Shell {
	if log == nil {
		log = zap.NewNop()
	}
	return &Shell{ep: ep, console: ep.console, prompt: "=> ", log: log}
}

func (s *Shell) write(text string) error {
	_, err := s.console.Write([]byte(text))
	return err
}

// Run reads command lines until exit, a lost console or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	if err := s.write(s.prompt); err != nil {
		return err
	}
	var line []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.ep.feed()
		data, err := s.console.Read(64)
		if err != nil {
			if transport.IsClosed(err) {
				return nil
			}
			return err
		}
		for _, b := range data {
			switch b {
			case '\r', '\n':
				if b == '\n' && len(line) == 0 {
					continue
				}
				if err := s.write("\r\n"); err != nil {
					return err
				}
				quit := s.Execute(ctx, string(line))
				line = line[:0]
				if quit {
					return nil
				}
				if err := s.write(s.prompt); err != nil {
					return err
				}
			case 0x7F, 0x08:
				if len(line) > 0 {
					line = line[:len(line)-1]
					_ = s.write("\b \b")
				}
			case exchange.InterruptByte:
				line = line[:0]
				_ = s.write("^C\r\n" + s.prompt)
			default:
				if b >= 0x20 && b < 0x7F {
					line = append(line, b)
					_ = s.write(string(b))
				}
			}
		}
	}
}

// Execute runs one command line and reports whether the shell should end.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	s.log.Debug("shell command", zap.Strings("args", args))

	switch args[0] {
	case "exit", "quit":
		return true
	case "pwd":
		s.println(s.ep.Cwd())
	case "cd":
		dir := "/"
		if len(args) > 1 {
			dir = args[1]
		}
		if err := s.ep.Chdir(dir); err != nil {
			s.println(err.Error())
		}
	case "ls":
		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}
		s.list(dir)
	case "upload", "download":
		recursive, pattern, err := parseTransferArgs(args[1:])
		if err != nil {
			s.println(err.Error())
			return false
		}
		if args[0] == "upload" {
			err = s.ep.Upload(ctx, pattern, recursive)
		} else {
			err = s.ep.Download(ctx, pattern, recursive)
		}
		if err != nil && !errors.Is(err, exchange.ErrNotCapable) {
			s.log.Warn("transfer failed", zap.String("command", args[0]), zap.Error(err))
		}
	case "help":
		s.println("commands: upload [-r] PATTERN, download [-r] PATTERN, ls [DIR], cd DIR, pwd, exit")
	default:
		s.println(fmt.Sprintf("%s: unknown command", args[0]))
	}
	return false
}

func parseTransferArgs(args []string) (recursive bool, pattern string, err error) {
	for _, a := range args {
		switch {
		case a == "-r":
			recursive = true
		case pattern == "":
			pattern = a
		default:
			return false, "", fmt.Errorf("too many arguments")
		}
	}
	if pattern == "" {
		return false, "", fmt.Errorf("usage: [-r] PATTERN")
	}
	return recursive, pattern, nil
}

func (s *Shell) println(text string) {
	_ = s.write(text + "\r\n")
}

func (s *Shell) list(dir string) {
	rel := path.Join(s.ep.cwd, dir)
	if path.IsAbs(dir) {
		rel = strings.TrimPrefix(path.Clean(dir), "/")
	}
	full, err := exchange.Resolve(s.ep.root, rel)
	if err != nil {
		s.println(err.Error())
		return
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		s.println(err.Error())
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			s.println(e.Name() + "/")
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.println(fmt.Sprintf("%8d  %s", info.Size(), e.Name()))
	}
}
