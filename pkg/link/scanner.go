// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"github.com/Thermoquad/camlink/pkg/exchange"
	"github.com/Thermoquad/camlink/pkg/handshake"
)

// scanResult is what one read of console bytes turned into.
type scanResult struct {
	console []byte
	queries int
	trigger *exchange.Frame // frame that starts a session
	rest    []byte          // bytes after the trigger, owned by the session
}

// scanner splits the console stream into text for the terminal, capability
// queries to answer and frames that start a transfer.
type scanner struct {
	dec          *exchange.Decoder
	resp         *handshake.Responder
	autoTransfer bool
	answer       bool
	quiet        int
}

func newScanner(autoTransfer, answer bool) *scanner {
	return &scanner{
		dec:          exchange.NewDecoder(),
		resp:         handshake.NewResponder(),
		autoTransfer: autoTransfer,
		answer:       answer,
	}
}

func (s *scanner) Reset() {
	s.dec.Reset()
	s.resp.Flush()
	s.quiet = 0
}

func (s *scanner) text(res *scanResult, p []byte) {
	if len(p) == 0 {
		return
	}
	if !s.answer {
		res.console = append(res.console, p...)
		return
	}
	out, queries := s.resp.Filter(p)
	res.console = append(res.console, out...)
	res.queries += queries
}

func (s *scanner) Feed(p []byte) scanResult {
	var res scanResult
	s.quiet = 0
	if !s.autoTransfer {
		s.text(&res, p)
		return res
	}

	for i, b := range p {
		if s.dec.Idle() && b != exchange.StartByte {
			s.text(&res, p[i:i+1])
			continue
		}
		f, err := s.dec.DecodeByte(b)
		if err != nil {
			// Not a frame after all
			s.text(&res, s.dec.Dropped())
			continue
		}
		if f == nil {
			continue
		}
		switch f.Type() {
		case exchange.FrameRequest, exchange.FrameFile, exchange.FrameEnd:
			res.trigger = f
			res.rest = append([]byte(nil), p[i+1:]...)
			return res
		}
	}
	return res
}

// Idle is called after an empty read. Once the stream has been quiet for a
// while, bytes held back as a possible frame or query are released.
func (s *scanner) Idle() []byte {
	s.quiet++
	if s.quiet < quietFlush {
		return nil
	}
	var out []byte
	if !s.dec.Idle() {
		out = append(out, s.dec.GetRawBytes()...)
		s.dec.Reset()
	}
	if s.answer {
		out = append(out, s.resp.Flush()...)
	}
	return out
}
