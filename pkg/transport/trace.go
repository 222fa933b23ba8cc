// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
)

// traced logs every byte crossing the wrapped transport.
type traced struct {
	Transport
	log *zap.Logger
}

// Trace wraps t so reads and writes are logged at debug level with both a
// printable rendering and a hex dump.
func Trace(t Transport, log *zap.Logger) Transport {
	if log == nil {
		return t
	}
	return &traced{Transport: t, log: log.Named("trace").With(zap.String("link", t.String()))}
}

func (t *traced) Write(p []byte) (int, error) {
	n, err := t.Transport.Write(p)
	t.dump("tx", p[:max(n, 0)], err)
	return n, err
}

func (t *traced) Read(max int) ([]byte, error) {
	data, err := t.Transport.Read(max)
	if len(data) > 0 || err != nil {
		t.dump("rx", data, err)
	}
	return data, err
}

func (t *traced) dump(dir string, p []byte, err error) {
	if ce := t.log.Check(zap.DebugLevel, dir); ce != nil {
		fields := []zap.Field{
			zap.Int("len", len(p)),
			zap.String("text", printable(p)),
			zap.String("hex", hex.EncodeToString(p)),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		ce.Write(fields...)
	}
}

func printable(p []byte) string {
	var b strings.Builder
	for _, c := range p {
		if c >= 0x20 && c < 0x7F {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}
