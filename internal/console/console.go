// Package console is the byte-oriented output collaborator used for
// diagnostics: a PL011 driver, an in-memory capture and adapters to
// io.Writer and log/slog.
package console

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
)

// Console accepts one byte at a time.
type Console interface {
	WriteByte(b byte) error
	Flush() error
}

// Writer adapts a Console to io.Writer. Each Write is emitted without
// interleaving with other writes through the same Writer, and "\n" becomes
// "\r\n" when CRLF is set.
type Writer struct {
	mu   sync.Mutex
	c    Console
	crlf bool
}

func NewWriter(c Console, crlf bool) *Writer {
	return &Writer{c: c, crlf: crlf}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, b := range p {
		if b == '\n' && w.crlf {
			if err := w.c.WriteByte('\r'); err != nil {
				return i, err
			}
		}
		if err := w.c.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.Flush()
}

// NewLogger returns a text logger writing to c.
func NewLogger(c Console, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(NewWriter(c, false), &slog.HandlerOptions{Level: level}))
}

// Buffer is a Console that keeps everything written to it.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) WriteByte(c byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.WriteByte(c)
}

func (b *Buffer) Flush() error { return nil }

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// Discard drops every byte.
var Discard Console = discard{}

type discard struct{}

func (discard) WriteByte(byte) error { return nil }
func (discard) Flush() error         { return nil }

var (
	_ io.Writer = (*Writer)(nil)
	_ Console   = (*Buffer)(nil)
)
