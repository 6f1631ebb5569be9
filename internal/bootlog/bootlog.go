// Package bootlog provides the two logging surfaces the boot pipeline uses:
// a structured slog.Logger for operator-facing diagnostics, and a small
// binary trace ring buffer (modeled on the teacher's internal/debug package)
// that records fine-grained boot-step traces for post-mortem dumping when a
// fatal error parks the machine.
package bootlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Console fans every byte out to all configured output sinks (serial,
// framebuffer glyph renderer, VGA text, firmware ConOut, bochs E9), matching
// the firmware capability layer's console_write contract: "all configured
// outputs receive each byte".
type Console struct {
	mu      sync.Mutex
	writers []io.Writer
}

// NewConsole builds a Console fanning out to the given writers.
func NewConsole(writers ...io.Writer) *Console {
	return &Console{writers: writers}
}

// Add registers an additional output sink at runtime (e.g. once the
// framebuffer has been acquired later in the boot sequence).
func (c *Console) Add(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writers = append(c.writers, w)
}

// Write implements io.Writer, fanning p out to every registered sink. It
// keeps writing to the remaining sinks even if one fails, returning the
// first error encountered.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, w := range c.writers {
		if _, err := w.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(p), firstErr
}

// Errorf writes "ERROR: <msg>\n" to every console, per the error-handling
// design's single-line diagnostic contract. It never halts the machine;
// callers decide whether to continue, retry the backup path, or park.
func (c *Console) Errorf(format string, args ...any) {
	fmt.Fprintf(c, "ERROR: %s\n", fmt.Sprintf(format, args...))
}

// Warnf writes "WARNING: <msg>\n" to every console. Warnings never halt.
func (c *Console) Warnf(format string, args ...any) {
	fmt.Fprintf(c, "WARNING: %s\n", fmt.Sprintf(format, args...))
}

// Infof writes an unprefixed informational line; callers gate chatty
// progress messages on the configured verbosity level.
func (c *Console) Infof(format string, args ...any) {
	fmt.Fprintf(c, "%s\n", fmt.Sprintf(format, args...))
}

// NewLogger returns a slog.Logger whose text handler writes through the
// console fanout, for the same terse key/value logging the teacher uses
// throughout internal/linux/boot and internal/chipset.
func NewLogger(c *Console) *slog.Logger {
	return slog.New(slog.NewTextHandler(c, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// crlfWriter rewrites bare '\n' into "\r\n" for raw serial consoles, exactly
// as the teacher's convertCRLF wraps SerialStdout in internal/linux/boot/loader.go.
type crlfWriter struct {
	io.Writer
}

// WrapCRLF adapts a raw serial writer so text output renders correctly on a
// terminal expecting CRLF line endings.
func WrapCRLF(w io.Writer) io.Writer {
	return &crlfWriter{w}
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	converted := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' {
			converted = append(converted, '\r')
		}
		converted = append(converted, b)
	}
	return c.Writer.Write(converted)
}

// Trace kinds recorded in the binary ring buffer.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

type entry struct {
	off  int64
	data []byte
}

// Ring is a thread-safe, fixed-capacity binary trace buffer. Unlike the
// teacher's file-backed internal/debug.Debug, Ring stays entirely in memory:
// the loader has no durable storage of its own, and the buffer only needs to
// survive until it is dumped to the console on a fatal error.
type Ring struct {
	mu       sync.Mutex
	cap      int
	entries  []entry
	next     atomic.Int64
	overflow atomic.Uint64
}

// NewRing allocates a trace ring able to hold up to capacity entries before
// it starts overwriting the oldest ones.
func NewRing(capacity int) *Ring {
	return &Ring{cap: capacity}
}

func (r *Ring) record(kind Kind, source string, data []byte) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))

	payload := make([]byte, 0, 16+len(source)+len(data))
	payload = append(payload, header...)
	payload = append(payload, source...)
	payload = append(payload, data...)

	off := r.next.Add(1) - 1

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cap > 0 && len(r.entries) >= r.cap {
		r.overflow.Add(1)
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, entry{off: off, data: payload})
}

// Writef records a formatted trace line from source.
func (r *Ring) Writef(source, format string, args ...any) {
	r.record(KindString, source, fmt.Appendf(nil, format, args...))
}

// WriteBytes records a raw trace payload from source.
func (r *Ring) WriteBytes(source string, data []byte) {
	r.record(KindBytes, source, data)
}

// Dump writes every retained entry, oldest first, to w in a human-readable
// form. simpleboot-tool calls it once at exit when -trace is set.
func (r *Ring) Dump(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.overflow.Load(); n > 0 {
		fmt.Fprintf(w, "(dropped %d earlier trace entries)\n", n)
	}
	for _, e := range r.entries {
		kind := Kind(binary.LittleEndian.Uint16(e.data[0:2]))
		srcLen := binary.LittleEndian.Uint16(e.data[2:4])
		dataLen := binary.LittleEndian.Uint32(e.data[4:8])
		ts := int64(binary.LittleEndian.Uint64(e.data[8:16]))
		src := e.data[16 : 16+int(srcLen)]
		data := e.data[16+int(srcLen) : 16+int(srcLen)+int(dataLen)]
		switch kind {
		case KindString:
			fmt.Fprintf(w, "[%d] %s: %s\n", ts, src, data)
		case KindBytes:
			fmt.Fprintf(w, "[%d] %s: % x\n", ts, src, data)
		}
	}
}

// WithSource returns a Debug bound to a fixed source tag, mirroring the
// teacher's debug.WithSource ergonomics.
func (r *Ring) WithSource(source string) Debug {
	return &boundRing{ring: r, source: source}
}

// Debug is the per-source tracing handle returned by Ring.WithSource.
type Debug interface {
	Writef(format string, args ...any)
	WriteBytes(data []byte)
}

type boundRing struct {
	ring   *Ring
	source string
}

func (b *boundRing) Writef(format string, args ...any) { b.ring.Writef(b.source, format, args...) }
func (b *boundRing) WriteBytes(data []byte)             { b.ring.WriteBytes(b.source, data) }
