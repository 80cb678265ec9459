// Package earlylog is the kernel's only logging sink before any driver
// model exists: a fixed-size text grid scrolled across a linear framebuffer,
// written to through the standard library's log/slog so kernel code logs
// exactly the way the rest of this module does.
package earlylog

import (
	"log/slog"
	"sync"
)

// Framebuffer is the minimal surface earlylog needs from whatever owns the
// actual pixels: clear it, then draw one fixed-height text row at a time.
// cmd/kernel supplies the real implementation; tests use a recording stub.
type Framebuffer interface {
	Clear()
	DrawRow(row int, text string)
}

// Logger is an io.Writer backing a scrolled text grid: writes are split on
// '\n' and wrapped at cols characters, with the oldest row dropped off the
// top once the grid fills past rows.
type Logger struct {
	mu   sync.Mutex
	fb   Framebuffer
	rows []string
	cols int
}

// New creates a Logger with the given grid dimensions.
func New(fb Framebuffer, cols, rows int) *Logger {
	return &Logger{fb: fb, rows: make([]string, rows), cols: cols}
}

// Write implements io.Writer so *Logger can back a log/slog handler
// directly via slog.NewTextHandler(logger, nil). Each call is wrapped and
// scrolled independently: slog.TextHandler always writes one complete,
// newline-terminated record per call, so there is no partial line to carry
// across calls.
func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	var line string
	for _, r := range string(p) {
		if r == '\n' {
			out = append(out, line)
			line = ""
			continue
		}
		line += string(r)
		if len(line) >= l.cols {
			out = append(out, line)
			line = ""
		}
	}
	if line != "" {
		out = append(out, line)
	}

	l.scrollIn(out)
	l.redraw()
	return len(p), nil
}

// scrollIn rotates the completed lines in, dropping the oldest rows off the
// top — the same shape as a ring buffer rotate-left.
func (l *Logger) scrollIn(out []string) {
	n := len(out)
	if n >= len(l.rows) {
		copy(l.rows, out[n-len(l.rows):])
		return
	}
	copy(l.rows, l.rows[n:])
	copy(l.rows[len(l.rows)-n:], out)
}

func (l *Logger) redraw() {
	l.fb.Clear()
	for i, row := range l.rows {
		l.fb.DrawRow(i, row)
	}
}

// NewSlog wraps fb in a Logger and returns a *slog.Logger writing to it as
// plain text, the kernel's sole logging handle before any richer sink
// exists.
func NewSlog(fb Framebuffer, cols, rows int) *slog.Logger {
	return slog.New(slog.NewTextHandler(New(fb, cols, rows), &slog.HandlerOptions{}))
}

// halt is the CPU halt primitive backing Fatal: a busy loop that never
// returns, so a caller stops making progress rather than falling through
// into undefined state. Tests replace it to observe the call.
var halt = func() {
	for {
	}
}

// Fatal logs msg at Error level and halts forever: the kernel has no
// recovery path once earlylog is the only sink left, so there is nowhere
// else for a fatal condition to go.
func Fatal(log *slog.Logger, msg string, args ...any) {
	log.Error(msg, args...)
	halt()
}
