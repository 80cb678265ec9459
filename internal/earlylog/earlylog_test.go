package earlylog

import (
	"log/slog"
	"strings"
	"testing"
)

type fakeFramebuffer struct {
	cleared int
	rows    []string
}

func newFakeFramebuffer(rows int) *fakeFramebuffer {
	return &fakeFramebuffer{rows: make([]string, rows)}
}

func (f *fakeFramebuffer) Clear() {
	f.cleared++
	for i := range f.rows {
		f.rows[i] = ""
	}
}

func (f *fakeFramebuffer) DrawRow(row int, text string) {
	f.rows[row] = text
}

func TestWriteWrapsAtColumnWidth(t *testing.T) {
	fb := newFakeFramebuffer(4)
	l := New(fb, 5, 4)

	if _, err := l.Write([]byte("abcdefgh")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if fb.rows[2] != "abcde" || fb.rows[3] != "fgh" {
		t.Fatalf("unexpected wrap: rows=%v", fb.rows)
	}
}

func TestWriteScrollsOldestRowOut(t *testing.T) {
	fb := newFakeFramebuffer(2)
	l := New(fb, 10, 2)

	if _, err := l.Write([]byte("first\nsecond\nthird\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if fb.rows[0] != "second" || fb.rows[1] != "third" {
		t.Fatalf("expected scroll to drop the oldest row: rows=%v", fb.rows)
	}
}

func TestWriteRedrawsOnEveryCall(t *testing.T) {
	fb := newFakeFramebuffer(3)
	l := New(fb, 10, 3)

	l.Write([]byte("one\n"))
	l.Write([]byte("two\n"))

	if fb.cleared != 2 {
		t.Fatalf("cleared = %d, want 2", fb.cleared)
	}
}

func TestNewSlogWritesThroughToFramebuffer(t *testing.T) {
	fb := newFakeFramebuffer(4)
	log := NewSlog(fb, 40, 4)
	log.Info("booting")

	joined := strings.Join(fb.rows, "\n")
	if !strings.Contains(joined, "booting") {
		t.Fatalf("expected framebuffer to contain the logged message, rows=%v", fb.rows)
	}
}

func TestFatalHaltsAfterLogging(t *testing.T) {
	orig := halt
	defer func() { halt = orig }()

	halted := false
	halt = func() { halted = true }

	fb := newFakeFramebuffer(4)
	log := NewSlog(fb, 40, 4)
	Fatal(log, "unrecoverable", slog.String("reason", "test"))

	if !halted {
		t.Fatal("expected halt to be invoked")
	}
	joined := strings.Join(fb.rows, "\n")
	if !strings.Contains(joined, "unrecoverable") {
		t.Fatalf("expected the fatal message to be logged before halting: rows=%v", fb.rows)
	}
}
