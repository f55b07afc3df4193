package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfBuffersBeforeSinkAttached(t *testing.T) {
	defer SetOutputSink(nil)

	earlyBuffer = earlyLog{}
	Printf("frame %d free\n", 42)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != "frame 42 free\n" {
		t.Fatalf("expected buffered output to flush to sink, got %q", got)
	}
}

func TestPrintfWritesDirectlyOnceSinkAttached(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	Printf("pressure=%s\n", "HIGH")

	if got := buf.String(); got != "pressure=HIGH\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestPrefixWriter(t *testing.T) {
	var buf bytes.Buffer
	pw := &PrefixWriter{Sink: &buf, Prefix: []byte("[swap] ")}

	pw.Write([]byte("on\nout 4\n"))

	want := "[swap] on\n[swap] out 4\n"
	if got := buf.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrefixWriterPrefixesSplitLineOnce(t *testing.T) {
	var buf bytes.Buffer
	pw := &PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}

	pw.Write([]byte("mapped "))
	pw.Write([]byte("0x1000\nnext\n"))

	want := "[vmm] mapped 0x1000\n[vmm] next\n"
	if got := buf.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEarlyLogDropsOldestOnOverflow(t *testing.T) {
	var l earlyLog

	filler := bytes.Repeat([]byte{'x'}, earlyLogSize)
	l.Write(filler)
	l.Write([]byte("tail"))

	var buf bytes.Buffer
	if _, err := l.WriteTo(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := buf.String()
	if len(got) != earlyLogSize {
		t.Fatalf("expected %d retained bytes, got %d", earlyLogSize, len(got))
	}
	if got[len(got)-4:] != "tail" {
		t.Fatalf("expected the newest bytes to survive the overflow, got tail %q", got[len(got)-4:])
	}

	// a drained scrollback must be empty.
	buf.Reset()
	if _, err := l.WriteTo(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected an empty scrollback after draining, got %d bytes", buf.Len())
	}
}
