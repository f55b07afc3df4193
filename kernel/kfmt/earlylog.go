// Package kfmt provides the logging primitives used by every memory-core
// subsystem to report initialization progress, statistics dumps, and
// corruption diagnostics: a bounded scrollback that captures output before a
// real sink (console, log file, test buffer) is attached, plus a prefix
// writer so each subsystem's lines are tagged (e.g. "[pmm] ...",
// "[swap] ...").
package kfmt

import "io"

// earlyLogSize bounds how much output is retained before a sink is
// attached; once full, the oldest bytes are dropped.
const earlyLogSize = 4096

// earlyLog is a bounded scrollback for output produced before SetOutputSink
// attaches a real sink: writes never fail and never block, and when the
// buffer is full the oldest retained bytes are discarded to make room. It
// is drained exactly once, into the first sink attached.
type earlyLog struct {
	buf   [earlyLogSize]byte
	start int // index of the oldest retained byte
	n     int // number of retained bytes
}

// Write appends p to the scrollback, discarding from the oldest end
// whenever the buffer is full.
func (l *earlyLog) Write(p []byte) (int, error) {
	for _, b := range p {
		l.buf[(l.start+l.n)%earlyLogSize] = b
		if l.n < earlyLogSize {
			l.n++
		} else {
			l.start = (l.start + 1) % earlyLogSize
		}
	}
	return len(p), nil
}

// WriteTo drains every retained byte into w, oldest first, leaving the
// scrollback empty. At most two sink writes are issued: the retained range
// wraps the end of the buffer at most once.
func (l *earlyLog) WriteTo(w io.Writer) (int64, error) {
	var drained int64
	for l.n > 0 {
		end := l.start + l.n
		if end > earlyLogSize {
			end = earlyLogSize
		}
		m, err := w.Write(l.buf[l.start:end])
		l.start = (l.start + m) % earlyLogSize
		l.n -= m
		drained += int64(m)
		if err != nil {
			return drained, err
		}
	}
	l.start = 0
	return drained, nil
}
