package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyBuffer captures Printf output before a real sink is attached via
	// SetOutputSink, standing in for whatever a console or tty device would
	// otherwise absorb before one exists.
	earlyBuffer earlyLog

	// outputSink is where Printf sends output once attached. Nil means
	// "buffer into earlyBuffer".
	outputSink io.Writer
)

// SetOutputSink directs subsequent Printf calls to w and drains anything
// accumulated in the early scrollback into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		earlyBuffer.WriteTo(w)
	}
}

// Printf writes formatted output to the currently attached sink, or buffers
// it in the early ring buffer if no sink has been attached yet. A real
// freestanding kernel needs an allocation-free formatter here, since it must
// run before its own allocator exists; this module is a hosted simulation of
// the kernel core with no such constraint, so Printf simply delegates to
// fmt.Fprintf.
func Printf(format string, args ...interface{}) {
	Fprintf(Writer(), format, args...)
}

// Fprintf behaves exactly like Printf but writes to w instead of whatever
// sink Printf itself would currently use.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}

// Writer returns the writer Printf currently sends output to: the attached
// sink once SetOutputSink has been called, or the early scrollback before
// that. A subsystem tagging its own output through a PrefixWriter fetches
// the sink this way rather than caching it, since SetOutputSink can attach
// after the subsystem's logger is built.
func Writer() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyBuffer
}
