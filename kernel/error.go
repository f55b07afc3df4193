// Package kernel provides the types and helpers shared by every memory-core
// subsystem: the error type returned across every memory-subsystem facade, and a couple
// of low-level byte helpers that stand in for what a real allocator would
// otherwise provide.
package kernel

import "fmt"

// Error describes a kernel error. All kernel errors are either declared as
// package-level sentinel values (so callers can compare with ==) or built
// with Errorf when a caller-supplied detail (an address, a size, a path)
// needs to be embedded. This mirrors the rest of the kernel: there is no
// wrapping error chain and no heap-hungry errors.New, because the allocator
// subsystem is itself one of the things this package builds.
type Error struct {
	// Module names the subsystem that raised the error, e.g. "pmm", "vmm",
	// "cow", "swap".
	Module string

	// Message is the human-readable description of the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "[" + e.Module + "] " + e.Message
}

// Errorf builds an *Error with a formatted message.
func Errorf(module, format string, args ...interface{}) *Error {
	return &Error{Module: module, Message: fmt.Sprintf(format, args...)}
}
