// ABOUTME: Fatal invariant assertions shared by every heap component
// ABOUTME: Violations log a diagnostic and panic; they are never returned as errors

// Package check reports heap invariant violations. A violation means a
// collaborator corrupted the heap (bad write barrier, bad root enumeration,
// double free) and execution must not continue.
package check

import (
	"fmt"
	"log/slog"
)

// Violation is the panic value raised by Fatalf.
type Violation struct {
	Msg string
}

func (v *Violation) Error() string {
	return "fatal heap invariant violation: " + v.Msg
}

// Fatalf logs the formatted message and panics with a *Violation.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Default().Error("fatal", "msg", msg)
	panic(&Violation{Msg: msg})
}

// FatalOOM reports an out-of-memory condition that cannot be recovered from,
// e.g. a chunk allocation failing before the heap finished bootstrapping.
func FatalOOM(location string) {
	Fatalf("out of memory: %s", location)
}

// That panics with a *Violation when cond is false.
func That(cond bool, format string, args ...any) {
	if !cond {
		Fatalf(format, args...)
	}
}

// IsViolation reports whether a recovered panic value is a *Violation.
func IsViolation(r any) bool {
	_, ok := r.(*Violation)
	return ok
}
