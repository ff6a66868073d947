// ABOUTME: Tests for fatal invariant assertions
// ABOUTME: Verifies that violations panic with a recognizable value

package check

import (
	"strings"
	"testing"
)

func TestFatalfPanicsWithViolation(t *testing.T) {
	defer func() {
		r := recover()
		if !IsViolation(r) {
			t.Fatalf("Expected *Violation panic, got %v", r)
		}
		v := r.(*Violation)
		if !strings.Contains(v.Error(), "double free of 0x10") {
			t.Errorf("Unexpected message %q", v.Error())
		}
	}()
	Fatalf("double free of %#x", 0x10)
}

func TestThat(t *testing.T) {
	// A satisfied condition must not panic
	That(true, "never")

	defer func() {
		if r := recover(); !IsViolation(r) {
			t.Errorf("Expected violation, got %v", r)
		}
	}()
	That(false, "broken")
}

func TestIsViolationRejectsOtherPanics(t *testing.T) {
	if IsViolation("plain string") {
		t.Error("plain string should not be a violation")
	}
	if IsViolation(nil) {
		t.Error("nil should not be a violation")
	}
}
