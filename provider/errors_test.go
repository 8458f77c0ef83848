package provider

import (
	"errors"
	"testing"
)

func TestErrnoString(t *testing.T) {
	if ErrAgain.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
	if got := Errno(4242).String(); got != "Unknown error 4242" {
		t.Fatalf("unexpected unknown errno text %q", got)
	}
	if ErrTimedOut.Name() != "FI_ETIMEDOUT" {
		t.Fatalf("unexpected symbolic name %s", ErrTimedOut.Name())
	}
}

func TestErrnoWithOp(t *testing.T) {
	err := ErrNoKey.WithOp("fi_mr_reg")
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected wrapped errno, got %v", err)
	}
	if err.Error() != "fi_mr_reg: Required key not available" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if ErrAgain.WithOp("") != error(ErrAgain) {
		t.Fatalf("expected bare errno when op is empty")
	}
}
