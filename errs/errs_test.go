package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageHidesCause(t *testing.T) {
	cause := errors.New("postgres: connection refused on 10.0.0.4:5432")
	err := Wrap(Invalid, "verify signature", cause)

	got := err.Error()
	want := "invalid: verify signature"
	if got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestErrorMessageWithoutReason(t *testing.T) {
	err := New(CircuitOpen, "")
	if got, want := err.Error(), "circuit_open"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Unavailable, "dial redis", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestIsFindsKindThroughWrapping(t *testing.T) {
	inner := New(KeyUnavailable, "jwk set unreachable")
	outer := fmt.Errorf("authenticate: %w", inner)

	if !Is(outer, KeyUnavailable) {
		t.Fatalf("Is(outer, KeyUnavailable) = false, want true")
	}
	if Is(outer, Malformed) {
		t.Fatalf("Is(outer, Malformed) = true, want false")
	}
}

func TestIsOnPlainError(t *testing.T) {
	if Is(errors.New("plain"), Invalid) {
		t.Fatalf("Is on a plain error should never match a Kind")
	}
	if Is(nil, Invalid) {
		t.Fatalf("Is(nil, ...) should be false")
	}
}
