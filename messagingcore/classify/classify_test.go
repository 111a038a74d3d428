package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/growthmind/meshcore/errs"
)

func TestClassifyAllowListBeatsDenyListAndHeuristics(t *testing.T) {
	sentinel := errors.New("weird but known-safe-to-retry error")
	policy := Policy{
		Retryable:    func(err error) bool { return errors.Is(err, sentinel) },
		NonRetryable: func(err error) bool { return true }, // would otherwise classify everything Permanent
	}

	if got := Classify(policy, sentinel); got != errs.Transient {
		t.Fatalf("Classify() = %v, want Transient", got)
	}
}

func TestClassifyDenyListBeatsHeuristics(t *testing.T) {
	timeoutErr := fmt.Errorf("operation timeout: %w", context.DeadlineExceeded)
	policy := Policy{
		NonRetryable: func(err error) bool { return true },
	}

	if got := Classify(policy, timeoutErr); got != errs.Permanent {
		t.Fatalf("Classify() = %v, want Permanent", got)
	}
}

func TestClassifyHeuristicDeadlineExceededIsTransient(t *testing.T) {
	if got := Classify(Policy{}, context.DeadlineExceeded); got != errs.Transient {
		t.Fatalf("Classify() = %v, want Transient", got)
	}
}

func TestClassifyHeuristicNetErrorIsTransient(t *testing.T) {
	var netErr net.Error = &net.DNSError{Err: "no such host", IsTimeout: true}
	if got := Classify(Policy{}, netErr); got != errs.Transient {
		t.Fatalf("Classify() = %v, want Transient", got)
	}
}

func TestClassifyHeuristicKindErrorsMapDirectly(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"key unavailable maps transient", errs.New(errs.KeyUnavailable, "jwk set down"), errs.Transient},
		{"unavailable maps transient", errs.New(errs.Unavailable, "broker down"), errs.Transient},
		{"invalid maps permanent", errs.New(errs.Invalid, "bad claims"), errs.Permanent},
		{"bad credentials maps permanent", errs.New(errs.BadCredentials, "signature mismatch"), errs.Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(Policy{}, tc.err); got != tc.want {
				t.Fatalf("Classify() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifyHeuristicStringMatching(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want errs.Kind
	}{
		{"connection refused", "dial tcp: connection refused", errs.Transient},
		{"service unavailable", "upstream returned 503 service unavailable", errs.Transient},
		{"validation failure", "validation failed: missing field", errs.Permanent},
		{"unauthorized", "request unauthorized", errs.Permanent},
		{"genuinely unknown", "the whoosit collapsed", errs.Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(Policy{}, errors.New(tc.msg)); got != tc.want {
				t.Fatalf("Classify(%q) = %v, want %v", tc.msg, got, tc.want)
			}
		})
	}
}

func TestClassifyNilErrorIsUnknown(t *testing.T) {
	if got := Classify(Policy{}, nil); got != errs.Unknown {
		t.Fatalf("Classify(nil) = %v, want Unknown", got)
	}
}
