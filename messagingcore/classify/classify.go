// Package classify categorises a failure as transient, permanent, or
// unknown, consulted by the retry executor before every retry decision.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/growthmind/meshcore/errs"
)

// Policy is an allow-list/deny-list pair of error-type predicates. An
// allow-list match beats a deny-list match; absent either, built-in
// heuristics apply.
type Policy struct {
	// Retryable, when non-nil, reports whether err should be treated as
	// transient regardless of the deny-list or heuristics.
	Retryable func(err error) bool
	// NonRetryable, when non-nil, reports whether err should be treated
	// as permanent.
	NonRetryable func(err error) bool
}

// Classify returns the kind of err under policy.
func Classify(policy Policy, err error) errs.Kind {
	if err == nil {
		return errs.Unknown
	}

	if policy.Retryable != nil && policy.Retryable(err) {
		return errs.Transient
	}
	if policy.NonRetryable != nil && policy.NonRetryable(err) {
		return errs.Permanent
	}

	return heuristic(err)
}

func heuristic(err error) errs.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Transient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errs.Transient
	}

	var kindErr *errs.Error
	if errors.As(err, &kindErr) {
		switch kindErr.Kind {
		case errs.Transient, errs.Unavailable, errs.KeyUnavailable:
			return errs.Transient
		case errs.Permanent, errs.Invalid, errs.Malformed, errs.BadCredentials:
			return errs.Permanent
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "connection refused", "connection reset", "broken pipe",
		"no route to host", "502", "503", "504", "server error", "unavailable", "temporarily"):
		return errs.Transient
	case containsAny(msg, "validation", "unauthorized", "forbidden", "constraint", "invalid"):
		return errs.Permanent
	}

	return errs.Unknown
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
