package syncq

import (
	"context"
	"errors"
	"net"
	"strings"
)

// connectivityTerms are matched case-insensitively against error messages that
// carry no typed classification. "ecconn" is the historical term; "econn" extends
// it to errno names such as ECONNREFUSED, ECONNRESET and ECONNABORTED, whose Go
// errors (*net.OpError) do not report Timeout. Any message containing "econn"
// counts as connectivity; wrap with Permanent to override.
var connectivityTerms = []string{
	"offline",
	"timeout",
	"network request failed",
	"failed to fetch",
	"networkerror",
	"socket",
	"ecconn",
	"econn",
}

type transientError struct {
	err       error
	transient bool
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return e.transient }

// Transient marks err as a connectivity failure: the item keeps its attempt
// budget and the current flush pass stops.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err, transient: true}
}

// Permanent marks err as a rejection by the remote side even if its message
// happens to look like a network failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err, transient: false}
}

// IsConnectivity reports whether err means the remote side was not reached.
// Typed classification (Transient/Permanent or any error with a Transient() bool
// method) wins; deadlines and net.Error timeouts count as connectivity; other
// errors fall back to message matching.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, term := range connectivityTerms {
		if strings.Contains(msg, term) {
			return true
		}
	}
	return false
}
