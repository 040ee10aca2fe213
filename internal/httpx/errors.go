// Package httpx provides the shared HTTP substrate for the REST
// clients: one pooled transport, per-host request pacing, bounded
// retry with Retry-After support, and a cross-component error taxonomy.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class buckets an error for retry and reporting decisions. Every error
// crossing a component boundary carries exactly one class.
type Class string

// Error classes
const (
	ClassTransient   Class = "transient"   // retry with backoff
	ClassPermanent   Class = "permanent"   // do not retry
	ClassConflict    Class = "conflict"    // concurrent modification detected
	ClassNotFound    Class = "not_found"   // referenced entity is gone
	ClassUnavailable Class = "unavailable" // subsystem down; skip, do not fail the run
)

// Error is a classified error with request context attached.
type Error struct {
	Class      Class
	Operation  string
	StatusCode int // zero when no HTTP response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Class, e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Operation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the class from an error chain, defaulting to
// permanent for unclassified errors.
func ClassOf(err error) Class {
	var he *Error
	if errors.As(err, &he) {
		return he.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

// IsNotFound reports whether the error names a missing entity.
func IsNotFound(err error) bool { return ClassOf(err) == ClassNotFound }

// IsConflict reports whether the error is a concurrent-modification conflict.
func IsConflict(err error) bool { return ClassOf(err) == ClassConflict }

// IsUnavailable reports whether the subsystem should be skipped this run.
func IsUnavailable(err error) bool { return ClassOf(err) == ClassUnavailable }

// classifyStatus maps an HTTP status to an error class. Timeouts and
// rate limits are transient; everything else 4xx is permanent except
// 404 and 409 which get their own classes.
func classifyStatus(status int) Class {
	switch {
	case status == http.StatusNotFound:
		return ClassNotFound
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// classifyNetErr classifies a transport-level failure. Connection
// refusals are unavailable (the subsystem is down, skip it); timeouts
// and resets are transient.
func classifyNetErr(err error) Class {
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return ClassUnavailable
		}
		return ClassTransient
	}
	return ClassTransient
}
