package client

import (
	"errors"
	"fmt"
)

// ErrStreamCancelled marks a chat exchange that was superseded or cancelled
// by its owner. It is swallowed inside the session and never surfaces as a
// visible failure.
var ErrStreamCancelled = errors.New("stream cancelled")

// AuthError is a rejected or missing credential.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "not authenticated"
	}
	return e.Message
}

// PolicyViolationError is an operation the role/status table forbids. The
// client raises it locally before any network call; the server raises the
// same class when a stale client slips one through.
type PolicyViolationError struct {
	Message string
}

func (e *PolicyViolationError) Error() string { return e.Message }

// PreconditionFailedError is a structurally valid operation whose data
// requirements are not met, like submitting with no approvers assigned.
type PreconditionFailedError struct {
	Message string
}

func (e *PreconditionFailedError) Error() string { return e.Message }

// NotFoundError is a targeted fetch for an id the server no longer has.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message == "" {
		return "not found"
	}
	return e.Message
}

// TransportError wraps network and server failures that are not one of the
// typed rejections above.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
