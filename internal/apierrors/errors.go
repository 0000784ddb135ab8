// Package apierrors defines the shared error taxonomy used by every
// control-plane component, and the JSON-RPC-style envelope the admin surface
// returns for them.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in the error-handling design. It is
// the machine-readable "code" field surfaced to admin callers.
type Kind string

const (
	KindTransportDead        Kind = "transport-dead"
	KindSessionLost          Kind = "session-lost"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindMethodNotSupported   Kind = "method-not-supported"
	KindWorkerError          Kind = "worker-error"
	KindDuplicateName        Kind = "duplicate-name"
	KindAuthFailed           Kind = "auth-failed"
	KindNoCapacity           Kind = "no-capacity"
	KindPlacementExhausted   Kind = "placement-exhausted"
	KindInvalidRequest       Kind = "invalid-request"
	KindNotFound             Kind = "not-found"
	KindInternal             Kind = "internal"
)

// Error is the concrete error type returned across component boundaries.
// It always carries a Kind so callers can branch on it with errors.As,
// and an optional Details payload for structured context (e.g. the
// per-worker first-fail reasons behind a no-capacity result).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	// wrapped is an optional underlying cause, preserved for %w unwrapping
	// without leaking into the JSON envelope.
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind that wraps cause for errors.Is/As
// chains, while keeping cause out of the message shown to admin callers.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: cause}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Response is the JSON shape every admin-facing error takes:
// {"code": <kind>, "message": <string>, "details"?: <object>}
type Response struct {
	Code    Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AsResponse converts e to the wire-level error envelope.
func (e *Error) AsResponse() Response {
	return Response{Code: e.Kind, Message: e.Message, Details: e.Details}
}

// Of extracts *Error from err, synthesizing an "internal" kind if err is not
// already one of ours. Used at component boundaries that may receive plain
// errors from libraries (json, net, etc).
func Of(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindInternal, Message: err.Error(), wrapped: err}
}
