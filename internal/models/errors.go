package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error taxonomy shared by every component and
// surfaced verbatim over the wire.
type ErrorKind string

// Error kinds. Validation, tenant, policy, and forbidden errors are never
// retried; store_unavailable on the write path triggers the WAL fallback.
const (
	ErrValidation       ErrorKind = "validation_error"
	ErrTenantMismatch   ErrorKind = "tenant_mismatch"
	ErrPolicyRejected   ErrorKind = "policy_rejected"
	ErrOversizePayload  ErrorKind = "oversize_payload"
	ErrNotFound         ErrorKind = "not_found"
	ErrForbidden        ErrorKind = "forbidden"
	ErrBudgetImpossible ErrorKind = "budget_impossible"
	ErrDeadlineExceeded ErrorKind = "deadline_exceeded"
	ErrStoreUnavailable ErrorKind = "store_unavailable"
	ErrFatalInternal    ErrorKind = "fatal_internal"
)

// Error carries a taxonomy kind plus structured details for the caller.
type Error struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches two taxonomy errors by kind, so callers can use
// errors.Is(err, &models.Error{Kind: models.ErrNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// E constructs a taxonomy error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one structured detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string, 2)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
// Unclassified errors report fatal_internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrFatalInternal
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
