// Package apperr defines the error taxonomy shared by every component:
// object store, metadata index, policy evaluator, commit engine, job
// pipeline, webhook dispatcher, retention sweeper, and the HTTP layer that
// maps them to responses.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the seven top-level error categories. Every error that
// crosses a component boundary must carry one.
type Kind string

const (
	KindConflict      Kind = "conflict"
	KindPolicyDenied  Kind = "policy_denied"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
	KindTransient     Kind = "transient"
	KindFatal         Kind = "fatal"
)

// Error is a taxonomy-tagged application error. Reason is a human-readable
// message safe to surface to a client; Fields carries structured detail
// (missing checks, usage percentages, the conflicting parent, ...).
type Error struct {
	Kind   Kind
	Reason string
	Fields map[string]any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, apperr.Conflict) style matching against the Kind,
// regardless of Reason/Fields/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Kind == e.Kind
}

// Sentinel zero-value errors for each kind, usable with errors.Is.
var (
	Conflict      = &Error{Kind: KindConflict}
	PolicyDenied  = &Error{Kind: KindPolicyDenied}
	QuotaExceeded = &Error{Kind: KindQuotaExceeded}
	NotFound      = &Error{Kind: KindNotFound}
	Validation    = &Error{Kind: KindValidation}
	Transient     = &Error{Kind: KindTransient}
	Fatal         = &Error{Kind: KindFatal}
)

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func WithFields(kind Kind, reason string, fields map[string]any) *Error {
	return &Error{Kind: kind, Reason: reason, Fields: fields}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error; otherwise it returns KindFatal, the safe default for an
// unclassified error reaching the boundary.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

func IsConflict(err error) bool      { return KindOf(err) == KindConflict }
func IsPolicyDenied(err error) bool  { return KindOf(err) == KindPolicyDenied }
func IsQuotaExceeded(err error) bool { return KindOf(err) == KindQuotaExceeded }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsTransient(err error) bool     { return KindOf(err) == KindTransient }
