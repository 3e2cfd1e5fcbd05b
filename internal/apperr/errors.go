// Package apperr defines the error taxonomy shared by the matcher, ledger, gateway
// and storage layers. Every error carries a stable kind and machine code plus a
// human-readable message.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind groups errors by how callers are expected to react.
type Kind string

const (
	KindInput          Kind = "input"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindUnauthorized   Kind = "unauthorized"
	KindStorage        Kind = "storage"
	KindStorageTimeout Kind = "storage_timeout"
	KindUpstream       Kind = "upstream"
	KindUnavailable    Kind = "unavailable"
)

// Machine codes. They are part of the HTTP contract and must not change.
const (
	CodeInvalidInput      = "invalid_input"
	CodeDimensionMismatch = "dimension_mismatch"
	CodeNoFace            = "no_face"
	CodeMultipleFaces     = "multiple_faces"
	CodeDecodeError       = "decode_error"
	CodeDuplicate         = "duplicate"
	CodeAlreadyCheckedIn  = "already_checked_in"
	CodeNotCheckedIn      = "not_checked_in"
	CodeAlreadyCheckedOut = "already_checked_out"
	CodeInvalidOrder      = "invalid_order"
	CodeNotFound          = "not_found"
	CodeUnauthorized      = "unauthorized"
	CodeStorage           = "storage_error"
	CodeStorageTimeout    = "storage_timeout"
	CodeUpstream          = "upstream_error"
	CodeUnavailable       = "unavailable"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code so that wrapped instances compare equal to the
// package sentinels regardless of their message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput      = &Error{Kind: KindInput, Code: CodeInvalidInput, Message: "invalid input"}
	ErrDimensionMismatch = &Error{Kind: KindInput, Code: CodeDimensionMismatch, Message: "encoding dimension mismatch"}
	ErrNoFace            = &Error{Kind: KindInput, Code: CodeNoFace, Message: "no face detected in image"}
	ErrMultipleFaces     = &Error{Kind: KindInput, Code: CodeMultipleFaces, Message: "multiple faces detected, please provide an image with one face"}
	ErrDecode            = &Error{Kind: KindInput, Code: CodeDecodeError, Message: "image could not be decoded"}
	ErrDuplicate         = &Error{Kind: KindConflict, Code: CodeDuplicate, Message: "identity already enrolled"}
	ErrAlreadyCheckedIn  = &Error{Kind: KindConflict, Code: CodeAlreadyCheckedIn, Message: "already checked in today"}
	ErrNotCheckedIn      = &Error{Kind: KindConflict, Code: CodeNotCheckedIn, Message: "not checked in today"}
	ErrAlreadyCheckedOut = &Error{Kind: KindConflict, Code: CodeAlreadyCheckedOut, Message: "already checked out today"}
	ErrInvalidOrder      = &Error{Kind: KindConflict, Code: CodeInvalidOrder, Message: "check-out time precedes check-in time"}
	ErrNotFound          = &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "not found"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Code: CodeUnauthorized, Message: "unauthorized"}
	ErrStorage           = &Error{Kind: KindStorage, Code: CodeStorage, Message: "storage failure"}
	ErrStorageTimeout    = &Error{Kind: KindStorageTimeout, Code: CodeStorageTimeout, Message: "storage timeout"}
	ErrUpstream          = &Error{Kind: KindUpstream, Code: CodeUpstream, Message: "upstream service failure"}
	ErrUnavailable       = &Error{Kind: KindUnavailable, Code: CodeUnavailable, Message: "service unavailable"}
)

// New builds an error of the given sentinel's kind and code with a custom message.
func New(sentinel *Error, msg string) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: msg}
}

// Newf is New with formatting.
func Newf(sentinel *Error, format string, args ...any) *Error {
	return New(sentinel, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to an error of the sentinel's kind and code.
func Wrap(sentinel *Error, err error, msg string) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: msg, Err: err}
}

// Storage classifies a driver failure as either a timeout or a generic storage error.
// Errors that already carry a kind pass through unchanged.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrStorageTimeout, err, op+": storage timeout")
	}
	return Wrap(ErrStorage, err, op)
}

// KindOf returns the kind of err, or KindStorage for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindStorage
}

// CodeOf returns the machine code of err, or CodeStorage for unclassified errors.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeStorage
}

// MessageOf returns the human-readable message without the wrapped cause.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}
