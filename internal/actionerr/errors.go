// Package actionerr defines the error taxonomy shared by every stage of the
// command pipeline.
package actionerr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeInvalidReference   Code = "INVALID_REFERENCE"
	CodeSequence           Code = "SEQUENCE_ERROR"
	CodeReplicationTimeout Code = "REPLICATION_TIMEOUT"
	CodeDesync             Code = "DESYNC"
	CodeAborted            Code = "ABORTED"
	CodeUnknown            Code = "UNKNOWN"
)

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied}
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument}
	ErrInvalidReference   = &Error{Code: CodeInvalidReference}
	ErrSequence           = &Error{Code: CodeSequence}
	ErrReplicationTimeout = &Error{Code: CodeReplicationTimeout}
	ErrDesync             = &Error{Code: CodeDesync}
	ErrAborted            = &Error{Code: CodeAborted}
)

// Error is a coded failure raised by the dispatcher, registries or the
// replication channel.
type Error struct {
	Code Code
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	default:
		return string(e.Code)
	}
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// UserVisible reports whether the error is meant to be shown to the submitter.
func (e *Error) UserVisible() bool {
	switch e.Code {
	case CodePermissionDenied, CodeInvalidArgument, CodeInvalidReference:
		return true
	}
	return false
}

func newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// PermissionDenied builds a PERMISSION_DENIED error.
func PermissionDenied(op, format string, args ...any) *Error {
	return newf(CodePermissionDenied, op, format, args...)
}

// InvalidArgument builds an INVALID_ARGUMENT error.
func InvalidArgument(op, format string, args ...any) *Error {
	return newf(CodeInvalidArgument, op, format, args...)
}

// InvalidReference builds an INVALID_REFERENCE error.
func InvalidReference(op, format string, args ...any) *Error {
	return newf(CodeInvalidReference, op, format, args...)
}

// ReplicationTimeout builds a REPLICATION_TIMEOUT error.
func ReplicationTimeout(op, format string, args ...any) *Error {
	return newf(CodeReplicationTimeout, op, format, args...)
}

// Desync builds a DESYNC error.
func Desync(op, format string, args ...any) *Error {
	return newf(CodeDesync, op, format, args...)
}

// Aborted builds an ABORTED error.
func Aborted(op, format string, args ...any) *Error {
	return newf(CodeAborted, op, format, args...)
}

// SequenceError reports an order key that is not the next expected one.
type SequenceError struct {
	Expected uint64
	Got      uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%s: expected order key %d, got %d", CodeSequence, e.Expected, e.Got)
}

// Is lets errors.Is(err, ErrSequence) match.
func (e *SequenceError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodeSequence
}

// CodeOf extracts the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var seq *SequenceError
	if errors.As(err, &seq) {
		return CodeSequence
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// FromCode rebuilds an error received over the wire.
func FromCode(code Code, msg string) error {
	if code == "" {
		return nil
	}
	return &Error{Code: code, Msg: msg}
}
