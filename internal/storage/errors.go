package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Code classifies a storage failure.
type Code string

const (
	CodeNotFound               Code = "not_found"
	CodePermissionDenied       Code = "permission_denied"
	CodeValidation             Code = "validation_error"
	CodeQuotaExceeded          Code = "quota_exceeded"
	CodeConnectionFailed       Code = "connection_failed"
	CodeAuthenticationRequired Code = "authentication_required"
	CodeOperationCancelled     Code = "operation_cancelled"
	CodeUnsupportedOperation   Code = "unsupported_operation"
	CodeInternal               Code = "internal_error"
)

// Error is an immutable description of a failed storage operation.
// Construct it at the failure site with NewError or one of the Result helpers.
type Error struct {
	Code                    Code           `json:"code"`
	Message                 string         `json:"message"`
	Details                 map[string]any `json:"details,omitempty"`
	RequiresUserInteraction bool           `json:"requires_user_interaction,omitempty"`
}

// NewError builds an Error. PermissionDenied and AuthenticationRequired
// always require user interaction (unlock a keychain, re-enter a passphrase).
func NewError(code Code, message string, details map[string]any) *Error {
	var cp map[string]any
	if len(details) > 0 {
		cp = make(map[string]any, len(details))
		for k, v := range details {
			cp[k] = v
		}
	}
	return &Error{
		Code:                    code,
		Message:                 message,
		Details:                 cp,
		RequiresUserInteraction: code == CodePermissionDenied || code == CodeAuthenticationRequired,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *Error by code, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeConnectionFailed, CodeInternal:
		return true
	}
	return false
}

// Sentinels for errors.Is comparisons against the code taxonomy.
var (
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrPermissionDenied       = &Error{Code: CodePermissionDenied}
	ErrValidation             = &Error{Code: CodeValidation}
	ErrQuotaExceeded          = &Error{Code: CodeQuotaExceeded}
	ErrConnectionFailed       = &Error{Code: CodeConnectionFailed}
	ErrAuthenticationRequired = &Error{Code: CodeAuthenticationRequired}
	ErrCancelled              = &Error{Code: CodeOperationCancelled}
	ErrUnsupported            = &Error{Code: CodeUnsupportedOperation}
	ErrInternal               = &Error{Code: CodeInternal}
)

// FromError maps an arbitrary Go error onto the storage taxonomy.
// A nil error maps to nil.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(CodeOperationCancelled, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeConnectionFailed, "operation timeout: "+err.Error(), nil)
	case errors.Is(err, fs.ErrNotExist):
		return NewError(CodeNotFound, err.Error(), nil)
	case errors.Is(err, fs.ErrPermission):
		return NewError(CodePermissionDenied, err.Error(), nil)
	}
	return NewError(CodeInternal, err.Error(), nil)
}
