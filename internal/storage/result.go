package storage

import "fmt"

// Void is the value type of results that carry no payload.
type Void struct{}

// Result is the outcome of a storage operation: either a value or an *Error,
// never both. The zero Result is not valid; build one with Ok or Fail.
type Result[T any] struct {
	value       T
	err         *Error
	interactive bool
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// OkInteractive wraps a successful value that needed a user prompt
// (for example a keychain unlock) to obtain.
func OkInteractive[T any](v T) Result[T] {
	return Result[T]{value: v, interactive: true}
}

// Fail wraps a failure. A nil error is replaced with an internal error so the
// invariant "exactly one of value or error" always holds.
func Fail[T any](err *Error) Result[T] {
	if err == nil {
		err = NewError(CodeInternal, "failure without error", nil)
	}
	return Result[T]{err: err}
}

// Done is Ok(Void{}).
func Done() Result[Void] {
	return Ok(Void{})
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool { return r.err == nil }

// Err returns the failure, or nil for a successful result.
func (r Result[T]) Err() *Error { return r.err }

// RequiresUserInteraction reports whether producing this result needed, or
// (for failures) needs, the user to act.
func (r Result[T]) RequiresUserInteraction() bool {
	if r.err != nil {
		return r.err.RequiresUserInteraction
	}
	return r.interactive
}

// Get converts the result into the usual Go (value, error) pair.
func (r Result[T]) Get() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

// ValueOr returns the value, or def when the result is a failure.
func (r Result[T]) ValueOr(def T) T {
	if r.err != nil {
		return def
	}
	return r.value
}

func (r Result[T]) String() string {
	if r.err != nil {
		return "error(" + r.err.Error() + ")"
	}
	return fmt.Sprintf("ok(%v)", r.value)
}

// Match handles both variants of r. Both handlers are required; the
// matching one is called and its value returned.
func Match[T, R any](r Result[T], onOk func(T) R, onErr func(*Error) R) R {
	if r.err != nil {
		return onErr(r.err)
	}
	return onOk(r.value)
}

// Map transforms the value of a successful result and passes failures through.
func Map[T, R any](r Result[T], fn func(T) R) Result[R] {
	if r.err != nil {
		return Result[R]{err: r.err}
	}
	return Result[R]{value: fn(r.value), interactive: r.interactive}
}

func NotFound[T any](key string) Result[T] {
	return Fail[T](NewError(CodeNotFound, fmt.Sprintf("key %q not found", key), map[string]any{"key": key}))
}

func PermissionDenied[T any](message string) Result[T] {
	return Fail[T](NewError(CodePermissionDenied, message, nil))
}

func ValidationFailed[T any](message string, details map[string]any) Result[T] {
	return Fail[T](NewError(CodeValidation, message, details))
}

func QuotaExceeded[T any](message string) Result[T] {
	return Fail[T](NewError(CodeQuotaExceeded, message, nil))
}

func ConnectionFailed[T any](message string) Result[T] {
	return Fail[T](NewError(CodeConnectionFailed, message, nil))
}

func AuthenticationRequired[T any](message string) Result[T] {
	return Fail[T](NewError(CodeAuthenticationRequired, message, nil))
}

func Cancelled[T any](message string) Result[T] {
	return Fail[T](NewError(CodeOperationCancelled, message, nil))
}

func Unsupported[T any](operation string) Result[T] {
	return Fail[T](NewError(CodeUnsupportedOperation, operation+" is not supported by this backend", map[string]any{"operation": operation}))
}

func Internal[T any](message string) Result[T] {
	return Fail[T](NewError(CodeInternal, message, nil))
}

// FailWith maps err through FromError and wraps it.
func FailWith[T any](err error) Result[T] {
	return Fail[T](FromError(err))
}
