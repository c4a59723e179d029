// Package resultx provides the tagged outcome type and stable error-code
// taxonomy shared by every fallible operation in the agent execution
// subsystem. Exported APIs still return plain (T, error) — Result is the
// shape error values take, not a replacement for Go's own convention.
package resultx

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-comparable error identifier. Callers switch on
// Code rather than on error message text.
type Code string

// Admission errors.
const (
	CodeAgentAlreadyRunning Code = "AGENT_ALREADY_RUNNING"
	CodeConcurrencyLimit    Code = "CONCURRENCY_LIMIT"
	CodePlanNotPending      Code = "PLAN_NOT_PENDING"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
)

// Dependency errors.
const (
	CodeAPIKeyNotConfigured  Code = "API_KEY_NOT_CONFIGURED"
	CodeWorktreeCreateFailed Code = "WORKTREE_CREATE_FAILED"
	CodeSandboxUnavailable   Code = "SANDBOX_UNAVAILABLE"
	CodeStreamNotFound       Code = "STREAM_NOT_FOUND"
	CodeProjectNotFound      Code = "PROJECT_NOT_FOUND"
)

// Runtime errors.
const (
	CodeExecStreamFailed          Code = "EXEC_STREAM_FAILED"
	CodeSubscriberOverrun         Code = "SUBSCRIBER_OVERRUN"
	CodePlanToolInputParseError   Code = "PLAN_TOOL_INPUT_PARSE_ERROR"
	CodePlanCredentialsNotFound   Code = "PLAN_CREDENTIALS_NOT_FOUND"
	CodePlanCredentialsExpired    Code = "PLAN_CREDENTIALS_EXPIRED"
	CodePlanAPIError              Code = "PLAN_API_ERROR"
)

// Policy errors.
const (
	CodeRetryExhausted   Code = "RETRY_EXHAUSTED"
	CodeTurnLimitReached Code = "TURN_LIMIT_REACHED"
)

// Error is the concrete error type every component in this subsystem
// returns for expected failure. It is never used for programmer error —
// those panic, per the orchestration design.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a coded error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a coded error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured detail fields and returns the same error
// for chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the stable code from err, or "" if err does not carry one.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Is reports whether err carries the given code, walking the wrap chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Result is the tagged Ok/Err outcome type named by the source design.
// It exists as a value type for call sites that need to pass an outcome
// around before deciding how to handle it (e.g. collecting results from a
// fan-out); ordinary call sites still use (T, error) directly.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] { return Result[T]{value: v} }

// Err wraps a failure.
func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// IsOk reports whether the result is a success.
func (r Result[T]) IsOk() bool { return r.err == nil }

// Unwrap returns the value and error in normal Go style, so a Result can be
// consumed exactly like any other (T, error) pair.
func (r Result[T]) Unwrap() (T, error) { return r.value, r.err }

// Must panics if the result is an error; for programmer-error contexts only
// (e.g. initialization of a constant table), never for request handling.
func (r Result[T]) Must() T {
	if r.err != nil {
		panic(r.err)
	}
	return r.value
}
