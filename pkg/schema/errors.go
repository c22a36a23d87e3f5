package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeAlreadyExists         = "ALREADY_EXISTS"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeOutOfOrderStep        = "OUT_OF_ORDER_STEP"
	ErrCodeDuplicateGate         = "DUPLICATE_GATE"
	ErrCodeGateNotFound          = "GATE_NOT_FOUND"
	ErrCodeNoSnapshot            = "NO_SNAPSHOT"
	ErrCodeNoSuccessfulStep      = "NO_SUCCESSFUL_STEP"
	ErrCodeAgentInvocationFailed = "AGENT_INVOCATION_FAILED"
	ErrCodeExhausted             = "EXHAUSTED"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeCircuitOpen           = "CIRCUIT_OPEN"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeExpression            = "EXPRESSION_ERROR"
	ErrCodeInterpolation         = "INTERPOLATION_ERROR"
	ErrCodeApprovalDenied        = "APPROVAL_DENIED"
	ErrCodeSecret                = "SECRET_ERROR"
)

// Error is the structured error type returned by every crewflow component.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex *int           `json:"step_index,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepIndex != nil {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, *e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so callers can
// write errors.Is(err, schema.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is matching by code.
var (
	ErrNotFound              = &Error{Code: ErrCodeNotFound}
	ErrAlreadyExists         = &Error{Code: ErrCodeAlreadyExists}
	ErrInvalidTransition     = &Error{Code: ErrCodeInvalidTransition}
	ErrOutOfOrderStep        = &Error{Code: ErrCodeOutOfOrderStep}
	ErrDuplicateGate         = &Error{Code: ErrCodeDuplicateGate}
	ErrGateNotFound          = &Error{Code: ErrCodeGateNotFound}
	ErrNoSnapshot            = &Error{Code: ErrCodeNoSnapshot}
	ErrNoSuccessfulStep      = &Error{Code: ErrCodeNoSuccessfulStep}
	ErrAgentInvocationFailed = &Error{Code: ErrCodeAgentInvocationFailed}
	ErrExhausted             = &Error{Code: ErrCodeExhausted}
	ErrTimeout               = &Error{Code: ErrCodeTimeout}
	ErrCancelled             = &Error{Code: ErrCodeCancelled}
	ErrCircuitOpen           = &Error{Code: ErrCodeCircuitOpen}
	ErrRateLimited           = &Error{Code: ErrCodeRateLimited}
	ErrApprovalDenied        = &Error{Code: ErrCodeApprovalDenied}
)

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step index to the error.
func (e *Error) WithStep(stepIndex int) *Error {
	e.StepIndex = &stepIndex
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a failure with this code is worth retrying.
// Validation and gate bookkeeping errors never change on a second attempt.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeInvalidTransition,
		ErrCodeOutOfOrderStep, ErrCodeDuplicateGate, ErrCodeGateNotFound,
		ErrCodeCancelled, ErrCodeExhausted, ErrCodeExpression, ErrCodeInterpolation,
		ErrCodeApprovalDenied:
		return false
	}
	return true
}
