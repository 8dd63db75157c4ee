package engine

import (
	"errors"
	"fmt"
)

// ErrorClass categorizes failures for retry decisions and reporting.
type ErrorClass string

const (
	// ErrorClassTransient covers failures worth retrying: network resets,
	// timeouts, temporarily unreachable endpoints.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent covers failures that will not succeed on retry:
	// invalid configuration, authentication failures, provider rejections.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes used across the engine.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnknownReference = "UNKNOWN_REFERENCE"
	CodeCycle            = "DEPENDENCY_CYCLE"
	CodeExpansion        = "EXPANSION_ERROR"
	CodeEvaluation       = "EVALUATION_ERROR"
	CodeProviderFailed   = "PROVIDER_FAILED"
	CodeBootstrapFailed  = "BOOTSTRAP_FAILED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeConnectFailed    = "CONNECT_FAILED"
	CodeDependencyFailed = "DEPENDENCY_FAILED"
	CodeCancelled        = "CANCELLED"
)

// EngineError is the structured error type for engine operations. It carries
// a class for retry policy, a stable code for programmatic handling, and the
// instance and operation it occurred in.
type EngineError struct {
	Class      ErrorClass
	Code       string
	Message    string
	InstanceID string
	Operation  string
	Err        error
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.InstanceID != "" {
		msg = fmt.Sprintf("%s (instance: %s)", msg, e.InstanceID)
	}
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation: %s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsRetryable reports whether retrying the failed operation could succeed.
func (e *EngineError) IsRetryable() bool { return e.Class == ErrorClassTransient }

// WithInstance attaches the owning instance ID.
func (e *EngineError) WithInstance(id string) *EngineError {
	e.InstanceID = id
	return e
}

// WithOperation attaches the operation name.
func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

// NewTransientError creates a retryable error.
func NewTransientError(code, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Code: code, Message: message, Err: err}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(code, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: code, Message: message, Err: err}
}

// NewValidationError creates a configuration validation error.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(CodeValidation, message, err)
}

// AsEngineError extracts an EngineError from an error chain, wrapping
// unclassified errors as permanent.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return NewPermanentError(CodeProviderFailed, err.Error(), err)
}

// IsRetryable reports whether the error chain contains a retryable failure.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}
	return false
}

// temporaryError and authError are implemented by transport errors so the
// engine can apply connect retry policy without importing a transport.
type temporaryError interface {
	Temporary() bool
}

type authError interface {
	AuthFailure() bool
}

// isTemporaryConnectionError reports whether err is a connection failure
// worth retrying with backoff.
func isTemporaryConnectionError(err error) bool {
	var te temporaryError
	return errors.As(err, &te) && te.Temporary()
}

// isAuthError reports whether err is an authentication failure, which is
// never retried.
func isAuthError(err error) bool {
	var ae authError
	return errors.As(err, &ae) && ae.AuthFailure()
}
