package model

import (
	"errors"
	"fmt"
)

// GatewayError is a typed failure from the gateway pipeline. Code is
// stable and machine-matchable; Detail is for humans.
type GatewayError struct {
	Code   ErrorCode
	Detail string
	Err    error
}

// ErrorCode enumerates the gateway failure taxonomy.
type ErrorCode string

const (
	ErrValidationFailed      ErrorCode = "validation_failed"
	ErrBlacklistDetected     ErrorCode = "blacklist_detected"
	ErrSandboxCreationFailed ErrorCode = "sandbox_creation_failed"
	ErrTimeoutExceeded       ErrorCode = "timeout_exceeded"
	ErrMemoryExceeded        ErrorCode = "memory_exceeded"
	ErrProcessLimitExceeded  ErrorCode = "process_limit_exceeded"
	ErrNetworkViolation      ErrorCode = "network_violation"
	ErrExecutionFailed       ErrorCode = "execution_failed"
	ErrPoolExhausted         ErrorCode = "pool_exhausted"
	ErrAuditWriteFailed      ErrorCode = "audit_write_failed"
)

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewError creates a GatewayError with a formatted detail message.
func NewError(code ErrorCode, format string, args ...any) *GatewayError {
	return &GatewayError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// WrapError creates a GatewayError wrapping an underlying cause.
func WrapError(code ErrorCode, err error) *GatewayError {
	return &GatewayError{Code: code, Detail: err.Error(), Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" when err is not a
// GatewayError.
func CodeOf(err error) ErrorCode {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
