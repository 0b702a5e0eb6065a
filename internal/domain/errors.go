package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the protocol client. Callers match on these with
// errors.Is; ProtocolError wraps them with operation context.
var (
	ErrValidation           = fmt.Errorf("invalid request")
	ErrConnection           = fmt.Errorf("connection failed")
	ErrConnectionInProgress = fmt.Errorf("connection already in progress")
	ErrNotConnected         = fmt.Errorf("not connected")
	ErrServerNotFound       = fmt.Errorf("server executable not found")
	ErrTimeout              = fmt.Errorf("operation timed out")
	ErrRateLimit            = fmt.Errorf("rate limit exceeded")
	ErrToolExecution        = fmt.Errorf("tool execution failed")
	ErrSessionNotFound      = fmt.Errorf("session not found")
)

// ProtocolError wraps a sentinel error with operation context.
// Wait carries a computed wait duration for rate-limit/quota conditions so
// callers implementing a wait policy know how long to sleep; Suggestions
// carry remediation steps surfaced to the user (e.g. install instructions
// for a missing server executable).
type ProtocolError struct {
	Op          string        // operation name (e.g. "Connection.CallTool")
	Err         error         // underlying sentinel or wrapped error
	Detail      string        // human-readable detail
	Wait        time.Duration // suggested wait before retrying, if known
	Suggestions []string      // recovery suggestions, if any
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(op string, err error, detail string) *ProtocolError {
	return &ProtocolError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is transient and may succeed on retry.
// Validation failures are never retryable; connection, timeout and
// rate-limit failures always are. Tool execution failures are retryable
// only when they wrap a retryable cause, which errors.Is handles through
// the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) {
		return false
	}
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimit)
}

// WaitHint extracts the computed wait duration from an error chain, or 0.
func WaitHint(err error) time.Duration {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Wait
	}
	return 0
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeValidation           ErrorCode = "VALIDATION"
	CodeConnection           ErrorCode = "CONNECTION"
	CodeConnectionInProgress ErrorCode = "CONNECTION_IN_PROGRESS"
	CodeNotConnected         ErrorCode = "NOT_CONNECTED"
	CodeServerNotFound       ErrorCode = "SERVER_NOT_FOUND"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeToolExecution        ErrorCode = "TOOL_EXECUTION"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrValidation:           CodeValidation,
	ErrConnection:           CodeConnection,
	ErrConnectionInProgress: CodeConnectionInProgress,
	ErrNotConnected:         CodeNotConnected,
	ErrServerNotFound:       CodeServerNotFound,
	ErrTimeout:              CodeTimeout,
	ErrRateLimit:            CodeRateLimit,
	ErrToolExecution:        CodeToolExecution,
	ErrSessionNotFound:      CodeSessionNotFound,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps ProtocolError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		if code, ok := errorCodeMap[pe.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this ProtocolError's underlying sentinel.
func (e *ProtocolError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}
