package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for replica operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeNotFound       ErrorCode = 1000
	ErrCodeInvalidContext ErrorCode = 1001
	ErrCodeInvalidKey     ErrorCode = 1002

	// Server errors (5xx equivalent)
	ErrCodeInternal    ErrorCode = 2000
	ErrCodeStorage     ErrorCode = 2001
	ErrCodeStorageLock ErrorCode = 2002
	ErrCodeTimeout     ErrorCode = 2003
	ErrCodeOverload    ErrorCode = 2004
	ErrCodeNotReady    ErrorCode = 2005
	ErrCodeCorrupted   ErrorCode = 2006
)

// KVError represents a structured error with code and context
type KVError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *KVError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *KVError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts KVError to gRPC status
func (e *KVError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *KVError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidContext, ErrCodeInvalidKey:
		return codes.InvalidArgument
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeOverload:
		return codes.ResourceExhausted
	case ErrCodeNotReady:
		return codes.Unavailable
	case ErrCodeCorrupted:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// New creates a new KVError
func New(code ErrorCode, message string, cause error) *KVError {
	return &KVError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *KVError) WithDetail(key string, value interface{}) *KVError {
	e.Details[key] = value
	return e
}

// CodeOf returns the ErrorCode carried by err, or ErrCodeInternal when
// err is not a KVError.
func CodeOf(err error) ErrorCode {
	var kv *KVError
	if errors.As(err, &kv) {
		return kv.Code
	}
	return ErrCodeInternal
}

// Convenience constructors for common errors

func NotFound(bkey string) *KVError {
	return New(ErrCodeNotFound, fmt.Sprintf("object not found: %s", bkey), nil).
		WithDetail("bkey", bkey)
}

func Storage(message string, cause error) *KVError {
	return New(ErrCodeStorage, message, cause)
}

func StorageLock(message string, cause error) *KVError {
	return New(ErrCodeStorageLock, message, cause)
}

func Timeout(op string) *KVError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out", op), nil).
		WithDetail("op", op)
}

func Overload(partition uint64) *KVError {
	return New(ErrCodeOverload, fmt.Sprintf("vnode %d mailbox full", partition), nil).
		WithDetail("partition", partition)
}

func NotReady(partition uint64) *KVError {
	return New(ErrCodeNotReady, fmt.Sprintf("vnode %d not ready", partition), nil).
		WithDetail("partition", partition)
}

func InvalidContext(cause error) *KVError {
	return New(ErrCodeInvalidContext, "malformed causal context", cause)
}
