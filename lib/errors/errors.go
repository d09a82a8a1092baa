// Package errors provides structured error types for kvpool.
//
// This package provides:
//   - Sentinel errors for the pool's failure categories
//   - Error codes that double as CLI exit statuses
//   - Error wrapping with context preservation
//   - A typed shutdown timeout error that names the stuck partition
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for categorizing errors. Zero is reserved for success so the
// codes can be used directly as process exit statuses.
const (
	CodeInternal      = 1 // Internal error
	CodeConfiguration = 2 // Invalid configuration
	CodeInvalidInput  = 3 // Invalid arguments
	CodeConnection    = 4 // Connect, auth or host failure
	CodeOperation     = 5 // Store command or iteration failed
	CodeTimeout       = 6 // Operation timed out
	CodeClosed        = 7 // Resource closed or draining
	CodeExhausted     = 8 // No capacity left
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrConfiguration indicates invalid construction input.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnection indicates a connection could not be established or used.
	ErrConnection = errors.New("connection error")

	// ErrOperation indicates a store operation such as a keyspace scan failed.
	ErrOperation = errors.New("operation failed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrDraining indicates a pool no longer hands out connections because it is being drained.
	ErrDraining = errors.New("draining")

	// ErrExhausted indicates no connection could be handed out.
	ErrExhausted = errors.New("exhausted")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")
)

// Pool errors
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrPoolDraining is returned by Acquire while the pool is draining.
	ErrPoolDraining = fmt.Errorf("pool: %w", ErrDraining)

	// ErrPoolExhausted is returned when the pool cannot grow any further.
	ErrPoolExhausted = fmt.Errorf("pool: connection pool %w", ErrExhausted)

	// ErrNotBorrowed is returned when a connection is handed back to a pool that did not lend it,
	// or handed back twice.
	ErrNotBorrowed = fmt.Errorf("pool: connection not borrowed from this pool: %w", ErrInvalidInput)

	// ErrAcquireTimeout is returned when acquiring a connection times out.
	ErrAcquireTimeout = fmt.Errorf("pool: acquire: %w", ErrTimeout)

	// ErrCircuitOpen is returned instead of dialing while the store is considered down.
	ErrCircuitOpen = fmt.Errorf("circuit open: %w", ErrConnection)
)

// Config errors
var (
	// ErrURLRequired is returned when the store URL is empty.
	ErrURLRequired = fmt.Errorf("store.url is required: %w", ErrConfiguration)

	// ErrNegativePartition is returned for a partition index below zero.
	ErrNegativePartition = fmt.Errorf("partition index must not be negative: %w", ErrInvalidInput)
)

// Error is a structured error with a code and message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a short description of the failure
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Connection wraps err as a connection failure. The result matches ErrConnection.
func Connection(message string, err error) error {
	if err == nil {
		return nil
	}
	return Wrap(CodeConnection, message, fmt.Errorf("%w: %w", ErrConnection, err))
}

// Operation wraps err as a store operation failure. The result matches ErrOperation.
func Operation(message string, err error) error {
	if err == nil {
		return nil
	}
	return Wrap(CodeOperation, message, fmt.Errorf("%w: %w", ErrOperation, err))
}

// ShutdownTimeoutError reports a partition pool that did not drain before its deadline,
// usually because a borrowed connection was never released.
type ShutdownTimeoutError struct {
	Partition int
	Timeout   time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("destroy: partition %d did not drain within %v", e.Partition, e.Timeout)
}

// Unwrap makes ShutdownTimeoutError match ErrTimeout.
func (e *ShutdownTimeoutError) Unwrap() error {
	return ErrTimeout
}

// Code returns the exit code that best describes err.
// A nil error yields 0.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Code != 0 {
		return coded.Code
	}
	return codeFromError(err)
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    codeFromError(err),
		Message: err.Error(),
		Err:     err,
	}
}

// codeFromError maps sentinel errors to error codes.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrConnection):
		return CodeConnection
	case errors.Is(err, ErrOperation):
		return CodeOperation
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrClosed), errors.Is(err, ErrDraining):
		return CodeClosed
	case errors.Is(err, ErrExhausted):
		return CodeExhausted
	default:
		return CodeInternal
	}
}

// IsConfiguration returns true if the error indicates invalid configuration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsConnection returns true if the error indicates a connection failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsOperation returns true if the error indicates a failed store operation.
func IsOperation(err error) bool {
	return errors.Is(err, ErrOperation)
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsInvalidInput returns true if the error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
