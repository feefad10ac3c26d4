package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrTypeOffline represents an unreachable network. It is an expected
	// condition, not a failure: callers route to offline-mode behavior.
	ErrTypeOffline ErrorType = "offline"
	// ErrTypeServerTooOld represents a catalog server that lacks a required capability
	ErrTypeServerTooOld ErrorType = "server_too_old"
	// ErrTypeTransientIO represents a retryable download failure; partial data is kept
	ErrTypeTransientIO ErrorType = "transient_io"
	// ErrTypePermanentIO represents disk full / permission denied; partial data is discarded
	ErrTypePermanentIO ErrorType = "permanent_io"
	// ErrTypeAuthRefused represents a failed credential re-verification
	ErrTypeAuthRefused ErrorType = "auth_refused"
	// ErrTypeStorageFull represents a local store write failure while recording
	ErrTypeStorageFull ErrorType = "storage_full"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeUnknown represents unknown errors
	ErrTypeUnknown ErrorType = "unknown"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewOfflineError creates a new offline error
func NewOfflineError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeOffline,
		Message:   message,
		Retryable: true, // Retryable once connectivity returns
		Cause:     cause,
	}
}

// NewServerTooOldError creates an error for a server missing a required capability
func NewServerTooOldError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeServerTooOld,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// NewTransientIOError creates a retryable I/O error
func NewTransientIOError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeTransientIO,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewPermanentIOError creates a non-retryable I/O error
func NewPermanentIOError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypePermanentIO,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// NewAuthRefusedError creates a credential verification failure
func NewAuthRefusedError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeAuthRefused,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// NewStorageFullError creates a local storage exhaustion error
func NewStorageFullError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeStorageFull,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeNotFound,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeValidation,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetErrorType returns the error type from an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeUnknown
}

// IsOffline checks if an error means the network is unreachable
func IsOffline(err error) bool {
	return GetErrorType(err) == ErrTypeOffline
}

// IsServerTooOld checks if an error means the server lacks a capability
func IsServerTooOld(err error) bool {
	return GetErrorType(err) == ErrTypeServerTooOld
}

// IsAuthRefused checks if an error is a refused credential verification
func IsAuthRefused(err error) bool {
	return GetErrorType(err) == ErrTypeAuthRefused
}

// IsStorageFull checks if an error is a local storage exhaustion
func IsStorageFull(err error) bool {
	return GetErrorType(err) == ErrTypeStorageFull
}

// UserMessage maps an error to a short human-readable message category.
// Offline, too-old and auth conditions get specific wording; everything
// else collapses to a generic failure line.
func UserMessage(err error) string {
	switch GetErrorType(err) {
	case ErrTypeOffline:
		return "Not connected to the server"
	case ErrTypeServerTooOld:
		return "Server version is too old for this action"
	case ErrTypeAuthRefused:
		return "Credentials could not be verified"
	case ErrTypePermanentIO:
		return "Storage error, download discarded"
	case ErrTypeStorageFull:
		return "Local storage is full"
	default:
		return "Operation failed"
	}
}
