// Package errors provides error codes and failure classification for the
// offline sync engine.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorCode identifies a failure condition across the engine.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local store errors
	ErrStorage         ErrorCode = "STORAGE_ERROR"
	ErrStorageCapacity ErrorCode = "STORAGE_CAPACITY_EXCEEDED"

	// Remote store errors
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrRemoteTimeout     ErrorCode = "REMOTE_TIMEOUT"
	ErrRemoteRejected    ErrorCode = "REMOTE_REJECTED"
	ErrEntityMissing     ErrorCode = "ENTITY_MISSING"
	ErrBatchTooLarge     ErrorCode = "BATCH_TOO_LARGE"

	// Queue errors
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Upload errors
	ErrUploadFailed  ErrorCode = "UPLOAD_FAILED"
	ErrBlobRejected  ErrorCode = "BLOB_REJECTED"
	ErrLocalURIGone  ErrorCode = "LOCAL_URI_GONE"

	// Verification errors
	ErrItemNotFound     ErrorCode = "VERIFICATION_ITEM_NOT_FOUND"
	ErrItemTerminal     ErrorCode = "VERIFICATION_ITEM_TERMINAL"
	ErrDuplicateItem    ErrorCode = "VERIFICATION_DUPLICATE_ITEM"
	ErrAreaNotLoaded    ErrorCode = "VERIFICATION_AREA_NOT_LOADED"
	ErrOfflineQueueOnly ErrorCode = "VERIFICATION_OFFLINE_ONLY"
)

// Class buckets every failure for retry policy decisions.
type Class int

const (
	// ClassTransient failures are retried with bounded attempts.
	ClassTransient Class = iota
	// ClassPermanent failures still count toward the retry ceiling but are
	// logged distinctly; blind retry cannot fix them.
	ClassPermanent
	// ClassCapacity failures are surfaced to the caller immediately.
	ClassCapacity
)

// classByCode maps each code to its retry class. Codes absent from the map
// are permanent.
var classByCode = map[ErrorCode]Class{
	ErrRemoteUnavailable: ClassTransient,
	ErrRemoteTimeout:     ClassTransient,
	ErrUploadFailed:      ClassTransient,
	ErrStorageCapacity:   ClassCapacity,
	ErrQueueFull:         ClassCapacity,
}

// AppError carries an error code alongside a message and optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf extracts the error code from err, or ErrInternal when it carries
// none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Classify buckets an arbitrary error for retry policy. Context deadline
// expiry and network timeouts classify transient even without an AppError
// wrapper, since exceeding a bounded timeout is treated identically to a
// transient network failure.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if class, ok := classByCode[appErr.Code]; ok {
			return class
		}
		return ClassPermanent
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassPermanent
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsPermanent reports whether retrying cannot fix the error.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}

// IsCapacity reports whether the error is a local capacity failure.
func IsCapacity(err error) bool {
	return err != nil && Classify(err) == ClassCapacity
}
