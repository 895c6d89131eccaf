package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrExists    = errors.New("already exists")
	ErrNotHolder = errors.New("lock held by a different holder")
)

// Reason codes carried by ValidationError.
const (
	CodeInvalidID         = "invalid_id"
	CodeUnknownWorker     = "unknown_worker"
	CodeInvalidPayload    = "invalid_payload"
	CodeInvalidPriority   = "invalid_priority"
	CodeInvalidTransition = "invalid_transition"
	CodeAlreadyActive     = "already_active"
	CodeDependenciesUnmet = "dependencies_unmet"
	CodeUnknownDependency = "unknown_dependency"
	CodeInvalidKind       = "invalid_kind"
	CodeDuplicateID       = "duplicate_id"
)

// Failure reasons recorded on messages that land in a failed store.
const (
	ReasonExpired        = "expired"
	ReasonDeliveryFailed = "delivery_failed"
	ReasonHandlerError   = "handler_error"
)

// ValidationError is returned for input or state that can never succeed on retry.
type ValidationError struct {
	Code   string
	Reason string
}

func NewValidationError(code, reason string) ValidationError {
	return ValidationError{Code: code, Reason: reason}
}

func (e ValidationError) Error() string {
	if e.Reason == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// IsValidation reports whether err is a ValidationError with the given code.
// An empty code matches any ValidationError.
func IsValidation(err error, code string) bool {
	var ve ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	return code == "" || ve.Code == code
}

// TransientIOError wraps filesystem failures that may succeed when retried.
type TransientIOError struct {
	Op  string
	Err error
}

func (e TransientIOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e TransientIOError) Unwrap() error { return e.Err }

// TimeoutError is returned when a bounded wait ran out.
type TimeoutError struct {
	Op       string
	Resource string
	After    time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Op, e.Resource, e.After)
}

// StaleOwnerError describes a lock holder presumed dead. It is logged when
// the lock is reclaimed, never handed to the acquirer.
type StaleOwnerError struct {
	Resource string
	Holder   string
	Age      time.Duration
}

func (e StaleOwnerError) Error() string {
	return fmt.Sprintf("lock %s held by %s is stale (age %s)", e.Resource, e.Holder, e.Age.Round(time.Millisecond))
}
