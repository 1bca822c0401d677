// Package engine provides the core types and interfaces for the terradev reconciliation
// and decision core: manifests, drift reports, decisions, plans, operations and audit entries.
package engine

import (
	"errors"
	"strings"
)

// ErrorClass decides whether a failure is worth retrying.
type ErrorClass string

const (
	// ErrorClassTransient covers provider timeouts and partially failed batches.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled covers rate limits and exhausted quotas.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict covers pins and duplicate manifest versions.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent covers missing records and denied permissions.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeManifestNotFound = "MANIFEST_NOT_FOUND"
	ErrCodeVersionNotFound  = "VERSION_NOT_FOUND"
	ErrCodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodePinned           = "PINNED"
	ErrCodePartialFailure   = "PARTIAL_FAILURE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
)

// EngineError is a classified error. Resource names the job, node or
// operation involved; Operation the step that failed.
//
//nolint:revive
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Class) + "] " + e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		b.WriteString(" (resource=" + e.Resource + ", operation=" + e.Operation + ")")
	case e.Resource != "":
		b.WriteString(" (resource=" + e.Resource + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another *EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewNotFoundError is a permanent error carrying one of the not-found codes.
func NewNotFoundError(code, message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(code)
}

func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain, or "".
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of the first EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }

func IsConflict(err error) bool { return ClassOf(err) == ErrorClassConflict }

func IsPermanent(err error) bool { return ClassOf(err) == ErrorClassPermanent }

// IsNotFound reports any of the not-found codes.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeNotFound, ErrCodeManifestNotFound, ErrCodeVersionNotFound, ErrCodeSnapshotNotFound:
		return true
	}
	return false
}

func IsPermissionDenied(err error) bool { return CodeOf(err) == ErrCodePermissionDenied }

func IsTimeout(err error) bool { return CodeOf(err) == ErrCodeTimeout }
