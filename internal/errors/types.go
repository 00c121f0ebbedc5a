// Package errors defines the structured error taxonomy of the upload
// service. Every failure surfaced over HTTP is an *UploadError carrying a
// machine-readable code and the status it maps to.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeAdmission    ErrorType = "admission"
	ErrorTypeCancellation ErrorType = "cancellation"
	ErrorTypeIO           ErrorType = "io"
	ErrorTypeInternal     ErrorType = "internal"
)

// StatusClientClosedRequest is the non-standard status used when the client
// went away before the upload finished.
const StatusClientClosedRequest = 499

// UploadError is a structured error type with context.
type UploadError struct {
	Type    ErrorType
	Code    string
	Message string
	Status  int
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *UploadError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *UploadError) Is(target error) bool {
	var t *UploadError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *UploadError) WithContext(key string, value interface{}) *UploadError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithCause attaches the underlying error.
func (e *UploadError) WithCause(cause error) *UploadError {
	e.Cause = cause

	return e
}

// Response is the JSON body written for a failed request. It never carries
// the cause.
func (e *UploadError) Response() Response {
	return Response{Code: e.Code, Message: e.Message}
}

// Response is the wire shape of an error.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error creation functions

// NewValidationError creates a client input error. Status defaults to 400.
func NewValidationError(code, message string) *UploadError {
	return &UploadError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// NewTooLargeError creates a validation error reported as 413.
func NewTooLargeError(code, message string) *UploadError {
	e := NewValidationError(code, message)
	e.Status = http.StatusRequestEntityTooLarge

	return e
}

// NewAdmissionError creates a contention error (duplicate id, queue full).
func NewAdmissionError(code, message string, status int) *UploadError {
	return &UploadError{
		Type:    ErrorTypeAdmission,
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// NewCancellationError creates the error reported when the client aborts.
func NewCancellationError(cause error) *UploadError {
	return &UploadError{
		Type:    ErrorTypeCancellation,
		Code:    CodeUploadAborted,
		Message: "Upload request was canceled.",
		Status:  StatusClientClosedRequest,
		Cause:   cause,
	}
}

// NewIOError creates an I/O error.
func NewIOError(message string, cause error) *UploadError {
	return &UploadError{
		Type:    ErrorTypeIO,
		Code:    CodeIOError,
		Message: message,
		Status:  http.StatusInternalServerError,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error. The message sent to clients
// is always generic.
func NewInternalError(cause error) *UploadError {
	return &UploadError{
		Type:    ErrorTypeInternal,
		Code:    CodeServerError,
		Message: "Unexpected upload failure.",
		Status:  http.StatusInternalServerError,
		Cause:   cause,
	}
}

// As returns err as an *UploadError, classifying anything else as an
// internal error.
func As(err error) *UploadError {
	if err == nil {
		return nil
	}

	var ue *UploadError
	if errors.As(err, &ue) {
		return ue
	}

	return NewInternalError(err)
}

// IsValidation checks if an error is a client input error.
func IsValidation(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsCancellation checks if an error reports a client abort.
func IsCancellation(err error) bool {
	return hasType(err, ErrorTypeCancellation)
}

// IsIO checks if an error is an I/O failure.
func IsIO(err error) bool {
	return hasType(err, ErrorTypeIO)
}

// HasCode reports whether err is an *UploadError with the given code.
func HasCode(err error, code string) bool {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Code == code
	}

	return false
}

func hasType(err error, t ErrorType) bool {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Type == t
	}

	return false
}
