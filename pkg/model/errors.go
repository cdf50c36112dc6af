package model

import "fmt"

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation  ErrorCode = "VALIDATION_ERROR"
	ErrNotFound    ErrorCode = "NOT_FOUND"
	ErrConflict    ErrorCode = "CONFLICT"
	ErrUnavailable ErrorCode = "UNAVAILABLE"
	ErrInternal    ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the nexus API.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a VALIDATION_ERROR APIError.
func NewValidationError(msg string) *APIError {
	return &APIError{Code: ErrValidation, Message: msg}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

// ProbeError reports a failed device query. The scheduler skips the tick.
type ProbeError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device probe %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("device probe %s: exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// StartError reports that a job's session could not be created.
type StartError struct {
	JobID    string
	Session  string
	ExitCode int
	Output   string
	Err      error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("start job %s (session %s): %v", e.JobID, e.Session, e.Err)
	}
	return fmt.Sprintf("start job %s (session %s): exit code %d: %s", e.JobID, e.Session, e.ExitCode, e.Output)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
