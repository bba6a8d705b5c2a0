package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeBinding           = "BINDING_ERROR"
	ErrCodeModuleBuild       = "MODULE_BUILD_ERROR"
	ErrCodeDuplicateModule   = "DUPLICATE_MODULE"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeQueue             = "QUEUE_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeActionRequired    = "ACTION_REQUIRED"
)

// MeshError is the structured error type for all stepmesh operations.
type MeshError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *MeshError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *MeshError) Unwrap() error {
	return e.Cause
}

// NewError creates a new MeshError.
func NewError(code, message string) *MeshError {
	return &MeshError{Code: code, Message: message}
}

// NewErrorf creates a new MeshError with a formatted message.
func NewErrorf(code, format string, args ...any) *MeshError {
	return &MeshError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *MeshError) WithStep(stepID string) *MeshError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *MeshError) WithCause(err error) *MeshError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *MeshError) WithDetails(details map[string]any) *MeshError {
	e.Details = details
	return e
}

// CodeOf extracts the stepmesh error code from err, or ErrCodeExecution
// when err carries no code.
func CodeOf(err error) string {
	if me, ok := err.(*MeshError); ok {
		return me.Code
	}
	return ErrCodeExecution
}
