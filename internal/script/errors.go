package script

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType categorizes different types of script errors
type ErrorType string

const (
	ErrorTypeCompilation      ErrorType = "compilation"
	ErrorTypeRuntime          ErrorType = "runtime"
	ErrorTypeAborted          ErrorType = "aborted"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeOperationLimit   ErrorType = "operation_limit"
	ErrorTypeMaxDepthExceeded ErrorType = "max_depth_exceeded"
	ErrorTypeResourceLimit    ErrorType = "resource_limit"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeInvalidScript    ErrorType = "invalid_script"
)

// Resource names carried by resource_limit errors
const (
	ResourceCallDepth  = "call_depth"
	ResourceStringSize = "string_size"
	ResourceArraySize  = "array_size"
	ResourceMapDepth   = "map_depth"
)

// ScriptError represents script-related errors with context
type ScriptError struct {
	Type       ErrorType
	ScriptName string
	Message    string
	Cause      error
	Timestamp  time.Time

	// Limit is the configured ceiling for timeout (milliseconds),
	// operation_limit and resource_limit errors.
	Limit int64
	// Depth is the offending chain depth for max_depth_exceeded.
	Depth int
	// Resource names the ceiling hit by a resource_limit error.
	Resource string
	// Reason is the script-supplied text of an abort.
	Reason string
}

func (e *ScriptError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

// IsResourceCeiling reports whether the error is one of the hard ceilings
func (e *ScriptError) IsResourceCeiling() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeOperationLimit, ErrorTypeMaxDepthExceeded, ErrorTypeResourceLimit:
		return true
	}
	return false
}

// NewScriptError creates a new ScriptError with the given parameters
func NewScriptError(errorType ErrorType, scriptName, message string, cause error) *ScriptError {
	return &ScriptError{
		Type:       errorType,
		ScriptName: scriptName,
		Message:    message,
		Cause:      cause,
		Timestamp:  time.Now(),
	}
}

// NewTimeoutError reports a wall-clock ceiling hit
func NewTimeoutError(scriptName string, limit time.Duration, cause error) *ScriptError {
	err := NewScriptError(ErrorTypeTimeout, scriptName,
		fmt.Sprintf("script exceeded time limit of %dms", limit.Milliseconds()), cause)
	err.Limit = limit.Milliseconds()
	return err
}

// NewOperationLimitError reports an exhausted operation budget
func NewOperationLimitError(scriptName string, limit int64) *ScriptError {
	err := NewScriptError(ErrorTypeOperationLimit, scriptName,
		fmt.Sprintf("script exceeded operation limit of %d", limit), nil)
	err.Limit = limit
	return err
}

// NewMaxDepthError reports a script chain nested deeper than allowed
func NewMaxDepthError(scriptName string, depth int) *ScriptError {
	err := NewScriptError(ErrorTypeMaxDepthExceeded, scriptName,
		fmt.Sprintf("script chain depth %d exceeds the maximum", depth), nil)
	err.Depth = depth
	return err
}

// NewResourceLimitError reports a size or call-depth ceiling hit
func NewResourceLimitError(scriptName, resource string, limit int64) *ScriptError {
	err := NewScriptError(ErrorTypeResourceLimit, scriptName,
		fmt.Sprintf("script exceeded %s limit of %d", resource, limit), nil)
	err.Resource = resource
	err.Limit = limit
	return err
}

// NewNotFoundError reports a catalogue miss
func NewNotFoundError(name string) *ScriptError {
	return NewScriptError(ErrorTypeNotFound, name, fmt.Sprintf("script not found: %s", name), nil)
}

// IsNotFound reports whether err is a catalogue miss
func IsNotFound(err error) bool {
	var scriptErr *ScriptError
	return errors.As(err, &scriptErr) && scriptErr.Type == ErrorTypeNotFound
}

// abortSignal is raised by the abort host function and halts the VM
type abortSignal struct {
	reason string
}

func (a *abortSignal) Error() string {
	return "script aborted: " + a.reason
}

// limitSignal is raised by the instrumentation hooks when a ceiling is hit
type limitSignal struct {
	err *ScriptError
}

func (l *limitSignal) Error() string {
	return l.err.Message
}
