// Package errors provides the pipeline's standardized error type.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// AppError represents a standardized pipeline error.
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   Severity               `json:"severity"`
}

// Severity levels for errors.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Error codes, one per error kind named in the pipeline's error-handling design.
const (
	// CodeInputRejection covers conditions that abort the invocation outright:
	// unparseable header, empty row list, non-positive interval, out-of-range
	// anomaly parameters, unknown fill method, malformed or duplicate-ID rule file.
	CodeInputRejection = "INPUT_REJECTION"

	// CodeDataGap marks a local data gap in a log entry: unparseable
	// timestamp, non-numeric cell, all-NaN column, too few rows for a given
	// statistic. Never returned as an error — logged and the gap recorded as null.
	CodeDataGap = "LOCAL_DATA_GAP"

	// CodeRuleGlitch marks a rule-evaluation hiccup: unknown field/operator/
	// mode, missing template placeholder. Never returned as an error —
	// logged at warning level, condition treated as non-matching.
	CodeRuleGlitch = "RULE_CONDITION_GLITCH"
)

// New creates a new AppError with Medium severity.
func New(code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium,
	}
}

// NewRejection creates a high-severity input-rejection error.
func NewRejection(component, operation, message string) *AppError {
	err := New(CodeInputRejection, component, operation, message)
	err.Severity = SeverityHigh
	return err
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Wrap sets the cause and returns the receiver for chaining.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata attaches a key/value pair and returns the receiver for chaining.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsCritical returns true if the error is critical or high severity.
func (e *AppError) IsCritical() bool {
	return e.Severity == SeverityCritical || e.Severity == SeverityHigh
}

// ToFields converts the error into a map suitable for logrus.WithFields.
func (e *AppError) ToFields() map[string]interface{} {
	fields := map[string]interface{}{
		"error_code":      e.Code,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
	}
	if e.Cause != nil {
		fields["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		fields["error_meta_"+k] = v
	}
	return fields
}

// AsAppError converts an error to *AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}
