// Package errors provides structured error handling for datalink.
//
// Every error that crosses an adapter boundary is a *Error carrying the
// category taxonomy, a severity, a stable machine code, and an optional
// retry policy. Raw causes stay attached via Unwrap so errors.Is/As keep
// working through the whole chain.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Category classifies an error into the datalink taxonomy.
type Category string

const (
	CategoryConnection     Category = "connection"
	CategorySecurity       Category = "security"
	CategoryValidation     Category = "validation"
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryTimeout        Category = "timeout"
	CategoryData           Category = "data"
	CategoryConfiguration  Category = "configuration"
	CategoryTransformation Category = "transformation"
	CategoryRateLimit      Category = "rate_limit"
	CategoryUnknown        Category = "unknown"
)

// Severity indicates how serious an error is for the caller.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RetryInfo carries the retry policy attached to a recoverable error.
type RetryInfo struct {
	RetryAfter  time.Duration `json:"retry_after"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     string        `json:"backoff"` // "exponential", "linear", "fixed"
}

// Error is the structured error type used throughout datalink. It is the
// only error shape that crosses the adapter boundary.
type Error struct {
	Category       Category
	Severity       Severity
	Code           string
	Message        string
	Recoverable    bool
	RetryInfo      *RetryInfo
	PartialResults []map[string]interface{}
	Suggestions    []string
	Cause          error
	Details        map[string]interface{}
	Stack          []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithSeverity overrides the default severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithRetry marks the error recoverable and attaches a retry policy.
func (e *Error) WithRetry(info RetryInfo) *Error {
	e.Recoverable = true
	e.RetryInfo = &info
	return e
}

// WithSuggestions attaches user-facing recovery suggestions.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithPartialResults attaches rows salvaged before the failure.
func (e *Error) WithPartialResults(results []map[string]interface{}) *Error {
	e.PartialResults = results
	return e
}

// New creates a new error with the given category, code and message.
// Transient categories start out recoverable.
func New(category Category, code, message string) *Error {
	return &Error{
		Category:    category,
		Severity:    defaultSeverity(category),
		Code:        code,
		Message:     message,
		Recoverable: transientCategories[category],
		Stack:       captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(category Category, code, format string, args ...interface{}) *Error {
	return &Error{
		Category:    category,
		Severity:    defaultSeverity(category),
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: transientCategories[category],
		Stack:       captureStack(2),
	}
}

// Wrap wraps an existing error with datalink context. Returns nil when err
// is nil so call sites can wrap unconditionally.
func Wrap(err error, category Category, code, message string) *Error {
	if err == nil {
		return nil
	}

	// Preserve the original stack when re-wrapping one of our own errors.
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Category:    category,
			Severity:    defaultSeverity(category),
			Code:        code,
			Message:     message,
			Recoverable: transientCategories[category],
			Cause:       err,
			Stack:       existing.Stack,
		}
	}

	return &Error{
		Category:    category,
		Severity:    defaultSeverity(category),
		Code:        code,
		Message:     message,
		Recoverable: transientCategories[category],
		Cause:       err,
		Stack:       captureStack(2),
	}
}

// IsCategory checks whether err belongs to the given category.
func IsCategory(err error, category Category) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Category == category
}

// IsRecoverable reports whether the error carries recoverable=true.
func IsRecoverable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Recoverable
}

// GetCode returns the machine code of a datalink error, or "" for foreign
// errors.
func GetCode(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// As is a convenience re-export so callers don't need both error packages.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a convenience re-export so callers don't need both error packages.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// defaultSeverity maps a category to its usual severity. Call sites can
// override with WithSeverity.
func defaultSeverity(category Category) Severity {
	switch category {
	case CategorySecurity:
		return SeverityCritical
	case CategoryValidation, CategoryRateLimit:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// transientCategories carry recoverable=true by default.
var transientCategories = map[Category]bool{
	CategoryNetwork:    true,
	CategoryTimeout:    true,
	CategoryConnection: true,
	CategoryRateLimit:  true,
}

// IsTransientCategory reports whether the category is transient by policy.
func IsTransientCategory(category Category) bool {
	return transientCategories[category]
}

// captureStack captures the current call stack.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
