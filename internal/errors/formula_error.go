// Package errors provides the error taxonomy of the formula engine.
// ParseError and ValidationError are user-facing and surface at definition
// save time; UnsupportedOperationError guards the evaluator against trees
// that never went through validation; FormulaError carries operation
// context for everything else.
package errors

import (
	"fmt"
	"strings"
)

// FormulaError represents standardized errors across engine operations
type FormulaError struct {
	Op       string // Operation name (e.g., "Render", "Evaluate", "Load")
	Property string // Property name if applicable
	Message  string // Human-readable error description
	Cause    error  // Underlying error cause
}

// Error implements the error interface
func (e *FormulaError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("%s operation failed on property '%s': %s", e.Op, e.Property, e.Message)
	}
	return fmt.Sprintf("%s operation failed: %s", e.Op, e.Message)
}

// Unwrap returns the underlying cause for error wrapping support
func (e *FormulaError) Unwrap() error {
	return e.Cause
}

// Is implements error equality checking for errors.Is()
func (e *FormulaError) Is(target error) bool {
	if fe, ok := target.(*FormulaError); ok {
		return e.Op == fe.Op && e.Property == fe.Property && e.Message == fe.Message
	}
	return false
}

// ParseError reports malformed formula text.
type ParseError struct {
	Text     string // Formula text as given by the user
	Position int    // Byte offset of the offending token, -1 when unknown
	Message  string
}

func (e *ParseError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("The formula %q is not well formed: %s (at position %d).", e.Text, e.Message, e.Position)
	}
	return fmt.Sprintf("The formula %q is not well formed: %s.", e.Text, e.Message)
}

// ValidationError collects every problem found while validating a
// definition so they can be reported in one pass.
type ValidationError struct {
	Subject  string
	Messages []string
}

func (e *ValidationError) Error() string {
	if e.Subject == "" {
		return strings.Join(e.Messages, " ")
	}
	return fmt.Sprintf("%s: %s", e.Subject, strings.Join(e.Messages, " "))
}

// Add appends a message unless it is already present.
func (e *ValidationError) Add(message string) {
	for _, m := range e.Messages {
		if m == message {
			return
		}
	}
	e.Messages = append(e.Messages, message)
}

// Empty reports whether no problems were collected.
func (e *ValidationError) Empty() bool {
	return len(e.Messages) == 0
}

// OrNil returns e when it holds messages and nil otherwise, so callers can
// return it directly as an error.
func (e *ValidationError) OrNil() error {
	if e == nil || e.Empty() {
		return nil
	}
	return e
}

// UnsupportedOperationError is raised when an expression that should have
// failed validation reaches the evaluator.
type UnsupportedOperationError struct {
	Operation string
	Left      string
	Right     string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Right == "" {
		return fmt.Sprintf("unsupported operation: %s %s", e.Operation, e.Left)
	}
	return fmt.Sprintf("unsupported operation: %s %s %s", e.Left, e.Operation, e.Right)
}

// Common error constructors for consistent error creation

// NewParseError creates an error for malformed formula text
func NewParseError(text string, position int, message string) *ParseError {
	return &ParseError{Text: text, Position: position, Message: message}
}

// NewValidationError creates a validation error holding the given messages
func NewValidationError(subject string, messages ...string) *ValidationError {
	ve := &ValidationError{Subject: subject}
	for _, m := range messages {
		ve.Add(m)
	}
	return ve
}

// NewUnsupportedOperationError creates the evaluator guard error
func NewUnsupportedOperationError(operation, left, right string) *UnsupportedOperationError {
	return &UnsupportedOperationError{Operation: operation, Left: left, Right: right}
}

// NewUnknownPropertyError creates an error for references to missing properties
func NewUnknownPropertyError(op, property string) *FormulaError {
	return &FormulaError{
		Op:       op,
		Property: property,
		Message:  "property does not exist",
	}
}

// NewInvalidInputError creates an error for invalid operation inputs
func NewInvalidInputError(op, message string) *FormulaError {
	return &FormulaError{
		Op:      op,
		Message: message,
	}
}

// NewInvalidLiteralError creates an error for override values that cannot
// be read as the property's type
func NewInvalidLiteralError(op, property, literal string, cause error) *FormulaError {
	return &FormulaError{
		Op:       op,
		Property: property,
		Message:  fmt.Sprintf("invalid literal %q", literal),
		Cause:    cause,
	}
}

// NewInternalError creates an error for internal operation failures
func NewInternalError(op string, cause error) *FormulaError {
	return &FormulaError{
		Op:      op,
		Message: "internal error occurred",
		Cause:   cause,
	}
}

// Predefined error variables for common cases
var (
	// ErrUnboundExpression indicates rendering of a tree whose references
	// were never resolved against a registry
	ErrUnboundExpression = &FormulaError{
		Op:      "render",
		Message: "expression references unresolved properties",
	}
)
