package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/paveg/cardformula/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormulaError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *errors.FormulaError
		expected string
	}{
		{
			name: "Error with property",
			err: &errors.FormulaError{
				Op:       "Render",
				Property: "estimate",
				Message:  "property does not exist",
			},
			expected: "Render operation failed on property 'estimate': property does not exist",
		},
		{
			name: "Error without property",
			err: &errors.FormulaError{
				Op:      "Load",
				Message: "snapshot is empty",
			},
			expected: "Load operation failed: snapshot is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestFormulaError_UnwrapAndIs(t *testing.T) {
	cause := stderrors.New("bad decimal")
	err := errors.NewInvalidLiteralError("Render", "size", "abc", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", err), cause)

	same := &errors.FormulaError{Op: "Render", Property: "size", Message: `invalid literal "abc"`}
	assert.True(t, err.Is(same))
	assert.False(t, err.Is(errors.NewUnknownPropertyError("Render", "size")))
}

func TestParseError(t *testing.T) {
	err := errors.NewParseError("1 +", 3, "unexpected end of formula")
	assert.Equal(t, `The formula "1 +" is not well formed: unexpected end of formula (at position 3).`, err.Error())

	noPos := errors.NewParseError("", -1, "formula is empty")
	assert.Equal(t, `The formula "" is not well formed: formula is empty.`, noPos.Error())

	var target *errors.ParseError
	require.ErrorAs(t, fmt.Errorf("save: %w", err), &target)
	assert.Equal(t, 3, target.Position)
}

func TestValidationError(t *testing.T) {
	t.Run("collects distinct messages", func(t *testing.T) {
		ve := errors.NewValidationError("total", "first problem.", "second problem.", "first problem.")
		assert.Len(t, ve.Messages, 2)
		assert.Equal(t, "total: first problem. second problem.", ve.Error())
	})

	t.Run("empty validation error is nil", func(t *testing.T) {
		ve := errors.NewValidationError("")
		assert.True(t, ve.Empty())
		assert.NoError(t, ve.OrNil())

		var nilErr *errors.ValidationError
		assert.NoError(t, nilErr.OrNil())
	})

	t.Run("non-empty validation error is returned", func(t *testing.T) {
		ve := errors.NewValidationError("")
		ve.Add("Property x does not exist.")
		err := ve.OrNil()
		require.Error(t, err)
		assert.Equal(t, "Property x does not exist.", err.Error())
	})
}

func TestUnsupportedOperationError(t *testing.T) {
	assert.Equal(t, "unsupported operation: 2024-01-01 * 3",
		errors.NewUnsupportedOperationError("*", "2024-01-01", "3").Error())
	assert.Equal(t, "unsupported operation: negate 2024-01-01",
		errors.NewUnsupportedOperationError("negate", "2024-01-01", "").Error())
}

func TestNewInternalError(t *testing.T) {
	cause := stderrors.New("boom")
	err := errors.NewInternalError("Evaluate", cause)
	assert.Equal(t, "Evaluate operation failed: internal error occurred", err.Error())
	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, "Check operation failed: no definitions", errors.NewInvalidInputError("Check", "no definitions").Error())
}
