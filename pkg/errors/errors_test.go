package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without underlying error",
			err:      New(CodeIrreducibleLoop, "loop is irreducible"),
			expected: "[IRREDUCIBLE_LOOP] loop is irreducible",
		},
		{
			name:     "with underlying error",
			err:      Wrap(CodeMalformedInput, "bad json", errors.New("unexpected EOF")),
			expected: "[MALFORMED_INPUT] bad json: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeInlineFailure, "nested inlining", underlying)

	unwrapped := err.Unwrap()
	assert.Equal(t, underlying, unwrapped)
}

func TestAppError_Is(t *testing.T) {
	err1 := New(CodeMalformedInput, "error 1")
	err2 := New(CodeMalformedInput, "error 2")
	err3 := New(CodeIrreducibleLoop, "error 3")

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
}

func TestIsMalformedInput(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "malformed input", err: ErrMalformedInput, expected: true},
		{name: "wrapped malformed input", err: Wrap(CodeMalformedInput, "bad csv", errors.New("short record")), expected: true},
		{name: "other error", err: ErrIrreducibleLoop, expected: false},
		{name: "nil error", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsMalformedInput(tt.err))
		})
	}
}

func TestIsMissingDebugInfo(t *testing.T) {
	assert.True(t, IsMissingDebugInfo(ErrMissingDebugInfo))
	assert.False(t, IsMissingDebugInfo(ErrMalformedInput))
}

func TestIsIrreducibleLoop(t *testing.T) {
	assert.True(t, IsIrreducibleLoop(ErrIrreducibleLoop))
	assert.False(t, IsIrreducibleLoop(ErrMalformedInput))
}

func TestIsFatalForFunction(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "irreducible loop is fatal", err: New(CodeIrreducibleLoop, "x"), expected: true},
		{name: "non-terminating is a warning", err: New(CodeNonTerminating, "x"), expected: false},
		{name: "eternal loop is a warning", err: New(CodeEternalLoop, "x"), expected: false},
		{name: "plain error is fatal", err: errors.New("boom"), expected: true},
		{name: "nil is not fatal", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFatalForFunction(tt.err))
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "app error", err: New(CodeIrreducibleLoop, "x"), expected: CodeIrreducibleLoop},
		{name: "wrapped app error", err: Wrap(CodeMalformedInput, "x", errors.New("inner")), expected: CodeMalformedInput},
		{name: "standard error", err: errors.New("standard error"), expected: CodeUnknown},
		{name: "nil error", err: nil, expected: CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetErrorCode(tt.err))
		})
	}
}

func TestGetErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "app error", err: New(CodeIrreducibleLoop, "loop is irreducible"), expected: "loop is irreducible"},
		{name: "standard error", err: errors.New("standard error"), expected: "standard error"},
		{name: "nil error", err: nil, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetErrorMessage(tt.err))
		})
	}
}
