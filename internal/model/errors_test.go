package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsKindExtractsTaggedError(t *testing.T) {
	err := NewError(KindConflict, "already exists", nil)
	assert.Equal(t, KindConflict, AsKind(err))
}

func TestAsKindDefaultsToInternalForPlainErrors(t *testing.T) {
	assert.Equal(t, KindInternal, AsKind(errors.New("boom")))
}

func TestAsKindOfNilIsEmpty(t *testing.T) {
	assert.Equal(t, Kind(""), AsKind(nil))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(KindSSHFailure, "dial failed", cause)

	assert.Contains(t, err.Error(), "dial failed")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, err.Unwrap())
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := NewError(KindValidation, "bad input", nil)
	assert.Equal(t, "validation: bad input", err.Error())
	assert.Nil(t, err.Unwrap())
}
