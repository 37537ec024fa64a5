package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistrationErrorMessages(t *testing.T) {
	dup := NewDuplicateRegistrationError("audit")
	assert.EqualError(t, dup, "Called register with policy: audit more than once")
	assert.True(t, errors.Is(dup, ErrDuplicateRegistration))

	invalid := NewInvalidApplyPointError("audit", "later")
	assert.EqualError(t, invalid,
		"Invalid applyPoint: later, provided with policy: audit. The apply points available are: beforeRequest, onResponse")
	assert.True(t, errors.Is(invalid, ErrInvalidApplyPoint))

	wrapped := fmt.Errorf("install manifest: %w", invalid)
	var regErr *RegistrationError
	assert.True(t, errors.As(wrapped, &regErr))
	assert.Equal(t, "audit", regErr.Policy)
}

func TestApplyPoints(t *testing.T) {
	assert.Equal(t, []ApplyPoint{BeforeRequest, OnResponse}, ApplyPoints())
	assert.True(t, BeforeRequest.Valid())
	assert.True(t, OnResponse.Valid())
	assert.False(t, ApplyPoint("").Valid())
	assert.False(t, ApplyPoint("OnResponse").Valid())
	assert.Equal(t, OnResponse, ParseApplyPoint("  onResponse "))

	points := ApplyPoints()
	points[0] = "mutated"
	assert.Equal(t, BeforeRequest, ApplyPoints()[0])
}
