package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrPolicyNameRequired    = errors.New("policy name is required")
	ErrDuplicateRegistration = errors.New("policy already registered")
	ErrInvalidApplyPoint     = errors.New("invalid apply point")
	ErrUnknownPolicyKind     = errors.New("unknown policy kind")
	ErrManifestInvalid       = errors.New("invalid policy manifest")
)

// RegistrationError describes why a policy could not be registered.
// It unwraps to ErrDuplicateRegistration or ErrInvalidApplyPoint.
type RegistrationError struct {
	Policy     string
	ApplyPoint ApplyPoint
	Err        error
}

func (e *RegistrationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrDuplicateRegistration):
		return fmt.Sprintf("Called register with policy: %s more than once", e.Policy)
	case errors.Is(e.Err, ErrInvalidApplyPoint):
		return fmt.Sprintf("Invalid applyPoint: %s, provided with policy: %s. The apply points available are: %s",
			e.ApplyPoint, e.Policy, joinApplyPoints())
	case e.Err != nil:
		return fmt.Sprintf("register policy %s: %v", e.Policy, e.Err)
	default:
		return fmt.Sprintf("register policy %s failed", e.Policy)
	}
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// NewDuplicateRegistrationError reports a second registration of name.
func NewDuplicateRegistrationError(name string) error {
	return &RegistrationError{Policy: name, Err: ErrDuplicateRegistration}
}

// NewInvalidApplyPointError reports a policy tagged with an unsupported apply point.
func NewInvalidApplyPointError(name string, ap ApplyPoint) error {
	return &RegistrationError{Policy: name, ApplyPoint: ap, Err: ErrInvalidApplyPoint}
}
