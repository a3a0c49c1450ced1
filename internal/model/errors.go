package model

import "errors"

// Invariant violations raised by the entities. Workflows translate them into
// result failures; they never cross the service boundary as-is.
var (
	ErrOtpAlreadyUsed        = errors.New("otp has already been used")
	ErrEmptyExternalRef      = errors.New("external identity reference cannot be empty")
	ErrExternalRefAlreadySet = errors.New("external identity reference already set")
	ErrMissingExternalRef    = errors.New("user has no external identity reference")
	ErrEmptyName             = errors.New("name cannot be empty")
)
