package services

import "errors"

var (
	// ErrDuplicateEmail is returned when an email is already registered.
	ErrDuplicateEmail = errors.New("email already taken")

	// ErrInvalidParams is returned when registration or update input fails validation.
	ErrInvalidParams = errors.New("invalid params")

	// ErrAuthenticationFailed is returned by Login for an unknown email or a
	// wrong password. The two cases are deliberately indistinguishable.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnauthenticated is returned when a session token is missing, invalid,
	// expired, or refers to a user that no longer exists.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAuthorizationFailed is returned when the current password supplied
	// with a password change does not match.
	ErrAuthorizationFailed = errors.New("authorization failed")

	// ErrPersistence wraps unexpected credential store failures.
	ErrPersistence = errors.New("persistence failure")
)
