package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrNotConfigured is returned by verifiers built without a secret.
	ErrNotConfigured = errors.New("auth: secret not configured")
	// ErrSignatureExpired is returned when a signed request is outside the allowed skew.
	ErrSignatureExpired = errors.New("auth: signature expired")
)
