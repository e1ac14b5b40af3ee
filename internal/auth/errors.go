package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTenantMismatch indicates the resource belongs to a different tenant than the caller.
	ErrTenantMismatch = errors.New("auth: tenant mismatch")
)
