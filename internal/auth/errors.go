package auth

import "errors"

var (
	// ErrUnauthorized covers every token-trust failure: bad signature,
	// expiry, blacklisted jti, secret mismatch, dead session. Callers must
	// not be able to tell these apart.
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrNotFound signals an absent row on a direct lookup.
	ErrNotFound = errors.New("auth: not found")

	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")

	// ErrUnavailable marks transient store failures that a caller may retry.
	ErrUnavailable = errors.New("auth: store unavailable")
)
