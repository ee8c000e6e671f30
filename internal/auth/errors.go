package auth

import "errors"

var (
	// ErrMissingSecret means no signing secret was configured. Fatal at startup.
	ErrMissingSecret = errors.New("auth: signing secret is not configured")
	// ErrInvalidToken covers malformed, expired, and signature-invalid tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)
