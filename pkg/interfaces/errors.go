package interfaces

import "errors"

// Errors shared across collaborator implementations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session is not active")
	ErrAppNotFound     = errors.New("app not found in active blacklist")
)
