package store

import "errors"

var (
	ErrDuplicateCode = errors.New("store: session code already exists")
	ErrNotAdmin      = errors.New("store: requester does not administer this session")
)
