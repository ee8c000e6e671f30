package gateway

import "errors"

var (
	ErrConnClosed           = errors.New("connection is closed")
	ErrInvalidJSON          = errors.New("message is not valid JSON")
	ErrBufferFull           = errors.New("write buffer is full")
	ErrAlreadyAuthenticated = errors.New("connection is already authenticated")
)
