package chat

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTooLarge       = errors.New("file too large")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingFields  = errors.New("missing required fields: conversation_id, content")
)
