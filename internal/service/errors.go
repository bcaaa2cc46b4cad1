package service

import (
	"errors"
)

// Domain errors returned by the services. Handlers map them to HTTP status
// codes.
var (
	ErrNotFound               = errors.New("not found")
	ErrConversationClosed     = errors.New("conversation is closed")
	ErrConcurrentModification = errors.New("conversation was modified concurrently")
	ErrInvalidDisposition     = errors.New("invalid disposition code")
	ErrValidation             = errors.New("validation failed")
	ErrAlreadyExists          = errors.New("already exists")
	ErrChannelUnavailable     = errors.New("channel unavailable")
	ErrDeliveryFailed         = errors.New("channel delivery failed")
	ErrConversationStale      = errors.New("message stored but conversation update failed")
	ErrAssistantUnavailable   = errors.New("assistant unavailable")
)

// errUnchanged is returned by a mutation function to signal that the
// document already has the requested state and no write is needed.
var errUnchanged = errors.New("unchanged")
