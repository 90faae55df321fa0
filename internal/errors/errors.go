package errors

import "errors"

// Validation errors. Returned synchronously before any optimistic write.
var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationBlocked  = errors.New("conversation is blocked")
	ErrConversationClosed   = errors.New("conversation is closed")
	ErrMessageNotFound      = errors.New("message not found")
)

// Engine lifecycle errors.
var (
	ErrEngineClosed         = errors.New("engine closed")
	ErrTransportUnavailable = errors.New("no transport available")
)

// Server/transport errors.
var (
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
