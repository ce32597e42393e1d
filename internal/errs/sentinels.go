// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/engine layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., a second direct conversation for a contact).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates a missing, expired or invalid staff session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrFeedUnavailable indicates the change feed is not connected; callers retry later.
	ErrFeedUnavailable = errors.New("change feed unavailable")

	// ErrNotBroadcast indicates a broadcast operation on an ordinary conversation.
	ErrNotBroadcast = errors.New("not a broadcast conversation")

	// ErrDeliveryFailed indicates the SMS gateway rejected or failed a recipient.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrDeleted indicates the conversation was deleted on this device and must not be restored.
	ErrDeleted = errors.New("conversation deleted")
)
