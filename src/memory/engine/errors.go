package engine

import "errors"

var (
	// ErrInvalidInput marks malformed requests such as a missing organization.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized marks an operation that targeted another organization's data.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrContextNotFound is returned by AmendContext for an unknown context id.
	ErrContextNotFound = errors.New("context not found")
	// ErrNoStore is returned when an operation needs a store the engine was built without.
	ErrNoStore = errors.New("store not configured")
)
