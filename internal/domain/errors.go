package domain

import "errors"

// Error kinds used across the bridge. Boundaries (HTTP handlers, CLI) map
// these to user-safe messages with errors.Is; internal causes stay wrapped.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrTransport    = errors.New("transport failure")
	ErrTimeout      = errors.New("operation timed out")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
)
