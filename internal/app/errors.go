package service

import "errors"

var (
	// ErrNotStarted is returned by operations that need a running service.
	ErrNotStarted = errors.New("service not started")
	// ErrEmptyPayload is returned by Ingest for a body with no bytes.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrMissingEventName is returned by Ingest without an event name.
	ErrMissingEventName = errors.New("missing event name")
)
