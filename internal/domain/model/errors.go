package model

import "errors"

// Sentinel errors shared across the pipeline. Stages wrap them with context
// and callers classify with errors.Is.
var (
	ErrMalformedEvent    = errors.New("malformed event")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrRaceExhausted     = errors.New("race exhausted")
	ErrDeveloperNotFound = errors.New("developer not found")
	ErrApply             = errors.New("apply failed")
	ErrApplyPermanent    = errors.New("apply rejected")
	ErrStorage           = errors.New("storage error")
	ErrDuplicateEntry    = errors.New("duplicate decision log entry")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrMaxDeliveries     = errors.New("delivery limit exceeded")
)
