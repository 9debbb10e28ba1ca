package assign

import (
	"time"

	"github.com/google/uuid"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used to stamp decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides how decision ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

func defaultID() string { return uuid.NewString() }
