package repository

import (
	"time"

	"github.com/okian/buma/pkg/logger"
)

type options struct {
	log logger.Logger
	now func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithLogger sets the logger used by a store.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides the time source used for stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(name string, opts []Option) options {
	o := options{
		log: logger.Named(name),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
