package queue

import (
	"time"

	"github.com/okian/buma/pkg/logger"
)

type config struct {
	capacity          int
	visibilityTimeout time.Duration
	reapInterval      time.Duration
	pollTimeout       time.Duration
	keyPrefix         string
	now               func() time.Time
	log               logger.Logger
}

// Option applies a configuration option to a queue.
type Option func(*config)

// WithCapacity sets the maximum number of waiting messages.
func WithCapacity(capacity int) Option {
	return func(c *config) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

// WithVisibilityTimeout sets how long a received message stays leased.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.visibilityTimeout = d
		}
	}
}

// WithReapInterval sets how often expired leases and due delayed messages
// are moved back to the ready list.
func WithReapInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.reapInterval = d
		}
	}
}

// WithPollTimeout bounds one blocking receive against redis.
func WithPollTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithKeyPrefix sets the redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		if prefix != "" {
			c.keyPrefix = prefix
		}
	}
}

// WithClock overrides the time source used for leases and delays.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		capacity:          defaultQueueCapacity,
		visibilityTimeout: defaultVisibilityTimeout,
		pollTimeout:       time.Second,
		keyPrefix:         "buma:triage",
		now:               time.Now,
		log:               logger.Named("queue"),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.reapInterval == 0 {
		c.reapInterval = c.visibilityTimeout / 4
		if c.reapInterval < 10*time.Millisecond {
			c.reapInterval = 10 * time.Millisecond
		}
	}
	return c
}
