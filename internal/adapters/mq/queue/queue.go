// Package queue provides the at-least-once delivery queue consumed by the
// dispatcher. A received message stays leased until it is acked or nacked;
// a lease that outlives the visibility timeout is redelivered.
package queue

import (
	"context"
	"time"

	"github.com/okian/buma/internal/domain/model"
)

// Default queue configuration constants.
const (
	defaultQueueCapacity     = 100000
	defaultVisibilityTimeout = 30 * time.Second
)

// Delivery is one leased receipt of a message.
type Delivery struct {
	Message    model.Message
	Receipt    string
	ReceivedAt time.Time
}

// Queue is an at-least-once message queue with explicit acknowledgement.
type Queue interface {
	// Enqueue adds a message. It returns ErrFull on backpressure and
	// ErrClosed after Close.
	Enqueue(ctx context.Context, msg model.Message) error

	// Receive blocks until a message is available, ctx is done or the
	// queue is closed.
	Receive(ctx context.Context) (Delivery, error)

	// Ack removes a delivered message for good.
	Ack(ctx context.Context, d Delivery) error

	// Nack returns a delivered message with its attempt count incremented;
	// it becomes visible again after delay.
	Nack(ctx context.Context, d Delivery, delay time.Duration) error

	// Len returns the number of messages waiting (ready or delayed).
	Len(ctx context.Context) int

	// Close stops the queue. Blocked receivers return ErrClosed.
	Close() error
}
