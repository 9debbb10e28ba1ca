package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

type lease struct {
	msg      model.Message
	deadline time.Time
}

// InMemoryQueue is a bounded single-process Queue.
type InMemoryQueue struct {
	cfg config

	mu       sync.Mutex
	ready    []model.Message
	inflight map[string]lease
	delayed  int
	closed   bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewInMemoryQueue creates a queue and starts its lease reaper.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		cfg:      newConfig(opts),
		inflight: make(map[string]lease),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	metrics.UpdateQueueCapacity(q.cfg.capacity)
	metrics.UpdateQueueSize(0)

	q.wg.Add(1)
	go q.reapLoop()
	return q
}

func (q *InMemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds msg, failing with ErrFull at capacity.
func (q *InMemoryQueue) Enqueue(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		return ErrClosed
	}
	if len(q.ready)+q.delayed >= q.cfg.capacity {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "capacity_exceeded")
		return ErrFull
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.cfg.now().UTC()
	}
	q.ready = append(q.ready, msg)
	metrics.RecordQueueEnqueue()
	metrics.UpdateQueueSize(len(q.ready) + q.delayed)
	q.signal()
	return nil
}

// Receive blocks for the next ready message and leases it.
func (q *InMemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready[0] = model.Message{}
			q.ready = q.ready[1:]
			now := q.cfg.now()
			d := Delivery{Message: msg, Receipt: uuid.NewString(), ReceivedAt: now}
			q.inflight[d.Receipt] = lease{msg: msg, deadline: now.Add(q.cfg.visibilityTimeout)}
			more := len(q.ready) > 0
			metrics.UpdateQueueSize(len(q.ready) + q.delayed)
			q.mu.Unlock()

			if more {
				q.signal()
			}
			metrics.RecordQueueDequeue()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-q.done:
			return Delivery{}, ErrClosed
		case <-q.notify:
		}
	}
}

// Ack drops a leased message.
func (q *InMemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[d.Receipt]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, d.Receipt)
	return nil
}

// Nack returns a leased message for redelivery after delay.
func (q *InMemoryQueue) Nack(_ context.Context, d Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.inflight[d.Receipt]
	if !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, d.Receipt)
	msg := l.msg
	msg.AttemptCount++

	if delay <= 0 {
		q.requeueLocked(msg)
		return nil
	}
	q.delayed++
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.delayed--
		if !q.closed {
			q.requeueLocked(msg)
		}
	})
	return nil
}

// requeueLocked puts a message back regardless of capacity; redelivery must
// never drop a message. Must hold q.mu.
func (q *InMemoryQueue) requeueLocked(msg model.Message) {
	q.ready = append(q.ready, msg)
	metrics.RecordQueueRedelivered()
	metrics.UpdateQueueSize(len(q.ready) + q.delayed)
	q.signal()
}

func (q *InMemoryQueue) reapLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			if n := q.reap(); n > 0 {
				q.cfg.log.Warn(context.Background(), "leases expired, redelivering", logger.Int("count", n))
			}
		}
	}
}

// reap returns expired leases to the ready list.
func (q *InMemoryQueue) reap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.cfg.now()
	n := 0
	for receipt, l := range q.inflight {
		if now.Before(l.deadline) {
			continue
		}
		delete(q.inflight, receipt)
		msg := l.msg
		msg.AttemptCount++
		q.requeueLocked(msg)
		n++
	}
	return n
}

// Len returns the number of ready and delayed messages.
func (q *InMemoryQueue) Len(_ context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.delayed
}

// Inflight returns the number of leased, unacknowledged messages.
func (q *InMemoryQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close stops the queue and waits for its reaper.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
