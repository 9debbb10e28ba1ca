// Package worker runs the pool of goroutines that pull deliveries off the
// queue, hand them to the dispatcher and acknowledge or requeue them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/buma/internal/adapters/mq/queue"
	"github.com/okian/buma/internal/dispatch"
	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 4 // multiplier for runtime.NumCPU()
	ackTimeout              = 5 * time.Second
	receiveErrorBackoff     = 100 * time.Millisecond
	workerShutdownTimeout   = 5 * time.Second
	poolShutdownTimeout     = 30 * time.Second
)

// Processor runs one message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg model.Message) dispatch.Result
}

// Queue defines how workers receive and settle deliveries.
type Queue interface {
	Receive(ctx context.Context) (queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
	Nack(ctx context.Context, d queue.Delivery, delay time.Duration) error
}

// Worker processes deliveries until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops receiving and waits for the in-flight delivery.
	Shutdown(ctx context.Context) error
}

// activity is shared by the workers of a pool.
type activity struct {
	active    atomic.Int64
	processed atomic.Int64
}

// QueueWorker implements Worker on top of a Queue.
type QueueWorker struct {
	queue     Queue
	processor Processor
	name      string
	activity  *activity

	// Shutdown control
	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewQueueWorker creates a new worker with configuration options.
func NewQueueWorker(q Queue, p Processor, opts ...Option) *QueueWorker {
	w := &QueueWorker{
		queue:     q,
		processor: p,
		name:      "worker",
		activity:  &activity{},
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.Get().Named("worker"),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}

	return w
}

// Run starts the worker loop. Receiving stops on Shutdown; the in-flight
// delivery keeps ctx, so only canceling ctx aborts it.
func (w *QueueWorker) Run(ctx context.Context) {
	defer close(w.done)

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.shutdown:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	for {
		d, err := w.queue.Receive(recvCtx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || recvCtx.Err() != nil {
				return
			}
			metrics.RecordErrorByComponent("worker", "receive")
			w.logger.Error(ctx, "receive failed", logger.Error(err))
			select {
			case <-recvCtx.Done():
				return
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}
		w.handle(ctx, d)
	}
}

// Shutdown gracefully stops the worker.
func (w *QueueWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// handle processes one delivery and settles it with the queue. A failed
// ack or nack is only logged: the lease expires and the queue redelivers.
func (w *QueueWorker) handle(ctx context.Context, d queue.Delivery) {
	start := time.Now()
	metrics.UpdateWorkerActiveCount(int(w.activity.active.Add(1)))
	defer func() {
		metrics.UpdateWorkerActiveCount(int(w.activity.active.Add(-1)))
		w.activity.processed.Add(1)
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	res := w.processor.Process(ctx, d.Message)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	var err error
	if res.Action == dispatch.Requeue {
		err = w.queue.Nack(settleCtx, d, res.Delay)
	} else {
		err = w.queue.Ack(settleCtx, d)
	}
	if err != nil {
		metrics.RecordErrorByComponent("worker", "settle")
		w.logger.Warn(ctx, "settling delivery failed, lease will expire",
			logger.String("delivery_id", d.Message.DeliveryID),
			logger.String("action", res.Action.String()),
			logger.Error(err),
		)
	}
}

// Stats describes the pool.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
}

// Pool manages multiple workers.
type Pool struct {
	workers  []*QueueWorker
	activity *activity

	cancel context.CancelFunc
	mu     sync.Mutex

	logger logger.Logger
}

// NewPool creates a new worker pool. workerCount < 1 selects a default based
// on the number of CPUs.
func NewPool(workerCount int, q Queue, p Processor) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers:  make([]*QueueWorker, workerCount),
		activity: &activity{},
		logger:   logger.Get().Named("worker-pool"),
	}

	for i := 0; i < workerCount; i++ {
		pool.workers[i] = NewQueueWorker(q, p,
			WithName("worker-"+strconv.Itoa(i)),
			withActivity(pool.activity),
		)
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(0)

	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for _, w := range p.workers {
		go w.Run(runCtx)
	}
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   len(p.workers),
		Active:    p.activity.active.Load(),
		Processed: p.activity.processed.Load(),
	}
}

// Shutdown stops receiving and waits for in-flight deliveries. When ctx (or
// the pool timeout) expires first, in-flight runs are canceled and end in a
// requeue.
func (p *Pool) Shutdown(ctx context.Context) error {
	for _, w := range p.workers {
		w.shutdownOnce.Do(func() { close(w.shutdown) })
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut bool
	for _, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut = true
		}
		if timedOut {
			break
		}
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if !timedOut {
		return nil
	}

	p.logger.Warn(ctx, "in-flight deliveries canceled at shutdown")
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-time.After(workerShutdownTimeout):
			p.logger.Warn(ctx, "worker did not stop", logger.Int("worker_id", i))
			return fmt.Errorf("worker %d did not stop: %w", i, context.DeadlineExceeded)
		}
	}
	return nil
}
