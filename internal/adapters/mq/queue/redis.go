package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

// envelope is the stored form of a message. The nonce keeps two copies of
// an identical message distinct inside the processing list.
type envelope struct {
	Nonce string        `json:"nonce"`
	Msg   model.Message `json:"msg"`
}

// ackScript removes a leased payload from the processing list.
var ackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed > 0 then
	redis.call('ZREM', KEYS[2], ARGV[1])
end
return removed
`)

// nackScript moves a leased payload back to the ready list, or to the
// delayed set when ARGV[3] is a positive due time.
var nackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
if tonumber(ARGV[3]) > 0 then
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[2])
else
	redis.call('LPUSH', KEYS[3], ARGV[2])
end
return 1
`)

// promoteScript moves due delayed payloads to the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// RedisQueue is a Queue shared by several processes through redis. Ready
// messages live in a list; a received message is moved atomically to a
// processing list and leased in a sorted set scored by its deadline.
type RedisQueue struct {
	cfg    config
	client redis.UniversalClient

	readyKey      string
	processingKey string
	leasesKey     string
	delayedKey    string

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRedisQueue creates a queue on client and starts its reaper. The caller
// owns client.
func NewRedisQueue(client redis.UniversalClient, opts ...Option) *RedisQueue {
	cfg := newConfig(opts)
	q := &RedisQueue{
		cfg:           cfg,
		client:        client,
		readyKey:      cfg.keyPrefix + ":queue",
		processingKey: cfg.keyPrefix + ":processing",
		leasesKey:     cfg.keyPrefix + ":leases",
		delayedKey:    cfg.keyPrefix + ":delayed",
		done:          make(chan struct{}),
	}
	metrics.UpdateQueueCapacity(cfg.capacity)

	q.wg.Add(1)
	go q.reapLoop()
	return q
}

func (q *RedisQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func encode(nonce string, msg model.Message) (string, error) {
	b, err := json.Marshal(envelope{Nonce: nonce, Msg: msg})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(b), nil
}

func decode(payload string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return envelope{}, fmt.Errorf("decode message: %w", err)
	}
	return env, nil
}

// Enqueue pushes msg onto the ready list, failing with ErrFull at capacity.
func (q *RedisQueue) Enqueue(ctx context.Context, msg model.Message) error {
	if q.closed() {
		metrics.RecordQueueEnqueueError()
		return ErrClosed
	}
	if n := q.Len(ctx); n >= q.cfg.capacity {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "capacity_exceeded")
		return ErrFull
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.cfg.now().UTC()
	}
	payload, err := encode(uuid.NewString(), msg)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.readyKey, payload).Err(); err != nil {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "redis_error")
		return fmt.Errorf("lpush: %w", err)
	}
	metrics.RecordQueueEnqueue()
	return nil
}

// Receive moves the next ready message to the processing list and leases it.
func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if q.closed() {
			return Delivery{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		payload, err := q.client.BLMove(ctx, q.readyKey, q.processingKey, "RIGHT", "LEFT", q.cfg.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Delivery{}, ctxErr
			}
			metrics.RecordErrorByComponent("queue", "redis_error")
			return Delivery{}, fmt.Errorf("blmove: %w", err)
		}

		now := q.cfg.now()
		deadline := now.Add(q.cfg.visibilityTimeout)
		if err := q.client.ZAdd(ctx, q.leasesKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: payload}).Err(); err != nil {
			// The reaper leases orphans left in the processing list.
			q.cfg.log.Warn(ctx, "lease write failed", logger.Error(err))
		}

		env, err := decode(payload)
		if err != nil {
			q.cfg.log.Error(ctx, "dropping undecodable payload", logger.Error(err))
			_ = ackScript.Run(ctx, q.client, []string{q.processingKey, q.leasesKey}, payload).Err()
			continue
		}
		metrics.RecordQueueDequeue()
		return Delivery{Message: env.Msg, Receipt: payload, ReceivedAt: now}, nil
	}
}

// Ack removes a leased message.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.processingKey, q.leasesKey}, d.Receipt).Int()
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if n == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

// Nack returns a leased message to the ready list, or to the delayed set
// when delay is positive.
func (q *RedisQueue) Nack(ctx context.Context, d Delivery, delay time.Duration) error {
	env, err := decode(d.Receipt)
	if err != nil {
		return err
	}
	var due int64
	if delay > 0 {
		due = q.cfg.now().Add(delay).UnixMilli()
	}
	ok, err := q.requeue(ctx, d.Receipt, env, due)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownReceipt
	}
	return nil
}

// requeue replaces a leased payload with a copy whose attempt count is one
// higher. due is a unix millisecond time or zero for immediate visibility.
func (q *RedisQueue) requeue(ctx context.Context, old string, env envelope, due int64) (bool, error) {
	env.Msg.AttemptCount++
	next, err := encode(env.Nonce, env.Msg)
	if err != nil {
		return false, err
	}
	keys := []string{q.processingKey, q.leasesKey, q.readyKey, q.delayedKey}
	n, err := nackScript.Run(ctx, q.client, keys, old, next, strconv.FormatInt(due, 10)).Int()
	if err != nil {
		return false, fmt.Errorf("requeue: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	metrics.RecordQueueRedelivered()
	return true, nil
}

func (q *RedisQueue) reapLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), q.cfg.reapInterval*4)
			if err := q.reap(ctx); err != nil {
				q.cfg.log.Warn(ctx, "reap failed", logger.Error(err))
			}
			cancel()
		}
	}
}

// reap promotes due delayed messages, redelivers expired leases and leases
// payloads a crashed receiver left in the processing list.
func (q *RedisQueue) reap(ctx context.Context) error {
	now := q.cfg.now()
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)

	if err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, nowMs).Err(); err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}

	expired, err := q.client.ZRangeByScore(ctx, q.leasesKey, &redis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
	if err != nil {
		return fmt.Errorf("scan leases: %w", err)
	}
	for _, payload := range expired {
		env, err := decode(payload)
		if err != nil {
			_ = ackScript.Run(ctx, q.client, []string{q.processingKey, q.leasesKey}, payload).Err()
			continue
		}
		ok, err := q.requeue(ctx, payload, env, 0)
		if err != nil {
			return err
		}
		if !ok {
			// Acked between the scan and the requeue; drop the stale lease.
			q.client.ZRem(ctx, q.leasesKey, payload)
		}
	}
	if len(expired) > 0 {
		q.cfg.log.Warn(ctx, "leases expired, redelivering", logger.Int("count", len(expired)))
	}

	processing, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan processing: %w", err)
	}
	if len(processing) > 0 {
		deadline := float64(now.Add(q.cfg.visibilityTimeout).UnixMilli())
		members := make([]redis.Z, 0, len(processing))
		for _, payload := range processing {
			members = append(members, redis.Z{Score: deadline, Member: payload})
		}
		if err := q.client.ZAddNX(ctx, q.leasesKey, members...).Err(); err != nil {
			return fmt.Errorf("lease orphans: %w", err)
		}
	}

	metrics.UpdateQueueSize(q.Len(ctx))
	return nil
}

// Len returns the number of ready and delayed messages.
func (q *RedisQueue) Len(ctx context.Context) int {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0
	}
	return int(ready.Val() + delayed.Val())
}

// Inflight returns the number of leased, unacknowledged messages.
func (q *RedisQueue) Inflight(ctx context.Context) int {
	n, err := q.client.LLen(ctx, q.processingKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close stops the reaper. The client stays open.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	return nil
}
