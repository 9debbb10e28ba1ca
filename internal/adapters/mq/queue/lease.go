package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

const (
	defaultLeaseTTL      = 60 * time.Second
	defaultLeasePoll     = 50 * time.Millisecond
	leaseReleaseDeadline = 2 * time.Second
)

// releaseLeaseScript deletes a lease only while it still carries the
// holder's token.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLease hands out per-key leases shared by every process on the same
// redis. A lease whose holder dies expires after its TTL.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger logger.Logger
}

// NewRedisLease creates leases under keyPrefix. A non-positive ttl uses 60s.
// The caller owns client.
func NewRedisLease(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLease{
		client: client,
		prefix: keyPrefix + ":lease:",
		ttl:    ttl,
		poll:   defaultLeasePoll,
		logger: logger.Named("lease"),
	}
}

// Lock blocks until key is leased to the caller or ctx is done. The returned
// function gives the lease back; it is a no-op once the lease expired and
// someone else took it.
func (l *RedisLease) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.RecordErrorByComponent("lease", "acquire")
			return nil, fmt.Errorf("acquire lease %s: %w: %w", key, model.ErrStorage, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseDeadline)
			defer cancel()
			if err := releaseLeaseScript.Run(rctx, l.client, []string{k}, token).Err(); err != nil {
				metrics.RecordErrorByComponent("lease", "release")
				l.logger.Warn(ctx, "lease release failed; it will expire",
					logger.String("key", key), logger.Error(err))
			}
		})
	}, nil
}
