// Package dedupe keeps a bounded in-process cache of idempotency keys whose
// decisions are already in the decision log. It is a positive cache only: a
// miss says nothing, and callers fall back to the log.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/okian/buma/internal/domain/model"
)

// Deduper records keys known to be logged.
type Deduper interface {
	// Seen reports whether key was recorded.
	Seen(ctx context.Context, key model.Key) bool

	// Record marks key as logged. Call only after the decision log accepted
	// the entry (or reported it as a duplicate).
	Record(ctx context.Context, key model.Key)

	Size() int64
}

// inMemoryDeduper evicts the oldest key once maxSize is reached.
// maxSize <= 0 means unbounded.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[model.Key]*list.Element
	order   *list.List // front is newest
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50000,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[model.Key]*list.Element)
	d.order = list.New()
	return d
}

func (d *inMemoryDeduper) Seen(_ context.Context, key model.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

func (d *inMemoryDeduper) Record(_ context.Context, key model.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return
	}
	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.evictOldest()
	}
	d.seen[key] = d.order.PushFront(key)
	d.size.Add(1)
}

// evictOldest must be called with d.mu held.
func (d *inMemoryDeduper) evictOldest() {
	el := d.order.Back()
	if el == nil {
		return
	}
	d.order.Remove(el)
	delete(d.seen, el.Value.(model.Key))
	d.size.Add(-1)
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
