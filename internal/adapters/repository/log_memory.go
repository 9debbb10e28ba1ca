package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
)

// MemoryDecisionLog keeps entries in process memory.
type MemoryDecisionLog struct {
	mu      sync.RWMutex
	byKey   map[model.Key]int
	entries []model.LogEntry
	opts    options
}

// NewMemoryDecisionLog creates an empty decision log.
func NewMemoryDecisionLog(opts ...Option) *MemoryDecisionLog {
	return &MemoryDecisionLog{
		byKey: make(map[model.Key]int),
		opts:  newOptions("decision_log", opts),
	}
}

// Append stores entry. A second entry for the same key is ErrDuplicateEntry.
func (l *MemoryDecisionLog) Append(ctx context.Context, entry model.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entry.Key()
	if _, ok := l.byKey[key]; ok {
		return fmt.Errorf("append %s: %w", key, model.ErrDuplicateEntry)
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = l.opts.now().UTC()
	}
	l.byKey[key] = len(l.entries)
	l.entries = append(l.entries, entry)
	l.opts.log.Debug(ctx, "decision appended",
		logger.String("issue_id", entry.IssueID),
		logger.String("outcome", string(entry.Outcome)))
	return nil
}

// Exists reports whether an entry for (issueID, action) is stored.
func (l *MemoryDecisionLog) Exists(ctx context.Context, issueID, action string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byKey[model.Key{IssueID: issueID, Action: action}]
	return ok, nil
}

// Query returns entries matching f, newest first.
func (l *MemoryDecisionLog) Query(ctx context.Context, f Filter) ([]model.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, err := normalizeLimit(f.Limit)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	out := make([]model.LogEntry, 0)
	for _, e := range l.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].DecidedAt.After(out[j].DecidedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (l *MemoryDecisionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// MemoryDeadLetters keeps dead letters in process memory.
type MemoryDeadLetters struct {
	mu    sync.RWMutex
	items []model.DeadLetter
	opts  options
}

// NewMemoryDeadLetters creates an empty dead-letter store.
func NewMemoryDeadLetters(opts ...Option) *MemoryDeadLetters {
	return &MemoryDeadLetters{opts: newOptions("dead_letters", opts)}
}

// Put stores a dead-letter record.
func (s *MemoryDeadLetters) Put(ctx context.Context, dl model.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = s.opts.now().UTC()
	}
	s.mu.Lock()
	s.items = append(s.items, dl)
	s.mu.Unlock()
	return nil
}

// List returns up to limit records, newest first.
func (s *MemoryDeadLetters) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeadLetter, 0, min(n, len(s.items)))
	for i := len(s.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.items[i])
	}
	return out, nil
}
