// Package repository holds the roster, decision log and dead-letter stores.
package repository

import (
	"context"
	"time"

	"github.com/okian/buma/internal/domain/model"
)

// RosterStore holds developer skills, capacity and current load. Reserve and
// Release are linearizable per developer.
type RosterStore interface {
	// Candidates returns developers whose skill set contains category,
	// ordered by id, with their current load.
	Candidates(ctx context.Context, category string) ([]model.Developer, error)

	// Reserve increments load when load < capacity. It returns
	// model.ErrCapacityExceeded without mutating otherwise.
	Reserve(ctx context.Context, developerID string) error

	// Release decrements load, floored at zero.
	Release(ctx context.Context, developerID string) error

	// Sync replaces skills and capacity from configuration. Load of
	// developers that remain is preserved; removed developers are dropped.
	Sync(ctx context.Context, developers []model.Developer) error

	// List returns the whole roster ordered by id.
	List(ctx context.Context) ([]model.Developer, error)
}

// Filter narrows a decision log query. Zero fields do not filter.
type Filter struct {
	IssueID     string
	DeveloperID string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// DecisionLog is the append-only record of triage decisions.
type DecisionLog interface {
	// Append stores entry. A second entry for the same issue and action
	// fails with model.ErrDuplicateEntry.
	Append(ctx context.Context, entry model.LogEntry) error

	// Exists reports whether an entry for the issue and action is stored.
	Exists(ctx context.Context, issueID, action string) (bool, error)

	// Query returns entries newest first.
	Query(ctx context.Context, f Filter) ([]model.LogEntry, error)
}

// DeadLetterStore keeps events set aside for manual handling.
type DeadLetterStore interface {
	Put(ctx context.Context, dl model.DeadLetter) error
	List(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

func normalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, ErrInvalidLimit
	case limit == 0:
		return defaultQueryLimit, nil
	case limit > maxQueryLimit:
		return maxQueryLimit, nil
	default:
		return limit, nil
	}
}

func (f Filter) match(e model.LogEntry) bool {
	if f.IssueID != "" && e.IssueID != f.IssueID {
		return false
	}
	if f.DeveloperID != "" && e.DeveloperID != f.DeveloperID {
		return false
	}
	if !f.Since.IsZero() && e.DecidedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.DecidedAt.Before(f.Until) {
		return false
	}
	return true
}
