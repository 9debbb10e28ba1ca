package dispatch

import (
	"context"
	"time"

	"github.com/okian/buma/internal/adapters/applier"
	"github.com/okian/buma/internal/adapters/repository"
	"github.com/okian/buma/internal/domain/dedupe"
	"github.com/okian/buma/internal/domain/retry"
	"github.com/okian/buma/pkg/logger"
)

// Timeouts bounds each external call made while processing one event.
type Timeouts struct {
	Roster      time.Duration
	Applier     time.Duration
	DecisionLog time.Duration
}

// DefaultTimeouts returns the per-call deadlines used when none are set.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Roster:      2 * time.Second,
		Applier:     10 * time.Second,
		DecisionLog: 2 * time.Second,
	}
}

// Labels controls the labels derived from a decision.
type Labels struct {
	CategoryPrefix string
	PriorityPrefix string
	// Unassigned is added when no developer was chosen; empty disables it.
	Unassigned string
}

// DefaultLabels returns the label scheme used when none is set.
func DefaultLabels() Labels {
	return Labels{
		CategoryPrefix: "triage/",
		PriorityPrefix: "priority/",
		Unassigned:     "triage/unassigned",
	}
}

// Sleeper waits between retries. It returns ctx.Err() when ctx ends first.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRoster sets the roster store.
func WithRoster(r repository.RosterStore) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.roster = r
		}
	}
}

// WithDecisionLog sets the decision log.
func WithDecisionLog(l repository.DecisionLog) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithDeadLetters sets the dead-letter store.
func WithDeadLetters(s repository.DeadLetterStore) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.deadLetters = s
		}
	}
}

// WithApplier sets the action applier.
func WithApplier(a applier.Applier) Option {
	return func(d *Dispatcher) {
		if a != nil {
			d.applier = a
		}
	}
}

// WithDeduper sets the positive idempotency cache.
func WithDeduper(dd dedupe.Deduper) Option {
	return func(d *Dispatcher) {
		if dd != nil {
			d.dedupe = dd
		}
	}
}

// WithPolicy sets the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithTimeouts sets per-call deadlines. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(d *Dispatcher) {
		if t.Roster > 0 {
			d.timeouts.Roster = t.Roster
		}
		if t.Applier > 0 {
			d.timeouts.Applier = t.Applier
		}
		if t.DecisionLog > 0 {
			d.timeouts.DecisionLog = t.DecisionLog
		}
	}
}

// WithMaxDeliveries sets how many deliveries a message may have before it
// is dead-lettered on receipt. Zero disables the guard.
func WithMaxDeliveries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxDeliveries = n
		}
	}
}

// WithIssueLease adds a second per-issue lock held around each run, for
// deployments where several processes consume the same queue.
func WithIssueLease(l Locker) Option {
	return func(d *Dispatcher) {
		d.leases = l
	}
}

// WithLabels sets the label scheme.
func WithLabels(l Labels) Option {
	return func(d *Dispatcher) {
		d.labels = l
	}
}

// WithSleeper replaces the retry wait, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.sleep = s
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithIDGenerator overrides dead-letter and failed-entry ids.
func WithIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) {
		if gen != nil {
			d.newID = gen
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}
