package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Verdict is the policy's answer to a failed stage.
type Verdict int

const (
	// Retry re-enters the same stage after Delay.
	Retry Verdict = iota
	// Requeue ends the run without acknowledging; the queue redelivers.
	Requeue
	// DeadLetter sets the event aside for manual handling.
	DeadLetter
	// Drop acknowledges without a decision.
	Drop
)

func (v Verdict) String() string {
	switch v {
	case Retry:
		return "retry"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Decision is what the dispatcher does next.
type Decision struct {
	Verdict Verdict
	Delay   time.Duration
	Next    State
}

// Policy holds retry limits and the backoff curve.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// DefaultPolicy returns conservative defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// Decide maps a failed state to the next step. The state must carry a
// Failure.
func (p Policy) Decide(s State) Decision {
	kind := KindUnknown
	if s.Failure != nil {
		kind = s.Failure.Kind
	}

	switch kind {
	case KindCanceled:
		return Decision{Verdict: Requeue, Next: s.Jump(Requeued)}
	case KindMalformed, KindApplyPermanent, KindPoison:
		return Decision{Verdict: DeadLetter, Next: s.Jump(DeadLettered)}
	case KindUnsupported:
		return Decision{Verdict: Drop, Next: s.Jump(Acknowledged)}
	}

	if kind.Transient() && s.Attempt < p.MaxAttempts {
		next := s
		next.Attempt++
		return Decision{Verdict: Retry, Delay: p.Backoff(s.Attempt), Next: next}
	}

	// Out of attempts, or not worth another one. Before a decision exists and when the decision log
	// cannot be written, the event must stay on the queue.
	if s.Stage == Received || s.Stage == Logged {
		return Decision{Verdict: Requeue, Next: s.Jump(Requeued)}
	}
	return Decision{Verdict: DeadLetter, Next: s.Jump(DeadLettered)}
}

// Backoff returns the wait before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	b := p.newBackOff()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return p.MaxBackoff
	}
	return d
}

// RequeueDelay is the visibility delay for a requeued message, derived from
// how many times it has been delivered.
func (p Policy) RequeueDelay(deliveries int) time.Duration {
	if deliveries < 1 {
		deliveries = 1
	}
	return p.Backoff(deliveries)
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
