// Package retry holds the per-event pipeline state machine and the policy
// that decides, per error kind, whether a failed stage is retried,
// requeued or dead-lettered. It performs no I/O.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/buma/internal/domain/model"
)

// Stage is a pipeline state.
type Stage string

const (
	Received     Stage = "received"
	Normalized   Stage = "normalized"
	Classified   Stage = "classified"
	Assigned     Stage = "assigned"
	Applied      Stage = "applied"
	Logged       Stage = "logged"
	Acknowledged Stage = "acknowledged"
	DeadLettered Stage = "dead_lettered"
	Requeued     Stage = "requeued"
)

// Terminal reports whether no further transition follows s.
func (s Stage) Terminal() bool {
	return s == Acknowledged || s == DeadLettered || s == Requeued
}

// Next returns the stage reached when s completes successfully.
func (s Stage) Next() Stage {
	switch s {
	case Received:
		return Normalized
	case Normalized:
		return Classified
	case Classified:
		return Assigned
	case Assigned:
		return Applied
	case Applied:
		return Logged
	case Logged:
		return Acknowledged
	default:
		return s
	}
}

// Kind classifies a stage error for the policy.
type Kind string

const (
	KindNone           Kind = ""
	KindMalformed      Kind = "malformed"
	KindUnsupported    Kind = "unsupported"
	KindCapacity       Kind = "capacity_exceeded"
	KindRaceExhausted  Kind = "race_exhausted"
	KindApply          Kind = "apply"
	KindApplyPermanent Kind = "apply_permanent"
	KindStorage        Kind = "storage"
	KindTimeout        Kind = "timeout"
	KindCanceled       Kind = "canceled"
	KindPoison         Kind = "max_deliveries"
	KindUnknown        Kind = "unknown"
)

// Transient reports whether the kind is worth retrying.
func (k Kind) Transient() bool {
	switch k {
	case KindApply, KindStorage, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// KindOf maps an error onto its kind. Permanent rejections are checked before
// transient ones so a wrapped chain carrying both is treated as permanent.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, model.ErrMalformedEvent):
		return KindMalformed
	case errors.Is(err, model.ErrUnsupportedAction):
		return KindUnsupported
	case errors.Is(err, model.ErrApplyPermanent):
		return KindApplyPermanent
	case errors.Is(err, model.ErrMaxDeliveries):
		return KindPoison
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, model.ErrCapacityExceeded):
		return KindCapacity
	case errors.Is(err, model.ErrRaceExhausted):
		return KindRaceExhausted
	case errors.Is(err, model.ErrApply):
		return KindApply
	case errors.Is(err, model.ErrStorage):
		return KindStorage
	default:
		return KindUnknown
	}
}

// Failure describes the last error seen in a stage.
type Failure struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", f.Stage, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// State is the tagged union driven by the dispatcher loop: the current stage,
// the attempt number within it (starting at 1) and the last failure.
type State struct {
	Stage   Stage
	Attempt int
	Failure *Failure
}

// Start returns the initial state of a run.
func Start() State {
	return State{Stage: Received, Attempt: 1}
}

// Advance moves to the next stage with a fresh attempt counter.
func (s State) Advance() State {
	return State{Stage: s.Stage.Next(), Attempt: 1}
}

// Fail records a failure of the current stage.
func (s State) Fail(err error) State {
	s.Failure = &Failure{Stage: s.Stage, Kind: KindOf(err), Err: err}
	return s
}

// Jump moves directly to a stage; used when an idempotency hit skips the
// pipeline or the policy ends the run.
func (s State) Jump(to Stage) State {
	s.Stage = to
	return s
}
