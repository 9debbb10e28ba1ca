// Package dispatch drives one queued event through the triage pipeline:
// idempotency check, normalization, classification, assignment, applying the
// decision and logging it. Failures are routed by the retry policy; the
// caller acknowledges or requeues according to the returned Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/buma/internal/adapters/applier"
	"github.com/okian/buma/internal/adapters/repository"
	"github.com/okian/buma/internal/domain/assign"
	"github.com/okian/buma/internal/domain/classify"
	"github.com/okian/buma/internal/domain/dedupe"
	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/internal/domain/normalize"
	"github.com/okian/buma/internal/domain/retry"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

// Action tells the worker what to do with the delivery.
type Action int

const (
	// Ack removes the message from the queue.
	Ack Action = iota
	// Requeue returns the message to the queue after Delay.
	Requeue
)

func (a Action) String() string {
	if a == Requeue {
		return "requeue"
	}
	return "ack"
}

// Result is the outcome of processing one delivery.
type Result struct {
	Action   Action
	Delay    time.Duration
	Final    retry.State
	Decision *model.Decision
}

// Stats counts terminal outcomes since start.
type Stats struct {
	Acknowledged int64 `json:"acknowledged"`
	Duplicates   int64 `json:"duplicates"`
	Dropped      int64 `json:"dropped"`
	DeadLettered int64 `json:"dead_lettered"`
	Requeued     int64 `json:"requeued"`
}

// Dispatcher processes deliveries. It is safe for concurrent use; events
// for the same issue are serialized.
type Dispatcher struct {
	classifier atomic.Pointer[classify.Classifier]
	engine     atomic.Pointer[assign.Engine]

	roster      repository.RosterStore
	log         repository.DecisionLog
	deadLetters repository.DeadLetterStore
	applier     applier.Applier
	dedupe      dedupe.Deduper

	policy        retry.Policy
	timeouts      Timeouts
	maxDeliveries int
	labels        Labels
	sleep         Sleeper
	now           func() time.Time
	newID         func() string
	logger        logger.Logger

	locks  *KeyLock
	leases Locker

	acked, duplicates, dropped, deadLettered, requeued atomic.Int64
}

// New creates a dispatcher. Stores default to in-memory implementations and
// the applier defaults to a dry run.
func New(engine *assign.Engine, classifier *classify.Classifier, opts ...Option) (*Dispatcher, error) {
	if engine == nil || classifier == nil {
		return nil, ErrMissingDependency
	}
	d := &Dispatcher{
		policy:        retry.DefaultPolicy(),
		timeouts:      DefaultTimeouts(),
		maxDeliveries: 10,
		labels:        DefaultLabels(),
		sleep:         sleepContext,
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        logger.Named("dispatch"),
		locks:         NewKeyLock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.roster == nil {
		d.roster = repository.NewMemoryRoster(nil)
	}
	if d.log == nil {
		d.log = repository.NewMemoryDecisionLog()
	}
	if d.deadLetters == nil {
		d.deadLetters = repository.NewMemoryDeadLetters()
	}
	if d.applier == nil {
		d.applier = applier.NewLog(d.logger.Named("applier"))
	}
	if d.dedupe == nil {
		d.dedupe = dedupe.NewInMemoryDeduper()
	}
	d.classifier.Store(classifier)
	d.engine.Store(engine)
	return d, nil
}

// SetClassifier swaps the rule set used for events processed from now on.
func (d *Dispatcher) SetClassifier(c *classify.Classifier) {
	if c != nil {
		d.classifier.Store(c)
	}
}

// SetEngine swaps the scoring engine used for events processed from now on.
func (d *Dispatcher) SetEngine(e *assign.Engine) {
	if e != nil {
		d.engine.Store(e)
	}
}

// Stats returns outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Acknowledged: d.acked.Load(),
		Duplicates:   d.duplicates.Load(),
		Dropped:      d.dropped.Load(),
		DeadLettered: d.deadLettered.Load(),
		Requeued:     d.requeued.Load(),
	}
}

// run carries what one pass has produced so far.
type run struct {
	msg        model.Message
	event      *model.IssueEvent
	cls        *model.Classification
	dec        *model.Decision
	attempts   int
	duplicate  bool
	dropped    bool
	// superseded is set when another delivery logged the key while this
	// run was applying its own decision.
	superseded bool
}

// Process runs msg through the pipeline and reports whether the delivery
// should be acknowledged or requeued. It never returns an error: every
// failure ends in one of the terminal stages.
func (d *Dispatcher) Process(ctx context.Context, msg model.Message) Result {
	start := d.now()
	ctx = logger.WithFields(ctx,
		logger.String("delivery_id", msg.DeliveryID),
		logger.String("issue_id", msg.IssueID),
		logger.Int("delivery_attempt", msg.AttemptCount),
	)
	r := &run{msg: msg}

	lockKey := msg.IssueID
	if lockKey == "" {
		lockKey = "delivery:" + msg.DeliveryID
	}
	unlock, err := d.locks.Lock(ctx, lockKey)
	if err != nil {
		return d.finish(ctx, r, retry.Start().Fail(err).Jump(retry.Requeued), start)
	}
	defer unlock()

	if d.leases != nil {
		release, err := d.leases.Lock(ctx, lockKey)
		if err != nil {
			return d.finish(ctx, r, retry.Start().Fail(err).Jump(retry.Requeued), start)
		}
		defer release()
	}

	st := retry.Start()
	for !st.Stage.Terminal() {
		stageStart := d.now()
		err := d.step(ctx, r, st.Stage)
		metrics.RecordStageLatency(string(st.Stage), float64(d.now().Sub(stageStart).Milliseconds()))

		if err == nil {
			if r.duplicate {
				st = st.Jump(retry.Acknowledged)
				continue
			}
			if st.Stage == retry.Received && d.exhausted(msg) {
				st = d.poisoned(ctx, r, st)
				continue
			}
			st = st.Advance()
			continue
		}

		st = st.Fail(err)
		next := d.policy.Decide(st)
		switch next.Verdict {
		case retry.Retry:
			metrics.RecordStageRetry(string(st.Stage), string(st.Failure.Kind))
			d.logger.Warn(ctx, "stage failed, retrying",
				logger.String("stage", string(st.Stage)),
				logger.String("kind", string(st.Failure.Kind)),
				logger.Int("attempt", st.Attempt),
				logger.Any("delay", next.Delay),
				logger.Error(err),
			)
			if serr := d.sleep(ctx, next.Delay); serr != nil {
				st = st.Fail(serr).Jump(retry.Requeued)
				continue
			}
			st = next.Next
		case retry.DeadLetter:
			st = d.deadLetter(ctx, r, next.Next)
		case retry.Drop:
			r.dropped = true
			d.logger.Info(ctx, "event ignored", logger.Error(err))
			st = next.Next
		default:
			st = next.Next
		}
	}
	return d.finish(ctx, r, st, start)
}

// step performs the work of one stage.
func (d *Dispatcher) step(ctx context.Context, r *run, stage retry.Stage) error {
	switch stage {
	case retry.Received:
		return d.checkLogged(ctx, r)
	case retry.Normalized:
		ev, err := normalize.NormalizeMessage(r.msg)
		if err != nil {
			return err
		}
		r.event = &ev
		return nil
	case retry.Classified:
		cls := d.classifier.Load().Classify(*r.event)
		r.cls = &cls
		metrics.RecordClassification(cls.Category, cls.Priority.String())
		return nil
	case retry.Assigned:
		return d.assign(ctx, r)
	case retry.Applied:
		return d.apply(ctx, r)
	case retry.Logged:
		return d.record(ctx, r, d.entry(r, model.OutcomeApplied, nil))
	default:
		return fmt.Errorf("no work defined for stage %s", stage)
	}
}

// checkLogged marks the run as a duplicate when the decision for the
// message's key is already in the log. Messages without an issue id skip
// the check; they cannot normalize.
func (d *Dispatcher) checkLogged(ctx context.Context, r *run) error {
	key := r.msg.Key()
	if key.IssueID == "" {
		return nil
	}
	if d.dedupe.Seen(ctx, key) {
		r.duplicate = true
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, d.timeouts.DecisionLog)
	defer cancel()
	found, err := d.log.Exists(lctx, key.IssueID, key.Action)
	if err != nil {
		return fmt.Errorf("check decision log: %w", err)
	}
	if found {
		d.dedupe.Record(ctx, key)
		r.duplicate = true
	}
	return nil
}

// exhausted reports whether msg was delivered more often than allowed.
func (d *Dispatcher) exhausted(msg model.Message) bool {
	return d.maxDeliveries > 0 && msg.AttemptCount > d.maxDeliveries
}

// poisoned dead-letters a message that is not yet logged but has used up its
// deliveries.
func (d *Dispatcher) poisoned(ctx context.Context, r *run, st retry.State) retry.State {
	if ev, err := normalize.NormalizeMessage(r.msg); err == nil {
		r.event = &ev
	}
	err := fmt.Errorf("%d deliveries: %w", r.msg.AttemptCount, model.ErrMaxDeliveries)
	return d.deadLetter(ctx, r, st.Fail(err).Jump(retry.DeadLettered))
}

// timedReserver gives every reservation its own deadline.
type timedReserver struct {
	roster  repository.RosterStore
	timeout time.Duration
}

func (t timedReserver) Reserve(ctx context.Context, developerID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.roster.Reserve(ctx, developerID)
}

func (d *Dispatcher) assign(ctx context.Context, r *run) error {
	rctx, cancel := context.WithTimeout(ctx, d.timeouts.Roster)
	devs, err := d.roster.Candidates(rctx, r.cls.Category)
	cancel()
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}

	dec, err := d.engine.Load().Assign(ctx, *r.event, *r.cls, devs, timedReserver{roster: d.roster, timeout: d.timeouts.Roster})
	if err != nil {
		return err
	}
	r.dec = &dec
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, r *run) error {
	r.attempts++
	actx, cancel := context.WithTimeout(ctx, d.timeouts.Applier)
	defer cancel()
	if err := d.applier.Apply(actx, d.applyRequest(*r.dec)); err != nil {
		return fmt.Errorf("apply decision: %w", err)
	}
	return nil
}

func (d *Dispatcher) applyRequest(dec model.Decision) model.ApplyRequest {
	labels := []string{
		d.labels.CategoryPrefix + dec.Category,
		d.labels.PriorityPrefix + dec.Priority.String(),
	}
	if !dec.Assigned() && d.labels.Unassigned != "" {
		labels = append(labels, d.labels.Unassigned)
	}
	return model.ApplyRequest{
		IssueID:      dec.IssueID,
		Action:       dec.Action,
		RepoFullName: dec.RepoFullName,
		IssueNumber:  dec.IssueNumber,
		Labels:       labels,
		Assignee:     dec.DeveloperID,
		Comment:      applier.WithMarker(dec.Explanation, dec.IssueID, dec.Action),
	}
}

// entry builds the log entry for the run. f is nil for applied decisions.
func (d *Dispatcher) entry(r *run, outcome model.Outcome, f *retry.Failure) model.LogEntry {
	var dec model.Decision
	if r.dec != nil {
		dec = *r.dec
	} else {
		dec = d.unassignedDecision(r, f)
	}
	e := model.LogEntry{
		Decision: dec,
		Outcome:  outcome,
		Attempts: r.attempts,
		LoggedAt: d.now().UTC(),
	}
	if f != nil {
		e.ApplyError = f.Err.Error()
		e.FailedStage = string(f.Stage)
		e.ErrorKind = string(f.Kind)
	}
	return e
}

// unassignedDecision stands in for a decision the run never reached.
func (d *Dispatcher) unassignedDecision(r *run, f *retry.Failure) model.Decision {
	cls := classify.Default()
	if r.cls != nil {
		cls = *r.cls
	}
	dec := model.Decision{
		ID:           d.newID(),
		IssueID:      r.event.IssueID,
		Action:       r.event.Action,
		DeliveryID:   r.event.DeliveryID,
		RepoFullName: r.event.RepoFullName,
		IssueNumber:  r.event.Number,
		Category:     cls.Category,
		Priority:     cls.Priority,
		Confidence:   cls.Confidence,
		RuleIDs:      cls.RuleIDs,
		Candidates:   []model.Candidate{},
		DecidedAt:    d.now().UTC(),
	}
	if f != nil {
		dec.Explanation = fmt.Sprintf("Triage stopped at %s: %s.", f.Stage, f.Kind)
	}
	return dec
}

// record appends e. A duplicate means another delivery logged the key first
// and counts as success; an applied decision that loses this way gives its
// reservation back when the run finishes.
func (d *Dispatcher) record(ctx context.Context, r *run, e model.LogEntry) error {
	lctx, cancel := context.WithTimeout(ctx, d.timeouts.DecisionLog)
	defer cancel()
	err := d.log.Append(lctx, e)
	switch {
	case err == nil:
		metrics.RecordDecision(string(e.Outcome), string(e.Reason))
	case errors.Is(err, model.ErrDuplicateEntry):
		d.logger.Info(ctx, "decision already logged by another delivery")
		if e.Outcome == model.OutcomeApplied {
			r.superseded = true
		}
	default:
		return fmt.Errorf("append decision: %w", err)
	}
	d.dedupe.Record(ctx, e.Key())
	if r.dec == nil {
		r.dec = &e.Decision
	}
	return nil
}

// deadLetter stores the dead-letter record and, when the event normalized,
// a failed log entry. If either write fails the run is requeued instead.
func (d *Dispatcher) deadLetter(ctx context.Context, r *run, st retry.State) retry.State {
	f := st.Failure
	if f == nil {
		f = &retry.Failure{Stage: st.Stage, Kind: retry.KindUnknown, Err: errors.New("dead-lettered without failure")}
	}
	issueID, action := r.msg.IssueID, r.msg.ActionType
	if r.event != nil {
		issueID, action = r.event.IssueID, r.event.Action
	}

	dl := model.DeadLetter{
		ID:         d.newID(),
		DeliveryID: r.msg.DeliveryID,
		IssueID:    issueID,
		Action:     action,
		Stage:      string(f.Stage),
		ErrorKind:  string(f.Kind),
		Error:      f.Err.Error(),
		Attempts:   st.Attempt,
		Payload:    r.msg.RawPayload,
		CreatedAt:  d.now().UTC(),
	}
	pctx, cancel := context.WithTimeout(ctx, d.timeouts.DecisionLog)
	err := d.deadLetters.Put(pctx, dl)
	cancel()
	if err != nil {
		d.logger.Error(ctx, "dead-letter write failed, requeueing", logger.Error(err))
		metrics.RecordErrorByComponent("dispatch", "dead_letter_write")
		return st.Jump(retry.Requeued)
	}

	if r.event != nil {
		if err := d.record(ctx, r, d.entry(r, model.OutcomeFailed, f)); err != nil {
			d.logger.Error(ctx, "failed decision entry not written, requeueing", logger.Error(err))
			metrics.RecordErrorByComponent("dispatch", "decision_log_write")
			return st.Jump(retry.Requeued)
		}
	}

	d.logger.Warn(ctx, "event dead-lettered",
		logger.String("stage", string(f.Stage)),
		logger.String("kind", string(f.Kind)),
		logger.Error(f.Err),
	)
	return st.Jump(retry.DeadLettered)
}

// release returns the slot taken by an assignment that will not stand.
func (d *Dispatcher) release(ctx context.Context, r *run) {
	if r.dec == nil || !r.dec.Assigned() {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeouts.Roster)
	defer cancel()
	if err := d.roster.Release(rctx, r.dec.DeveloperID); err != nil {
		d.logger.Error(ctx, "release after aborted run failed",
			logger.String("developer_id", r.dec.DeveloperID), logger.Error(err))
		metrics.RecordErrorByComponent("dispatch", "release")
	}
}

func (d *Dispatcher) finish(ctx context.Context, r *run, st retry.State, start time.Time) Result {
	res := Result{Action: Ack, Final: st, Decision: r.dec}

	var outcome string
	switch st.Stage {
	case retry.Requeued:
		d.release(ctx, r)
		res.Action = Requeue
		res.Delay = d.policy.RequeueDelay(r.msg.AttemptCount + 1)
		outcome = "requeued"
		d.requeued.Add(1)
	case retry.DeadLettered:
		d.release(ctx, r)
		outcome = "dead_lettered"
		d.deadLettered.Add(1)
	case retry.Acknowledged:
		switch {
		case r.superseded:
			d.release(ctx, r)
			outcome = "superseded"
			metrics.RecordEventDuplicate()
			d.duplicates.Add(1)
		case r.duplicate:
			outcome = "duplicate"
			metrics.RecordEventDuplicate()
			d.duplicates.Add(1)
		case r.dropped:
			outcome = "dropped"
			d.dropped.Add(1)
		default:
			outcome = "acknowledged"
			d.acked.Add(1)
		}
	}
	metrics.RecordEventOutcome(outcome)

	fields := []logger.Field{
		logger.String("outcome", outcome),
		logger.Any("elapsed", d.now().Sub(start)),
	}
	if r.dec != nil {
		fields = append(fields,
			logger.String("developer_id", r.dec.DeveloperID),
			logger.String("reason", string(r.dec.Reason)))
	}
	if st.Failure != nil {
		fields = append(fields, logger.String("failed_stage", string(st.Failure.Stage)), logger.Error(st.Failure.Err))
	}
	d.logger.Info(ctx, "delivery processed", fields...)
	return res
}
