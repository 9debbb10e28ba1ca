// Package assign selects a developer for a classified issue under skill and
// capacity constraints.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/okian/buma/internal/domain/model"
)

// Weights are the scoring policy. Every priority needs a multiplier.
type Weights struct {
	PriorityMultipliers map[model.Priority]float64
	LoadPenalty         float64
}

// Validate checks that the weights cover every priority.
func (w Weights) Validate() error {
	for _, p := range model.Priorities {
		m, ok := w.PriorityMultipliers[p]
		if !ok {
			return fmt.Errorf("%w: missing multiplier for %s", ErrInvalidWeights, p)
		}
		if m < 0 {
			return fmt.Errorf("%w: negative multiplier for %s", ErrInvalidWeights, p)
		}
	}
	if w.LoadPenalty < 0 {
		return fmt.Errorf("%w: negative load penalty", ErrInvalidWeights)
	}
	return nil
}

// Reserver takes one capacity slot on a developer. Implementations return
// model.ErrCapacityExceeded when the developer is full.
type Reserver interface {
	Reserve(ctx context.Context, developerID string) error
}

// Engine ranks candidates and reserves the best available one.
type Engine struct {
	weights Weights
	now     func() time.Time
	newID   func() string
}

// NewEngine builds an engine with the given scoring weights.
func NewEngine(w Weights, opts ...Option) (*Engine, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		weights: w,
		now:     time.Now,
		newID:   defaultID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Score computes a developer's score for a classification.
func (e *Engine) Score(cls model.Classification, d model.Developer) float64 {
	return d.SkillWeight(cls.Category)*e.weights.PriorityMultipliers[cls.Priority] -
		e.weights.LoadPenalty*float64(d.Load)
}

// Rank scores developers with free capacity and orders them by score
// descending, then load ascending, then id ascending. Developers without the
// category skill are excluded. Rank is pure.
func (e *Engine) Rank(cls model.Classification, developers []model.Developer) []model.Candidate {
	out := make([]model.Candidate, 0, len(developers))
	for _, d := range developers {
		if !d.HasSkill(cls.Category) || !d.Available() {
			continue
		}
		out = append(out, model.Candidate{
			DeveloperID: d.ID,
			SkillWeight: d.SkillWeight(cls.Category),
			Load:        d.Load,
			MaxCapacity: d.MaxCapacity,
			Score:       e.Score(cls, d),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.DeveloperID < b.DeveloperID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Assign ranks the developers and reserves top-down. A reservation that loses
// a race moves on to the next candidate without re-ranking. Only errors other
// than capacity and missing developer are returned; every other outcome is a
// decision, assigned or not.
func (e *Engine) Assign(
	ctx context.Context,
	ev model.IssueEvent,
	cls model.Classification,
	developers []model.Developer,
	r Reserver,
) (model.Decision, error) {
	dec := model.Decision{
		ID:           e.newID(),
		IssueID:      ev.IssueID,
		Action:       ev.Action,
		DeliveryID:   ev.DeliveryID,
		RepoFullName: ev.RepoFullName,
		IssueNumber:  ev.Number,
		Category:     cls.Category,
		Priority:     cls.Priority,
		Confidence:   cls.Confidence,
		RuleIDs:      cls.RuleIDs,
		DecidedAt:    e.now().UTC(),
	}

	skilled := 0
	for _, d := range developers {
		if d.HasSkill(cls.Category) {
			skilled++
		}
	}
	if skilled == 0 {
		dec.Reason = model.ReasonNoCandidates
		dec.Candidates = []model.Candidate{}
		dec.Explanation = explain(dec, nil)
		return dec, nil
	}

	ranked := e.Rank(cls, developers)
	dec.Candidates = ranked
	if len(ranked) == 0 {
		dec.Reason = model.ReasonNoCapacity
		dec.Explanation = explain(dec, nil)
		return dec, nil
	}

	for i, c := range ranked {
		err := r.Reserve(ctx, c.DeveloperID)
		if err == nil {
			dec.DeveloperID = c.DeveloperID
			if i+1 < len(ranked) {
				dec.TieBreak = tieBreak(c, ranked[i+1])
			}
			dec.Explanation = explain(dec, &ranked[i])
			return dec, nil
		}
		if errors.Is(err, model.ErrCapacityExceeded) || errors.Is(err, model.ErrDeveloperNotFound) {
			continue
		}
		return model.Decision{}, fmt.Errorf("reserve %s: %w", c.DeveloperID, err)
	}

	dec.Reason = model.ReasonRaceExhausted
	dec.Explanation = explain(dec, nil)
	return dec, nil
}

// tieBreak names the rule that ordered a before b when their scores are equal.
func tieBreak(a, b model.Candidate) model.TieBreak {
	if a.Score != b.Score {
		return model.TieBreakNone
	}
	if a.Load != b.Load {
		return model.TieBreakLowerLoad
	}
	return model.TieBreakLexicographic
}

func explain(dec model.Decision, chosen *model.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classified as %s with %s priority", dec.Category, dec.Priority)
	if len(dec.RuleIDs) > 0 {
		fmt.Fprintf(&b, " (rule %s, confidence %.2f)", strings.Join(dec.RuleIDs, ","), dec.Confidence)
	} else {
		b.WriteString(" (no rule matched)")
	}
	b.WriteString(". ")

	switch {
	case chosen != nil:
		fmt.Fprintf(&b, "Assigned to @%s: rank %d of %d, score %.3f, load %d/%d.",
			chosen.DeveloperID, chosen.Rank, len(dec.Candidates), chosen.Score, chosen.Load, chosen.MaxCapacity)
		switch dec.TieBreak {
		case model.TieBreakLowerLoad:
			b.WriteString(" Tied on score with the next candidate; lower load won.")
		case model.TieBreakLexicographic:
			b.WriteString(" Tied on score and load with the next candidate; identifier order decided.")
		}
	case dec.Reason == model.ReasonNoCandidates:
		fmt.Fprintf(&b, "Left unassigned: no developer covers %s.", dec.Category)
	case dec.Reason == model.ReasonNoCapacity:
		b.WriteString("Left unassigned: every eligible developer is at capacity.")
	case dec.Reason == model.ReasonRaceExhausted:
		fmt.Fprintf(&b, "Left unassigned: all %d candidates filled up while reserving.", len(dec.Candidates))
	}
	return b.String()
}
