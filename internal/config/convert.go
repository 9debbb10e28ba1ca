package config

import (
	"fmt"

	"github.com/okian/buma/internal/dispatch"
	"github.com/okian/buma/internal/domain/assign"
	"github.com/okian/buma/internal/domain/classify"
	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/internal/domain/retry"
)

// ClassifierRules converts the configured rules in order.
func (c *Config) ClassifierRules() ([]classify.Rule, error) {
	out := make([]classify.Rule, 0, len(c.Rules))
	for i, r := range c.Rules {
		p, err := model.ParsePriority(r.Priority)
		if err != nil {
			return nil, fmt.Errorf("%w: rules[%d]: %w", ErrInvalidConfig, i, err)
		}
		out = append(out, classify.Rule{
			ID:       r.ID,
			Category: r.Category,
			Priority: p,
			Weight:   r.Weight,
			Match:    classify.MatchMode(r.Match),
			Patterns: r.Patterns,
			Fields:   r.Fields,
			Labels:   r.Labels,
		})
	}
	return out, nil
}

// Classifier builds the classifier for the configured rules and categories.
func (c *Config) Classifier() (*classify.Classifier, error) {
	rules, err := c.ClassifierRules()
	if err != nil {
		return nil, err
	}
	cls, err := classify.New(rules, classify.WithCategories(c.Categories))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cls, nil
}

// Weights returns the scoring weights.
func (c *Config) Weights() (assign.Weights, error) {
	w := assign.Weights{
		PriorityMultipliers: make(map[model.Priority]float64, len(c.PriorityMultipliers)),
		LoadPenalty:         c.LoadPenalty,
	}
	for name, m := range c.PriorityMultipliers {
		p, err := model.ParsePriority(name)
		if err != nil {
			return assign.Weights{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		w.PriorityMultipliers[p] = m
	}
	if err := w.Validate(); err != nil {
		return assign.Weights{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return w, nil
}

// Developers returns the configured roster with zero load.
func (c *Config) Developers() []model.Developer {
	out := make([]model.Developer, 0, len(c.Roster))
	for _, d := range c.Roster {
		skills := make(map[string]float64, len(d.Skills))
		for k, v := range d.Skills {
			skills[k] = v
		}
		out = append(out, model.Developer{ID: d.ID, Skills: skills, MaxCapacity: d.MaxCapacity})
	}
	return out
}

// RetryPolicy returns the dispatcher retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.RetryMaxAttempts,
		InitialBackoff: c.RetryInitialBackoff,
		MaxBackoff:     c.RetryMaxBackoff,
		Multiplier:     c.RetryMultiplier,
		Jitter:         c.RetryJitter,
	}
}

// Timeouts returns the per-call deadlines.
func (c *Config) Timeouts() dispatch.Timeouts {
	return dispatch.Timeouts{
		Roster:      c.RosterTimeout,
		Applier:     c.ApplierTimeout,
		DecisionLog: c.DecisionLogTimeout,
	}
}

// Labels returns the label scheme.
func (c *Config) Labels() dispatch.Labels {
	return dispatch.Labels{
		CategoryPrefix: c.LabelCategoryPrefix,
		PriorityPrefix: c.LabelPriorityPrefix,
		Unassigned:     c.LabelUnassigned,
	}
}
