package config

import (
	"strings"

	"github.com/okian/buma/internal/domain/model"
)

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error { //nolint:gocyclo // flat list of independent checks
	if c.Addr == "" {
		return invalid("addr must not be empty")
	}
	switch c.QueueDriver {
	case QueueMemory:
	case QueueRedis:
		if c.RedisAddr == "" {
			return invalid("redis_addr is required for the redis queue")
		}
	default:
		return invalid("unknown queue_driver %q", c.QueueDriver)
	}
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.StoreDSN == "" {
			return invalid("store_dsn is required for postgres")
		}
	default:
		return invalid("unknown store_driver %q", c.StoreDriver)
	}
	switch c.Applier {
	case ApplierLog:
	case ApplierGitHub:
		if c.GitHubToken == "" {
			return invalid("github_token is required for the github applier")
		}
	default:
		return invalid("unknown applier %q", c.Applier)
	}

	if c.EventQueueSize <= 0 {
		return invalid("queue_size must be positive")
	}
	if c.WorkerCount < 0 || c.DedupeSize < 0 || c.MaxDeliveries < 0 {
		return invalid("worker_count, dedupe_size and max_deliveries must not be negative")
	}
	if c.VisibilityTimeout <= 0 || c.RosterTimeout <= 0 || c.ApplierTimeout <= 0 || c.DecisionLogTimeout <= 0 {
		return invalid("timeouts must be positive")
	}

	if c.RetryMaxAttempts < 1 {
		return invalid("retry_max_attempts must be at least 1")
	}
	if c.RetryInitialBackoff <= 0 || c.RetryMaxBackoff < c.RetryInitialBackoff {
		return invalid("retry backoff must satisfy 0 < initial <= max")
	}
	if c.RetryMultiplier < 1 {
		return invalid("retry_multiplier must be at least 1")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return invalid("retry_jitter must be within [0,1]")
	}

	if err := c.validateScoring(); err != nil {
		return err
	}
	categories, err := c.validateCategories()
	if err != nil {
		return err
	}
	if err := c.validateRules(categories); err != nil {
		return err
	}
	return c.validateRoster()
}

func (c *Config) validateScoring() error {
	seen := make(map[model.Priority]bool, len(c.PriorityMultipliers))
	for name, m := range c.PriorityMultipliers {
		p, err := model.ParsePriority(name)
		if err != nil {
			return invalid("priority_multipliers: %v", err)
		}
		if m < 0 {
			return invalid("priority_multipliers[%s] must not be negative", name)
		}
		seen[p] = true
	}
	for _, p := range model.Priorities {
		if !seen[p] {
			return invalid("priority_multipliers is missing %s", p)
		}
	}
	if c.LoadPenalty < 0 {
		return invalid("load_penalty must not be negative")
	}
	return nil
}

func (c *Config) validateCategories() (map[string]bool, error) {
	set := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		cat = strings.TrimSpace(cat)
		if cat == "" {
			return nil, invalid("categories must not contain blanks")
		}
		if cat == model.CategoryUncategorized {
			return nil, invalid("%s is implicit and cannot be listed", model.CategoryUncategorized)
		}
		if set[cat] {
			return nil, invalid("duplicate category %q", cat)
		}
		set[cat] = true
	}
	return set, nil
}

func (c *Config) validateRules(categories map[string]bool) error {
	ids := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return invalid("rules[%d]: id is required", i)
		}
		if ids[r.ID] {
			return invalid("rules[%d]: duplicate id %q", i, r.ID)
		}
		ids[r.ID] = true
		if !categories[r.Category] {
			return invalid("rules[%d] (%s): category %q is not in categories", i, r.ID, r.Category)
		}
		if _, err := model.ParsePriority(r.Priority); err != nil {
			return invalid("rules[%d] (%s): %v", i, r.ID, err)
		}
		if r.Weight < 0 || r.Weight > 1 {
			return invalid("rules[%d] (%s): weight must be within [0,1]", i, r.ID)
		}
	}
	return nil
}

func (c *Config) validateRoster() error {
	ids := make(map[string]bool, len(c.Roster))
	for i, d := range c.Roster {
		if d.ID == "" {
			return invalid("roster[%d]: id is required", i)
		}
		if ids[d.ID] {
			return invalid("roster[%d]: duplicate id %q", i, d.ID)
		}
		ids[d.ID] = true
		if d.MaxCapacity < 0 {
			return invalid("roster[%d] (%s): max_capacity must not be negative", i, d.ID)
		}
		for skill, w := range d.Skills {
			if w < 0 || w > 1 {
				return invalid("roster[%d] (%s): skill %q weight must be within [0,1]", i, d.ID, skill)
			}
		}
	}
	return nil
}
