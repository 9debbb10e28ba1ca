// Package config defines service configuration structures and loading hooks.
//
// Configuration is layered: defaults from New, an optional YAML file named
// by BUMA_CONFIG, then BUMA_ environment variables with flat keys.
package config

import (
	"runtime"
	"time"
)

// Supported drivers.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	ApplierLog    = "log"
	ApplierGitHub = "github"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat is json or console.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// QueueDriver selects the delivery queue: memory or redis.
	QueueDriver string `koanf:"queue_driver"`

	// EventQueueSize bounds the number of waiting deliveries.
	EventQueueSize int `koanf:"queue_size"`

	// VisibilityTimeout is how long a received delivery stays leased.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`

	RedisAddr      string `koanf:"redis_addr"`
	RedisPassword  string `koanf:"redis_password"`
	RedisDB        int    `koanf:"redis_db"`
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	// WorkerCount sets the number of dispatcher workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets the size of the idempotency cache.
	DedupeSize int `koanf:"dedupe_size"`

	// MaxDeliveries dead-letters a message delivered more often than this.
	MaxDeliveries int `koanf:"max_deliveries"`

	// StoreDriver selects roster and decision log storage.
	StoreDriver string `koanf:"store_driver"`
	StoreDSN    string `koanf:"store_dsn"`

	RosterTimeout      time.Duration `koanf:"roster_timeout"`
	ApplierTimeout     time.Duration `koanf:"applier_timeout"`
	DecisionLogTimeout time.Duration `koanf:"decision_log_timeout"`

	RetryMaxAttempts    int           `koanf:"retry_max_attempts"`
	RetryInitialBackoff time.Duration `koanf:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `koanf:"retry_max_backoff"`
	RetryMultiplier     float64       `koanf:"retry_multiplier"`
	RetryJitter         float64       `koanf:"retry_jitter"`

	// Applier selects how decisions reach the tracker: log (dry run) or github.
	Applier       string `koanf:"applier"`
	GitHubToken   string `koanf:"github_token"`
	GitHubBaseURL string `koanf:"github_base_url"`

	LabelCategoryPrefix string `koanf:"label_category_prefix"`
	LabelPriorityPrefix string `koanf:"label_priority_prefix"`
	LabelUnassigned     string `koanf:"label_unassigned"`

	// PriorityMultipliers maps priority names to their scoring multiplier.
	PriorityMultipliers map[string]float64 `koanf:"priority_multipliers"`

	// LoadPenalty is subtracted from a score per open assignment.
	LoadPenalty float64 `koanf:"load_penalty"`

	// Categories is the closed set rules may classify into.
	Categories []string `koanf:"categories"`

	Rules  []RuleConfig      `koanf:"rules"`
	Roster []DeveloperConfig `koanf:"roster"`
}

// RuleConfig is one classifier rule. Order in the list is precedence.
type RuleConfig struct {
	ID       string   `koanf:"id"`
	Category string   `koanf:"category"`
	Priority string   `koanf:"priority"`
	Weight   float64  `koanf:"weight"`
	Match    string   `koanf:"match"`
	Patterns []string `koanf:"patterns"`
	Fields   []string `koanf:"fields"`
	Labels   []string `koanf:"labels"`
}

// DeveloperConfig is one roster entry.
type DeveloperConfig struct {
	ID          string             `koanf:"id"`
	Skills      map[string]float64 `koanf:"skills"`
	MaxCapacity int                `koanf:"max_capacity"`
}

// DefaultCategories is used when the configuration names none.
var DefaultCategories = []string{"bug", "feature", "docs", "question", "security", "performance"} //nolint:gochecknoglobals // read-only default

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "json",
		Addr:                ":9080",
		QueueDriver:         QueueMemory,
		EventQueueSize:      100_000,
		VisibilityTimeout:   60 * time.Second,
		RedisKeyPrefix:      "buma:triage",
		WorkerCount:         runtime.NumCPU() * 4,
		DedupeSize:          50_000,
		MaxDeliveries:       10,
		StoreDriver:         StoreMemory,
		RosterTimeout:       2 * time.Second,
		ApplierTimeout:      10 * time.Second,
		DecisionLogTimeout:  2 * time.Second,
		RetryMaxAttempts:    5,
		RetryInitialBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
		RetryMultiplier:     2,
		RetryJitter:         0.2,
		Applier:             ApplierLog,
		LabelCategoryPrefix: "triage/",
		LabelPriorityPrefix: "priority/",
		LabelUnassigned:     "triage/unassigned",
		PriorityMultipliers: map[string]float64{
			"critical": 2.0,
			"high":     1.5,
			"medium":   1.0,
			"low":      0.5,
		},
		LoadPenalty: 0.1,
	}
}
