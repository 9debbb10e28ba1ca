package model

import (
	"fmt"
	"strings"
	"time"
)

// Priority is an ordered enum; a larger value is more urgent.
type Priority int

// Priorities from least to most urgent. The zero value is not a valid priority.
const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Priorities lists every valid priority, most urgent first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a configuration string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// CategoryUncategorized is assigned when no rule matches.
const CategoryUncategorized = "uncategorized"

// Classification is the classifier's verdict for one event.
type Classification struct {
	Category   string   `json:"category"`
	Priority   Priority `json:"priority"`
	Confidence float64  `json:"confidence"`
	RuleIDs    []string `json:"rule_ids,omitempty"`
}

// Developer is one roster entry. Load is only mutated by a roster store.
type Developer struct {
	ID          string             `json:"id"`
	Skills      map[string]float64 `json:"skills"`
	MaxCapacity int                `json:"max_capacity"`
	Load        int                `json:"load"`
}

// SkillWeight returns the proficiency for category, zero when absent.
func (d Developer) SkillWeight(category string) float64 {
	return d.Skills[category]
}

// HasSkill reports whether the developer's skill set contains category.
func (d Developer) HasSkill(category string) bool {
	_, ok := d.Skills[category]
	return ok
}

// Available reports whether the developer has a free slot.
func (d Developer) Available() bool {
	return d.Load < d.MaxCapacity
}

// Candidate is a scored, ranked developer. Rank starts at 1.
type Candidate struct {
	DeveloperID string  `json:"developer_id"`
	SkillWeight float64 `json:"skill_weight"`
	Load        int     `json:"load"`
	MaxCapacity int     `json:"max_capacity"`
	Score       float64 `json:"score"`
	Rank        int     `json:"rank"`
}

// UnassignedReason explains an unassigned decision.
type UnassignedReason string

const (
	ReasonNone          UnassignedReason = ""
	ReasonNoCandidates  UnassignedReason = "no_candidates"
	ReasonNoCapacity    UnassignedReason = "no_capacity"
	ReasonRaceExhausted UnassignedReason = "race_exhausted"
)

// TieBreak names the rule that separated two equally scored candidates.
type TieBreak string

const (
	TieBreakNone          TieBreak = ""
	TieBreakLowerLoad     TieBreak = "lower_load"
	TieBreakLexicographic TieBreak = "lexicographic_id"
)

// Decision is the output of one triage run.
type Decision struct {
	ID           string           `json:"id"`
	IssueID      string           `json:"issue_id"`
	Action       string           `json:"action"`
	DeliveryID   string           `json:"delivery_id"`
	RepoFullName string           `json:"repo_full_name"`
	IssueNumber  int              `json:"issue_number"`
	DeveloperID  string           `json:"developer_id,omitempty"`
	Reason       UnassignedReason `json:"reason,omitempty"`
	Category     string           `json:"category"`
	Priority     Priority         `json:"priority"`
	Confidence   float64          `json:"confidence"`
	RuleIDs      []string         `json:"rule_ids,omitempty"`
	Candidates   []Candidate      `json:"candidates"`
	TieBreak     TieBreak         `json:"tie_break,omitempty"`
	Explanation  string           `json:"explanation"`
	DecidedAt    time.Time        `json:"decided_at"`
}

// Assigned reports whether a developer was chosen.
func (d Decision) Assigned() bool {
	return d.DeveloperID != ""
}

// Key returns the idempotency key of the decision.
func (d Decision) Key() Key {
	return Key{IssueID: d.IssueID, Action: d.Action}
}

// Outcome of applying a decision.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
)

// LogEntry is the persisted, append-only copy of a decision and its outcome.
type LogEntry struct {
	Decision
	Outcome     Outcome   `json:"outcome"`
	ApplyError  string    `json:"apply_error,omitempty"`
	FailedStage string    `json:"failed_stage,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Attempts    int       `json:"attempts"`
	LoggedAt    time.Time `json:"logged_at"`
}

// DeadLetter is an event set aside for manual handling.
type DeadLetter struct {
	ID         string    `json:"id"`
	DeliveryID string    `json:"delivery_id"`
	IssueID    string    `json:"issue_id"`
	Action     string    `json:"action"`
	Stage      string    `json:"stage"`
	ErrorKind  string    `json:"error_kind"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ApplyRequest is what the action applier is asked to do on the issue tracker.
type ApplyRequest struct {
	IssueID      string
	Action       string
	RepoFullName string
	IssueNumber  int
	Labels       []string
	Assignee     string // empty when unassigned
	Comment      string
}
