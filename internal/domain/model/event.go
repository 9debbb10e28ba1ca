// Package model contains domain models passed between layers.
package model

import "time"

// ActionOpened is the only issue action the pipeline triages.
const ActionOpened = "opened"

// EventIssues is the webhook event name carrying issue actions.
const EventIssues = "issues"

// Message is the queue envelope delivered to the dispatcher.
// RawPayload is the untouched webhook body.
type Message struct {
	DeliveryID   string    `json:"delivery_id"`
	IssueID      string    `json:"issue_id"`
	ActionType   string    `json:"action_type"`
	EventName    string    `json:"event_name"`
	RawPayload   []byte    `json:"raw_payload"`
	AttemptCount int       `json:"attempt_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Key returns the idempotency key carried by the envelope.
func (m Message) Key() Key {
	return Key{IssueID: m.IssueID, Action: m.ActionType}
}

// IssueEvent is the canonical, immutable form of an inbound issue event.
type IssueEvent struct {
	DeliveryID     string
	IssueID        string // decimal string of the platform issue id
	Number         int
	RepoID         int64
	RepoFullName   string
	Title          string
	Body           string
	Author         string
	Labels         []string
	CreatedAt      time.Time
	HTMLURL        string
	Action         string
	InstallationID int64
	Sender         string
}

// Key returns the idempotency key of the event.
func (e IssueEvent) Key() Key {
	return Key{IssueID: e.IssueID, Action: e.Action}
}

// Key identifies one logical triage unit. Delivery ids are never part of it.
type Key struct {
	IssueID string
	Action  string
}

func (k Key) String() string {
	return k.IssueID + "/" + k.Action
}
