package testevents

import "time"

// Config holds configuration for the replay run.
type Config struct {
	BaseURL        string        // Base URL of the service
	NumIssues      int           // Number of distinct issues to open
	DuplicateRatio float64       // Share of issues re-sent as redeliveries
	Repo           string        // Repository full name used in payloads
	Workers        int           // Number of concurrent senders
	Timeout        time.Duration // HTTP request timeout
	SettleTimeout  time.Duration // How long to wait for decisions to appear
	OutputFile     string        // Output file for generated webhooks
	LogFile        string        // Log file for test output
	Verbose        bool          // Enable verbose logging
}

// Webhook is one delivery to be posted to /events.
type Webhook struct {
	DeliveryID string `json:"delivery_id"`
	Event      string `json:"event"`
	IssueID    string `json:"issue_id"`
	Redelivery bool   `json:"redelivery"`
	Body       []byte `json:"body"`
}

// Decision is the subset of a decision log entry the tool checks.
type Decision struct {
	IssueID     string `json:"issue_id"`
	Action      string `json:"action"`
	DeliveryID  string `json:"delivery_id"`
	DeveloperID string `json:"developer_id"`
	Reason      string `json:"reason"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	Outcome     string `json:"outcome"`
}

// decisionsResponse mirrors the body of GET /decisions.
type decisionsResponse struct {
	Decisions []Decision `json:"decisions"`
}

// statsResponse mirrors the fields of GET /stats the tool reads.
type statsResponse struct {
	QueueLength int `json:"queueLength"`
	Workers     struct {
		Active int64 `json:"active"`
	} `json:"workers"`
}

// Stats holds run statistics.
type Stats struct {
	IssuesGenerated   int
	WebhooksSubmitted int
	WebhooksAccepted  int
	WebhooksThrottled int
	WebhooksFailed    int
	Redeliveries      int
	IssuesDecided     int
	IssuesMissing     int
	IssuesDuplicated  int
	Assigned          int
	Unassigned        int
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}
