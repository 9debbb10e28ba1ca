package testevents

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/okian/buma/pkg/logger"
)

// baseIssueID keeps generated ids clear of small hand-written fixtures.
const baseIssueID = 9_000_000

// Issue is the part of an issues webhook the pipeline reads.
type Issue struct {
	ID        int64
	Number    int
	RepoID    int64
	Repo      string
	Title     string
	Body      string
	Author    string
	Labels    []string
	CreatedAt time.Time
}

type label struct {
	Name string `json:"name"`
}

type user struct {
	Login string `json:"login"`
}

// Payload renders the issues webhook body for action.
func (i Issue) Payload(action string) []byte {
	labels := make([]label, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, label{Name: l})
	}
	created := i.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	body := map[string]any{
		"action": action,
		"issue": map[string]any{
			"id":         i.ID,
			"number":     i.Number,
			"title":      i.Title,
			"body":       i.Body,
			"html_url":   fmt.Sprintf("https://github.com/%s/issues/%d", i.Repo, i.Number),
			"created_at": created.UTC().Format(time.RFC3339),
			"user":       user{Login: i.Author},
			"labels":     labels,
		},
		"repository": map[string]any{
			"id":        i.RepoID,
			"full_name": i.Repo,
		},
		"sender": user{Login: i.Author},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		// Only plain values above; Marshal cannot fail.
		panic(err)
	}
	return raw
}

// templates are the issue shapes the generator cycles through.
var templates = []struct {
	title  string
	body   string
	labels []string
}{
	{"App crash on login", "Stack trace attached. Happens after the last release.", nil},
	{"Typo in installation docs", "The README says `instal`.", []string{"documentation"}},
	{"Add dark mode", "Feature request: a dark theme for the dashboard.", []string{"enhancement"}},
	{"Slow query on reports page", "Reports take 30s to load with large datasets.", nil},
	{"Token leaked in logs", "Access tokens are printed at debug level.", []string{"security"}},
	{"How do I configure webhooks?", "Question about the setup guide.", nil},
	{"Button misaligned on mobile", "", nil},
}

// GenerateIssue builds the index-th synthetic issue in repo.
func GenerateIssue(index int, repo string) Issue {
	t := templates[index%len(templates)]
	return Issue{
		ID:        int64(baseIssueID + index),
		Number:    index + 1,
		RepoID:    1,
		Repo:      repo,
		Title:     t.title + " #" + strconv.Itoa(index+1),
		Body:      t.body,
		Author:    "replay-bot",
		Labels:    t.labels,
		CreatedAt: time.Now().UTC(),
	}
}

// getRandomFloat returns a random float64 between 0.0 and 1.0 using crypto/rand.
func getRandomFloat() float64 {
	const divisor = 1_000_000
	n, err := rand.Int(rand.Reader, big.NewInt(divisor))
	if err != nil {
		return 0
	}
	return float64(n.Int64()) / divisor
}

// generateWebhooks creates one opened delivery per issue and, for a share of
// them, a redelivery with its own delivery id.
func generateWebhooks(ctx context.Context, config *Config, stats *Stats) ([]Webhook, error) {
	logger.Get().Info(ctx, "generating webhooks",
		logger.Int("issues", config.NumIssues),
		logger.Float64("duplicateRatio", config.DuplicateRatio))

	hooks := make([]Webhook, 0, config.NumIssues+int(float64(config.NumIssues)*config.DuplicateRatio)+1)
	for i := 0; i < config.NumIssues; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during generation: %w", err)
		}
		is := GenerateIssue(i, config.Repo)
		body := is.Payload("opened")
		id := strconv.FormatInt(is.ID, 10)
		hooks = append(hooks, Webhook{DeliveryID: uuid.NewString(), Event: "issues", IssueID: id, Body: body})
		if getRandomFloat() < config.DuplicateRatio {
			hooks = append(hooks, Webhook{DeliveryID: uuid.NewString(), Event: "issues", IssueID: id, Redelivery: true, Body: body})
			stats.Redeliveries++
		}
	}

	stats.IssuesGenerated = config.NumIssues
	logger.Get().Info(ctx, "generated webhooks", logger.Int("count", len(hooks)))
	return hooks, nil
}
