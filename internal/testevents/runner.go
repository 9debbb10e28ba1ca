package testevents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/buma/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
)

// Run executes the complete replay.
func Run(ctx context.Context, config *Config) error {
	stats := &Stats{
		StartTime: time.Now(),
	}

	logger.Get().Info(ctx, "starting buma webhook replay",
		logger.String("baseURL", config.BaseURL),
		logger.Int("issues", config.NumIssues),
		logger.Float64("duplicateRatio", config.DuplicateRatio),
		logger.Int("workers", config.Workers),
		logger.String("timeout", config.Timeout.String()),
		logger.String("logFile", config.LogFile),
		logger.Any("verbose", config.Verbose))

	if err := checkServiceHealth(ctx, config); err != nil {
		return fmt.Errorf("service health check failed: %w", err)
	}

	hooks, err := generateWebhooks(ctx, config, stats)
	if err != nil {
		return fmt.Errorf("webhook generation failed: %w", err)
	}

	if err := submitWebhooks(ctx, config, hooks, stats); err != nil {
		return fmt.Errorf("webhook submission failed: %w", err)
	}

	logger.Get().Info(ctx, "waiting for the queue to drain")
	if err := waitForSettle(ctx, config); err != nil {
		logger.Get().Warn(ctx, "queue did not drain before the settle timeout", logger.Error(err))
	}

	issueIDs := uniqueIssueIDs(hooks)
	decisions, err := retrieveDecisions(ctx, config, issueIDs)
	if err != nil {
		return fmt.Errorf("decision retrieval failed: %w", err)
	}

	verifyErr := verifyResults(ctx, config, issueIDs, decisions, stats)

	if err := saveWebhooksToFile(ctx, config, hooks); err != nil {
		logger.Get().Warn(ctx, "failed to save webhooks to file", logger.Error(err))
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(stats)

	if verifyErr != nil {
		return fmt.Errorf("result verification failed: %w", verifyErr)
	}
	logger.Get().Info(ctx, "replay completed successfully")
	return nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, config *Config) error {
	logger.Get().Info(ctx, "checking service health")

	client := newHTTPClient(config.Timeout)
	resp, err := client.Get(ctx, config.BaseURL+"/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	if _, err := readResponseBody(resp); err != nil {
		return fmt.Errorf("failed to read health response: %w", err)
	}
	if resp.StatusCode != StatusOK {
		return fmt.Errorf("service health check failed with status: %d", resp.StatusCode)
	}

	logger.Get().Info(ctx, "service is healthy")
	return nil
}

// waitForSettle polls /stats until the queue is empty and no worker is busy
// twice in a row, or the settle timeout passes.
func waitForSettle(ctx context.Context, config *Config) error {
	ctx, cancel := context.WithTimeout(ctx, config.SettleTimeout)
	defer cancel()

	client := newHTTPClient(config.Timeout)
	ticker := time.NewTicker(SettlePollInterval)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		var st statsResponse
		if err := client.GetJSON(ctx, config.BaseURL+"/stats", &st); err != nil {
			idle = 0
			continue
		}
		if st.QueueLength == 0 && st.Workers.Active == 0 {
			idle++
		} else {
			idle = 0
		}
		if idle >= 2 {
			return nil
		}
	}
}

func uniqueIssueIDs(hooks []Webhook) []string {
	seen := make(map[string]struct{}, len(hooks))
	out := make([]string, 0, len(hooks))
	for _, h := range hooks {
		if _, ok := seen[h.IssueID]; ok {
			continue
		}
		seen[h.IssueID] = struct{}{}
		out = append(out, h.IssueID)
	}
	return out
}

// saveWebhooksToFile saves the generated deliveries to a JSON file.
func saveWebhooksToFile(ctx context.Context, config *Config, hooks []Webhook) error {
	if len(hooks) == 0 {
		return fmt.Errorf("no webhooks to save")
	}

	filename := config.OutputFile
	if filename == "" {
		timestamp := time.Now().Format("20060102_150405")
		filename = "generated_webhooks_" + timestamp + ".json"
	}

	dir := filepath.Dir(filename)
	if dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Get().Error(context.Background(), "failed to close file", logger.Error(err))
		}
	}()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(hooks); err != nil {
		return fmt.Errorf("failed to write webhooks: %w", err)
	}

	logger.Get().Info(ctx, "webhooks saved to file", logger.String("filename", filename))
	return nil
}

// displayFinalStats prints the final run statistics.
func displayFinalStats(stats *Stats) {
	var acceptRate, perSecond float64

	if stats.WebhooksSubmitted > 0 {
		acceptRate = float64(stats.WebhooksAccepted) / float64(stats.WebhooksSubmitted) * PercentageMultiplier
	}
	if stats.Duration > 0 {
		perSecond = float64(stats.WebhooksSubmitted) / stats.Duration.Seconds()
	}

	logger.Get().Info(context.Background(), "final statistics",
		logger.Int("issuesGenerated", stats.IssuesGenerated),
		logger.Int("redeliveries", stats.Redeliveries),
		logger.Int("webhooksSubmitted", stats.WebhooksSubmitted),
		logger.Int("webhooksAccepted", stats.WebhooksAccepted),
		logger.Int("webhooksThrottled", stats.WebhooksThrottled),
		logger.Int("webhooksFailed", stats.WebhooksFailed),
		logger.Int("issuesDecided", stats.IssuesDecided),
		logger.Int("issuesMissing", stats.IssuesMissing),
		logger.Int("issuesDuplicated", stats.IssuesDuplicated),
		logger.Int("assigned", stats.Assigned),
		logger.Int("unassigned", stats.Unassigned),
		logger.String("duration", stats.Duration.String()),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("webhooksPerSecond", perSecond))
}
