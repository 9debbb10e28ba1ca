package testevents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Submission outcomes.
const (
	resultAccepted  = "accepted"
	resultThrottled = "throttled"
	resultFailed    = "failed"
)

var errThrottled = errors.New("service throttled the delivery")

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.client.Do(req)
}

// GetJSON performs a GET request and decodes a 200 response into out.
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	body, err := readResponseBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", rawURL, resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.Unmarshal(body, out)
}

// PostWebhook posts one delivery the way the issue tracker does.
func (c *HTTPClient) PostWebhook(ctx context.Context, rawURL string, w Webhook) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(w.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Delivery", w.DeliveryID)
	req.Header.Set("X-GitHub-Event", w.Event)
	return c.client.Do(req)
}

// readResponseBody reads and closes the response body
func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// submitWebhooks posts deliveries concurrently using a worker pool.
func submitWebhooks(ctx context.Context, config *Config, hooks []Webhook, stats *Stats) error {
	log.Printf("📤 Submitting %d webhooks with %d workers...", len(hooks), config.Workers)

	client := newHTTPClient(config.Timeout)
	endpoint := config.BaseURL + "/events"

	var (
		accepted  int64
		throttled int64
		failed    int64
		submitted int64
	)

	var lastReport atomic.Int64
	reportInterval := time.Second

	hookChan := make(chan Webhook, config.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup

	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for hook := range hookChan {
				if ctx.Err() != nil {
					return
				}
				switch submitSingleWebhook(ctx, client, endpoint, hook) {
				case resultAccepted:
					atomic.AddInt64(&accepted, 1)
				case resultThrottled:
					atomic.AddInt64(&throttled, 1)
				default:
					atomic.AddInt64(&failed, 1)
				}
				total := atomic.AddInt64(&submitted, 1)

				now := time.Now().UnixNano()
				last := lastReport.Load()
				if now-last >= int64(reportInterval) && lastReport.CompareAndSwap(last, now) {
					if config.Verbose {
						log.Printf("📊 Progress: %d/%d submitted (accepted: %d, throttled: %d, failed: %d)",
							total, len(hooks), atomic.LoadInt64(&accepted), atomic.LoadInt64(&throttled), atomic.LoadInt64(&failed))
					} else {
						fmt.Printf("\r📤 Submitted: %d/%d", total, len(hooks))
					}
				}
			}
		}()
	}

	go func() {
		defer close(hookChan)
		for _, hook := range hooks {
			select {
			case <-ctx.Done():
				return
			case hookChan <- hook:
			}
		}
	}()

	wg.Wait()

	if !config.Verbose {
		fmt.Println()
	}

	stats.WebhooksSubmitted = int(atomic.LoadInt64(&submitted))
	stats.WebhooksAccepted = int(atomic.LoadInt64(&accepted))
	stats.WebhooksThrottled = int(atomic.LoadInt64(&throttled))
	stats.WebhooksFailed = int(atomic.LoadInt64(&failed))

	log.Printf(`✅ Webhook submission completed:
   Accepted: %d
   Throttled: %d
   Failed: %d
`, stats.WebhooksAccepted, stats.WebhooksThrottled, stats.WebhooksFailed)

	return ctx.Err()
}

// submitSingleWebhook posts one delivery, backing off while the service
// answers 429.
func submitSingleWebhook(ctx context.Context, client *HTTPClient, endpoint string, hook Webhook) string {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxThrottleRetry

	err := backoff.Retry(func() error {
		resp, err := client.PostWebhook(ctx, endpoint, hook)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, _ = readResponseBody(resp)
		switch resp.StatusCode {
		case StatusAccepted:
			return nil
		case StatusTooManyRequests:
			return errThrottled
		default:
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	}, backoff.WithContext(policy, ctx))

	switch {
	case err == nil:
		return resultAccepted
	case errors.Is(err, errThrottled):
		return resultThrottled
	default:
		return resultFailed
	}
}

// decisionsURL builds the decision log query for one issue.
func decisionsURL(baseURL, issueID string) string {
	q := url.Values{}
	q.Set("issue_id", issueID)
	return baseURL + "/decisions?" + q.Encode()
}
