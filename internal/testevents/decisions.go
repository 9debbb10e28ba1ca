package testevents

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// retrieveDecisions fetches the logged decisions of every issue concurrently.
func retrieveDecisions(ctx context.Context, config *Config, issueIDs []string) (map[string][]Decision, error) {
	log.Printf("🔎 Retrieving decisions for %d issues with %d workers...", len(issueIDs), config.Workers)

	client := newHTTPClient(config.Timeout)

	var (
		mu      sync.Mutex
		results = make(map[string][]Decision, len(issueIDs))
		failed  int64
	)

	idChan := make(chan string, config.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup

	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for id := range idChan {
				if ctx.Err() != nil {
					return
				}
				var resp decisionsResponse
				if err := client.GetJSON(ctx, decisionsURL(config.BaseURL, id), &resp); err != nil {
					atomic.AddInt64(&failed, 1)
					if config.Verbose {
						log.Printf("⚠️  Failed to get decisions for %s: %v", id, err)
					}
					continue
				}
				mu.Lock()
				results[id] = resp.Decisions
				mu.Unlock()
			}
		}()
	}

	go func() {
		defer close(idChan)
		for _, id := range issueIDs {
			select {
			case <-ctx.Done():
				return
			case idChan <- id:
			}
		}
	}()

	wg.Wait()

	if n := atomic.LoadInt64(&failed); n > 0 {
		log.Printf("⚠️  %d decision lookups failed", n)
	}
	return results, ctx.Err()
}
