package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/buma/internal/testevents"
)

// Default configuration constants.
const (
	defaultNumIssues      = 1000
	defaultDuplicateRatio = 0.2
	defaultWorkers        = 2 // multiplier for runtime.NumCPU()
	defaultTimeout        = 30 * time.Second
	defaultSettleTimeout  = 2 * time.Minute
	defaultTestTimeout    = 10 * time.Minute
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:9080", "Base URL of the service")
		numIssues  = flag.Int("issues", defaultNumIssues, "Number of issues to open")
		duplicates = flag.Float64("duplicates", defaultDuplicateRatio, "Share of issues re-sent as redeliveries")
		repo       = flag.String("repo", "buma/replay", "Repository full name used in payloads")
		workers    = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent senders")
		timeout    = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		settle     = flag.Duration("settle", defaultSettleTimeout, "How long to wait for the queue to drain")
		outputFile = flag.String("output", "", "Output file for generated webhooks (default: generated_webhooks_TIMESTAMP.json)")
		logFile    = flag.String("log", "", "Log file for test output (default: test_log_TIMESTAMP.log)")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		testevents.ShowHelp()
		return
	}

	if err := testevents.SetupLogging(*logFile); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	config := &testevents.Config{
		BaseURL:        *baseURL,
		NumIssues:      *numIssues,
		DuplicateRatio: *duplicates,
		Repo:           *repo,
		Workers:        *workers,
		Timeout:        *timeout,
		SettleTimeout:  *settle,
		OutputFile:     *outputFile,
		LogFile:        *logFile,
		Verbose:        *verbose,
	}

	if err := testevents.Run(ctx, config); err != nil {
		os.Stderr.WriteString("Replay failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1)
	}
}
