package testevents

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// verifyResults checks that every issue carries exactly one decision no
// matter how often it was delivered.
func verifyResults(ctx context.Context, config *Config, issueIDs []string, decisions map[string][]Decision, stats *Stats) error {
	log.Println("🔍 Verifying results...")

	if len(issueIDs) == 0 {
		return fmt.Errorf("no issues to verify")
	}

	perDeveloper := make(map[string]int)
	reasons := make(map[string]int)
	var missing, duplicated []string
	for _, id := range issueIDs {
		got := decisions[id]
		switch {
		case len(got) == 0:
			missing = append(missing, id)
			continue
		case len(got) > 1:
			duplicated = append(duplicated, id)
		}
		stats.IssuesDecided++
		d := got[0]
		if d.DeveloperID != "" {
			stats.Assigned++
			perDeveloper[d.DeveloperID]++
		} else {
			stats.Unassigned++
			reasons[d.Reason]++
		}
	}
	stats.IssuesMissing = len(missing)
	stats.IssuesDuplicated = len(duplicated)

	displayDistribution(perDeveloper, reasons, config.Verbose)

	if len(duplicated) > 0 {
		return fmt.Errorf("%d issues have more than one decision (first: %s)", len(duplicated), duplicated[0])
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d issues have no decision (first: %s)", len(missing), missing[0])
	}

	log.Println("✅ Every issue has exactly one decision")
	return ctx.Err()
}

// displayDistribution shows assignments per developer and unassigned reasons.
func displayDistribution(perDeveloper, reasons map[string]int, verbose bool) {
	ids := make([]string, 0, len(perDeveloper))
	for id := range perDeveloper {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if perDeveloper[ids[i]] != perDeveloper[ids[j]] {
			return perDeveloper[ids[i]] > perDeveloper[ids[j]]
		}
		return ids[i] < ids[j]
	})

	log.Printf("👥 Assignments across %d developers:", len(ids))
	for _, id := range ids {
		log.Printf("   %s - %d", id, perDeveloper[id])
	}

	if verbose || len(reasons) > 0 {
		log.Println("📭 Unassigned by reason:")
		for reason, n := range reasons {
			log.Printf("   %s - %d", reason, n)
		}
	}
}
