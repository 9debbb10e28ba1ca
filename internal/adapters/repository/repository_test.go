package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/buma/internal/domain/model"
)

func openSQLite(t *testing.T) *GormRoster {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return NewGormRoster(db)
}

func seed() []model.Developer {
	return []model.Developer{
		{ID: "carol", Skills: map[string]float64{"ui": 0.9}, MaxCapacity: 2},
		{ID: "alice", Skills: map[string]float64{"auth": 0.7, "ui": 0.4}, MaxCapacity: 3, Load: 1},
		{ID: "bob", Skills: map[string]float64{"auth": 0.5}, MaxCapacity: 1},
	}
}

// rosters returns every RosterStore implementation seeded with seed().
func rosters(t *testing.T) map[string]RosterStore {
	t.Helper()
	ctx := context.Background()

	g := openSQLite(t)
	require.NoError(t, g.Sync(ctx, seed()))
	// Sync never sets load; bring alice to 1 like the memory seed.
	require.NoError(t, g.Reserve(ctx, "alice"))

	return map[string]RosterStore{
		"memory": NewMemoryRoster(seed()),
		"sqlite": g,
	}
}

func TestRoster_Candidates(t *testing.T) {
	ctx := context.Background()
	for name, r := range rosters(t) {
		t.Run(name, func(t *testing.T) {
			devs, err := r.Candidates(ctx, "ui")
			require.NoError(t, err)
			require.Len(t, devs, 2)
			assert.Equal(t, "alice", devs[0].ID)
			assert.Equal(t, "carol", devs[1].ID)
			assert.Equal(t, 1, devs[0].Load)
			assert.Equal(t, 0.4, devs[0].Skills["ui"])
			assert.Equal(t, 0.7, devs[0].Skills["auth"])

			none, err := r.Candidates(ctx, "billing")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestRoster_ReserveRelease(t *testing.T) {
	ctx := context.Background()
	for name, r := range rosters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, r.Reserve(ctx, "bob"))
			err := r.Reserve(ctx, "bob")
			assert.True(t, errors.Is(err, model.ErrCapacityExceeded))

			err = r.Reserve(ctx, "nobody")
			assert.True(t, errors.Is(err, model.ErrDeveloperNotFound))

			require.NoError(t, r.Release(ctx, "bob"))
			require.NoError(t, r.Release(ctx, "bob"))

			devs, err := r.List(ctx)
			require.NoError(t, err)
			for _, d := range devs {
				if d.ID == "bob" {
					assert.Equal(t, 0, d.Load, "release is floored at zero")
				}
			}

			err = r.Release(ctx, "nobody")
			assert.True(t, errors.Is(err, model.ErrDeveloperNotFound))
		})
	}
}

func TestRoster_ConcurrentReserveNeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	for name, r := range rosters(t) {
		t.Run(name, func(t *testing.T) {
			var ok atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := r.Reserve(ctx, "carol")
					if err == nil {
						ok.Add(1)
						return
					}
					assert.True(t, errors.Is(err, model.ErrCapacityExceeded))
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(2), ok.Load())
			devs, err := r.Candidates(ctx, "ui")
			require.NoError(t, err)
			for _, d := range devs {
				assert.LessOrEqual(t, d.Load, d.MaxCapacity)
			}
		})
	}
}

func TestRoster_SyncPreservesLoad(t *testing.T) {
	ctx := context.Background()
	for name, r := range rosters(t) {
		t.Run(name, func(t *testing.T) {
			updated := []model.Developer{
				{ID: "alice", Skills: map[string]float64{"ui": 1.0}, MaxCapacity: 4},
				{ID: "dave", Skills: map[string]float64{"auth": 0.6}, MaxCapacity: 2},
			}
			require.NoError(t, r.Sync(ctx, updated))

			devs, err := r.List(ctx)
			require.NoError(t, err)
			require.Len(t, devs, 2)
			assert.Equal(t, "alice", devs[0].ID)
			assert.Equal(t, 1, devs[0].Load)
			assert.Equal(t, 4, devs[0].MaxCapacity)
			assert.Equal(t, map[string]float64{"ui": 1.0}, devs[0].Skills)
			assert.Equal(t, "dave", devs[1].ID)
			assert.Equal(t, 0, devs[1].Load)

			err = r.Reserve(ctx, "bob")
			assert.True(t, errors.Is(err, model.ErrDeveloperNotFound))

			require.NoError(t, r.Sync(ctx, nil))
			devs, err = r.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, devs)
		})
	}
}

func decisionLogs(t *testing.T) map[string]DecisionLog {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return map[string]DecisionLog{
		"memory": NewMemoryDecisionLog(),
		"sqlite": NewGormDecisionLog(db),
	}
}

func entry(issue, dev string, at time.Time) model.LogEntry {
	return model.LogEntry{
		Decision: model.Decision{
			ID:          "dec-" + issue,
			IssueID:     issue,
			Action:      model.ActionOpened,
			DeveloperID: dev,
			Category:    "ui",
			Priority:    model.PriorityHigh,
			Confidence:  0.8,
			RuleIDs:     []string{"ui-label"},
			Candidates:  []model.Candidate{{DeveloperID: dev, Score: 1.2, Rank: 1}},
			TieBreak:    model.TieBreakLowerLoad,
			Explanation: "because",
			DecidedAt:   at,
		},
		Outcome:  model.OutcomeApplied,
		Attempts: 1,
	}
}

func TestDecisionLog_AppendExistsQuery(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, l := range decisionLogs(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Append(ctx, entry("1", "alice", base)))
			require.NoError(t, l.Append(ctx, entry("2", "bob", base.Add(time.Hour))))
			require.NoError(t, l.Append(ctx, entry("3", "alice", base.Add(2*time.Hour))))

			dup := entry("1", "bob", base)
			dup.ID = "dec-other"
			err := l.Append(ctx, dup)
			assert.True(t, errors.Is(err, model.ErrDuplicateEntry))

			exists, err := l.Exists(ctx, "1", model.ActionOpened)
			require.NoError(t, err)
			assert.True(t, exists)
			exists, err = l.Exists(ctx, "1", "edited")
			require.NoError(t, err)
			assert.False(t, exists)

			byDev, err := l.Query(ctx, Filter{DeveloperID: "alice"})
			require.NoError(t, err)
			require.Len(t, byDev, 2)
			assert.Equal(t, "3", byDev[0].IssueID, "newest first")
			assert.Equal(t, "1", byDev[1].IssueID)

			got, err := l.Query(ctx, Filter{IssueID: "1"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "alice", got[0].DeveloperID)
			assert.Equal(t, model.PriorityHigh, got[0].Priority)
			assert.Equal(t, []string{"ui-label"}, got[0].RuleIDs)
			assert.Equal(t, model.TieBreakLowerLoad, got[0].TieBreak)
			assert.Len(t, got[0].Candidates, 1)
			assert.False(t, got[0].LoggedAt.IsZero())

			window, err := l.Query(ctx, Filter{Since: base.Add(30 * time.Minute), Until: base.Add(2 * time.Hour)})
			require.NoError(t, err)
			require.Len(t, window, 1)
			assert.Equal(t, "2", window[0].IssueID)

			limited, err := l.Query(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			_, err = l.Query(ctx, Filter{Limit: -1})
			assert.True(t, errors.Is(err, ErrInvalidLimit))
		})
	}
}

func TestDecisionLog_ConcurrentAppendKeepsOneEntry(t *testing.T) {
	ctx := context.Background()
	for name, l := range decisionLogs(t) {
		t.Run(name, func(t *testing.T) {
			var ok atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					e := entry("42", "alice", time.Now().UTC())
					e.ID = fmt.Sprintf("dec-%d", i)
					if err := l.Append(ctx, e); err == nil {
						ok.Add(1)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), ok.Load())
			got, err := l.Query(ctx, Filter{IssueID: "42"})
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	stores := map[string]DeadLetterStore{
		"memory": NewMemoryDeadLetters(),
		"sqlite": NewGormDeadLetters(db),
	}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				require.NoError(t, s.Put(ctx, model.DeadLetter{
					ID:         fmt.Sprintf("dl-%d", i),
					DeliveryID: fmt.Sprintf("d-%d", i),
					Stage:      "received",
					ErrorKind:  "malformed",
					Error:      "missing issue.id",
					Payload:    []byte(`{"action":"opened"}`),
					CreatedAt:  base.Add(time.Duration(i) * time.Minute),
				}))
			}

			got, err := s.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "dl-2", got[0].ID)
			assert.Equal(t, "dl-1", got[1].ID)
			assert.Equal(t, []byte(`{"action":"opened"}`), got[0].Payload)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "")
	assert.True(t, errors.Is(err, ErrUnknownDriver))
}
