package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

// devRecord is one developer guarded by its own mutex; reserve and release
// never take the roster-wide lock for writing.
type devRecord struct {
	mu       sync.Mutex
	id       string
	skills   map[string]float64
	capacity int
	load     int
}

func (r *devRecord) snapshot() model.Developer {
	r.mu.Lock()
	defer r.mu.Unlock()
	skills := make(map[string]float64, len(r.skills))
	for k, v := range r.skills {
		skills[k] = v
	}
	return model.Developer{ID: r.id, Skills: skills, MaxCapacity: r.capacity, Load: r.load}
}

// MemoryRoster is a single-process RosterStore.
type MemoryRoster struct {
	mu   sync.RWMutex
	devs map[string]*devRecord
	opts options
}

// NewMemoryRoster creates a roster seeded with developers.
func NewMemoryRoster(developers []model.Developer, opts ...Option) *MemoryRoster {
	r := &MemoryRoster{
		devs: make(map[string]*devRecord, len(developers)),
		opts: newOptions("roster", opts),
	}
	for _, d := range developers {
		r.devs[d.ID] = &devRecord{
			id:       d.ID,
			skills:   copySkills(d.Skills),
			capacity: d.MaxCapacity,
			load:     d.Load,
		}
		metrics.UpdateDeveloperLoad(d.ID, d.Load)
	}
	metrics.UpdateRosterSize(len(r.devs))
	return r
}

func (r *MemoryRoster) lookup(id string) (*devRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devs[id]
	return rec, ok
}

// Candidates returns developers with a skill in category, sorted by id.
func (r *MemoryRoster) Candidates(ctx context.Context, category string) ([]model.Developer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	recs := make([]*devRecord, 0, len(r.devs))
	for _, rec := range r.devs {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]model.Developer, 0, len(recs))
	for _, rec := range recs {
		d := rec.snapshot()
		if d.HasSkill(category) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reserve takes one slot of developerID under its own lock. A full
// developer yields ErrCapacityExceeded.
func (r *MemoryRoster) Reserve(ctx context.Context, developerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := r.lookup(developerID)
	if !ok {
		return fmt.Errorf("reserve %s: %w", developerID, model.ErrDeveloperNotFound)
	}

	rec.mu.Lock()
	if rec.load >= rec.capacity {
		rec.mu.Unlock()
		return fmt.Errorf("reserve %s: %w", developerID, model.ErrCapacityExceeded)
	}
	rec.load++
	load := rec.load
	rec.mu.Unlock()

	metrics.UpdateDeveloperLoad(developerID, load)
	r.opts.log.Debug(ctx, "reserved", logger.String("developer_id", developerID), logger.Int("load", load))
	return nil
}

// Release gives back one slot; load never drops below zero.
func (r *MemoryRoster) Release(ctx context.Context, developerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := r.lookup(developerID)
	if !ok {
		return fmt.Errorf("release %s: %w", developerID, model.ErrDeveloperNotFound)
	}

	rec.mu.Lock()
	if rec.load > 0 {
		rec.load--
	}
	load := rec.load
	rec.mu.Unlock()

	metrics.UpdateDeveloperLoad(developerID, load)
	r.opts.log.Debug(ctx, "released", logger.String("developer_id", developerID), logger.Int("load", load))
	return nil
}

// Sync replaces skills and capacities from developers, keeps current load
// for developers that stay and drops the ones that are gone.
func (r *MemoryRoster) Sync(ctx context.Context, developers []model.Developer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]struct{}, len(developers))
	for _, d := range developers {
		keep[d.ID] = struct{}{}
		if rec, ok := r.devs[d.ID]; ok {
			rec.mu.Lock()
			rec.skills = copySkills(d.Skills)
			rec.capacity = d.MaxCapacity
			rec.mu.Unlock()
			continue
		}
		r.devs[d.ID] = &devRecord{id: d.ID, skills: copySkills(d.Skills), capacity: d.MaxCapacity}
		metrics.UpdateDeveloperLoad(d.ID, 0)
	}
	for id := range r.devs {
		if _, ok := keep[id]; !ok {
			delete(r.devs, id)
			metrics.DeleteDeveloperLoad(id)
		}
	}
	metrics.UpdateRosterSize(len(r.devs))
	r.opts.log.Info(ctx, "roster synced", logger.Int("developers", len(r.devs)))
	return nil
}

// List returns every developer sorted by id.
func (r *MemoryRoster) List(ctx context.Context) ([]model.Developer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]model.Developer, 0, len(r.devs))
	for _, rec := range r.devs {
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copySkills(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
