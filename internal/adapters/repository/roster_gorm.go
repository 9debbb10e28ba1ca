package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

type developerRow struct {
	ID          string    `gorm:"primaryKey;column:id"`
	MaxCapacity int       `gorm:"column:max_capacity;not null;default:5"`
	CurrentLoad int       `gorm:"column:current_load;not null;default:0"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (developerRow) TableName() string { return "developers" }

type skillRow struct {
	DeveloperID string  `gorm:"primaryKey;column:developer_id"`
	Category    string  `gorm:"primaryKey;column:category;index"`
	Weight      float64 `gorm:"column:weight;not null"`
}

func (skillRow) TableName() string { return "developer_skills" }

// GormRoster is a RosterStore on a SQL database. Reserve is a single
// conditional UPDATE, so it stays linearizable across processes.
type GormRoster struct {
	db   *gorm.DB
	opts options
}

// NewGormRoster creates a roster over db. The schema must be migrated.
func NewGormRoster(db *gorm.DB, opts ...Option) *GormRoster {
	return &GormRoster{db: db, opts: newOptions("roster", opts)}
}

// Candidates returns developers with a skill in category, ordered by id.
func (r *GormRoster) Candidates(ctx context.Context, category string) ([]model.Developer, error) {
	var rows []developerRow
	err := r.db.WithContext(ctx).
		Model(&developerRow{}).
		Joins("JOIN developer_skills ON developer_skills.developer_id = developers.id AND developer_skills.category = ?", category).
		Order("developers.id").
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("candidates", err)
	}
	return r.withSkills(ctx, rows)
}

// List returns every developer ordered by id.
func (r *GormRoster) List(ctx context.Context) ([]model.Developer, error) {
	var rows []developerRow
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, storageErr("list roster", err)
	}
	return r.withSkills(ctx, rows)
}

func (r *GormRoster) withSkills(ctx context.Context, rows []developerRow) ([]model.Developer, error) {
	out := make([]model.Developer, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	var skills []skillRow
	if err := r.db.WithContext(ctx).Where("developer_id IN ?", ids).Find(&skills).Error; err != nil {
		return nil, storageErr("load skills", err)
	}
	byDev := make(map[string]map[string]float64, len(rows))
	for _, s := range skills {
		if byDev[s.DeveloperID] == nil {
			byDev[s.DeveloperID] = make(map[string]float64)
		}
		byDev[s.DeveloperID][s.Category] = s.Weight
	}
	for _, row := range rows {
		sk := byDev[row.ID]
		if sk == nil {
			sk = map[string]float64{}
		}
		out = append(out, model.Developer{
			ID:          row.ID,
			Skills:      sk,
			MaxCapacity: row.MaxCapacity,
			Load:        row.CurrentLoad,
		})
	}
	return out, nil
}

// Reserve increments the load in one conditional UPDATE so concurrent
// processes cannot exceed capacity.
func (r *GormRoster) Reserve(ctx context.Context, developerID string) error {
	res := r.db.WithContext(ctx).
		Model(&developerRow{}).
		Where("id = ? AND current_load < max_capacity", developerID).
		UpdateColumn("current_load", gorm.Expr("current_load + 1"))
	if res.Error != nil {
		return storageErr("reserve "+developerID, res.Error)
	}
	if res.RowsAffected == 0 {
		exists, err := r.exists(ctx, developerID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("reserve %s: %w", developerID, model.ErrDeveloperNotFound)
		}
		return fmt.Errorf("reserve %s: %w", developerID, model.ErrCapacityExceeded)
	}
	r.publishLoad(ctx, developerID)
	return nil
}

// Release decrements the load, floored at zero.
func (r *GormRoster) Release(ctx context.Context, developerID string) error {
	res := r.db.WithContext(ctx).
		Model(&developerRow{}).
		Where("id = ?", developerID).
		UpdateColumn("current_load", gorm.Expr("CASE WHEN current_load > 0 THEN current_load - 1 ELSE 0 END"))
	if res.Error != nil {
		return storageErr("release "+developerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("release %s: %w", developerID, model.ErrDeveloperNotFound)
	}
	r.publishLoad(ctx, developerID)
	return nil
}

// Sync upserts developers and their skills in one transaction, keeping
// current load, and removes developers no longer listed.
func (r *GormRoster) Sync(ctx context.Context, developers []model.Developer) error {
	now := r.opts.now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(developers))
		for _, d := range developers {
			ids = append(ids, d.ID)
			row := developerRow{ID: d.ID, MaxCapacity: d.MaxCapacity, UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"max_capacity", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
			if err := tx.Where("developer_id = ?", d.ID).Delete(&skillRow{}).Error; err != nil {
				return err
			}
			for category, weight := range d.Skills {
				if err := tx.Create(&skillRow{DeveloperID: d.ID, Category: category, Weight: weight}).Error; err != nil {
					return err
				}
			}
		}

		stale := tx.Model(&developerRow{})
		staleSkills := tx.Model(&skillRow{})
		if len(ids) > 0 {
			stale = stale.Where("id NOT IN ?", ids)
			staleSkills = staleSkills.Where("developer_id NOT IN ?", ids)
		} else {
			stale = stale.Where("1 = 1")
			staleSkills = staleSkills.Where("1 = 1")
		}
		if err := staleSkills.Delete(&skillRow{}).Error; err != nil {
			return err
		}
		return stale.Delete(&developerRow{}).Error
	})
	if err != nil {
		return storageErr("sync roster", err)
	}
	metrics.UpdateRosterSize(len(developers))
	r.opts.log.Info(ctx, "roster synced", logger.Int("developers", len(developers)))
	return nil
}

func (r *GormRoster) exists(ctx context.Context, developerID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&developerRow{}).Where("id = ?", developerID).Count(&n).Error; err != nil {
		return false, storageErr("lookup "+developerID, err)
	}
	return n > 0, nil
}

// publishLoad refreshes the load gauge; failures only cost a stale gauge.
func (r *GormRoster) publishLoad(ctx context.Context, developerID string) {
	var row developerRow
	if err := r.db.WithContext(ctx).Select("current_load").Where("id = ?", developerID).Take(&row).Error; err != nil {
		r.opts.log.Debug(ctx, "load gauge refresh failed", logger.String("developer_id", developerID), logger.Error(err))
		return
	}
	metrics.UpdateDeveloperLoad(developerID, row.CurrentLoad)
}
