package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
)

type decisionRow struct {
	ID           string            `gorm:"primaryKey;column:id"`
	IssueID      string            `gorm:"column:issue_id;not null;uniqueIndex:ux_decision_issue_action"`
	Action       string            `gorm:"column:action;not null;uniqueIndex:ux_decision_issue_action"`
	DeliveryID   string            `gorm:"column:delivery_id"`
	RepoFullName string            `gorm:"column:repo_full_name"`
	IssueNumber  int               `gorm:"column:issue_number"`
	DeveloperID  string            `gorm:"column:developer_id;index"`
	Reason       string            `gorm:"column:reason"`
	Category     string            `gorm:"column:category"`
	Priority     string            `gorm:"column:priority"`
	Confidence   float64           `gorm:"column:confidence"`
	RuleIDs      []string          `gorm:"column:rule_ids;serializer:json"`
	Candidates   []model.Candidate `gorm:"column:candidates;serializer:json"`
	TieBreak     string            `gorm:"column:tie_break"`
	Explanation  string            `gorm:"column:explanation;type:text"`
	Outcome      string            `gorm:"column:outcome;not null"`
	ApplyError   string            `gorm:"column:apply_error;type:text"`
	FailedStage  string            `gorm:"column:failed_stage"`
	ErrorKind    string            `gorm:"column:error_kind"`
	Attempts     int               `gorm:"column:attempts"`
	DecidedAt    time.Time         `gorm:"column:decided_at;index"`
	LoggedAt     time.Time         `gorm:"column:logged_at"`
}

func (decisionRow) TableName() string { return "triage_decisions" }

func toDecisionRow(e model.LogEntry) decisionRow {
	priority := ""
	if e.Priority.Valid() {
		priority = e.Priority.String()
	}
	return decisionRow{
		ID:           e.ID,
		IssueID:      e.IssueID,
		Action:       e.Action,
		DeliveryID:   e.DeliveryID,
		RepoFullName: e.RepoFullName,
		IssueNumber:  e.IssueNumber,
		DeveloperID:  e.DeveloperID,
		Reason:       string(e.Reason),
		Category:     e.Category,
		Priority:     priority,
		Confidence:   e.Confidence,
		RuleIDs:      e.RuleIDs,
		Candidates:   e.Candidates,
		TieBreak:     string(e.TieBreak),
		Explanation:  e.Explanation,
		Outcome:      string(e.Outcome),
		ApplyError:   e.ApplyError,
		FailedStage:  e.FailedStage,
		ErrorKind:    e.ErrorKind,
		Attempts:     e.Attempts,
		DecidedAt:    e.DecidedAt,
		LoggedAt:     e.LoggedAt,
	}
}

func (r decisionRow) entry() model.LogEntry {
	// Rows are written by this package; an unparsable priority stays zero.
	priority, _ := model.ParsePriority(r.Priority)
	return model.LogEntry{
		Decision: model.Decision{
			ID:           r.ID,
			IssueID:      r.IssueID,
			Action:       r.Action,
			DeliveryID:   r.DeliveryID,
			RepoFullName: r.RepoFullName,
			IssueNumber:  r.IssueNumber,
			DeveloperID:  r.DeveloperID,
			Reason:       model.UnassignedReason(r.Reason),
			Category:     r.Category,
			Priority:     priority,
			Confidence:   r.Confidence,
			RuleIDs:      r.RuleIDs,
			Candidates:   r.Candidates,
			TieBreak:     model.TieBreak(r.TieBreak),
			Explanation:  r.Explanation,
			DecidedAt:    r.DecidedAt.UTC(),
		},
		Outcome:     model.Outcome(r.Outcome),
		ApplyError:  r.ApplyError,
		FailedStage: r.FailedStage,
		ErrorKind:   r.ErrorKind,
		Attempts:    r.Attempts,
		LoggedAt:    r.LoggedAt.UTC(),
	}
}

// GormDecisionLog is a DecisionLog on a SQL database. The unique index on
// (issue_id, action) enforces one entry per idempotency key.
type GormDecisionLog struct {
	db   *gorm.DB
	opts options
}

// NewGormDecisionLog creates a decision log over db.
func NewGormDecisionLog(db *gorm.DB, opts ...Option) *GormDecisionLog {
	return &GormDecisionLog{db: db, opts: newOptions("decision_log", opts)}
}

// Append inserts entry. The unique (issue_id, action) index turns a second
// insert into ErrDuplicateEntry.
func (l *GormDecisionLog) Append(ctx context.Context, entry model.LogEntry) error {
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = l.opts.now().UTC()
	}
	row := toDecisionRow(entry)
	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "issue_id"}, {Name: "action"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return storageErr("append decision", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("append %s: %w", entry.Key(), model.ErrDuplicateEntry)
	}
	l.opts.log.Debug(ctx, "decision appended",
		logger.String("issue_id", entry.IssueID),
		logger.String("outcome", string(entry.Outcome)))
	return nil
}

// Exists reports whether an entry for (issueID, action) is stored.
func (l *GormDecisionLog) Exists(ctx context.Context, issueID, action string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).
		Model(&decisionRow{}).
		Where("issue_id = ? AND action = ?", issueID, action).
		Count(&n).Error
	if err != nil {
		return false, storageErr("exists", err)
	}
	return n > 0, nil
}

// Query returns entries matching f, newest first.
func (l *GormDecisionLog) Query(ctx context.Context, f Filter) ([]model.LogEntry, error) {
	limit, err := normalizeLimit(f.Limit)
	if err != nil {
		return nil, err
	}
	q := l.db.WithContext(ctx).Model(&decisionRow{})
	if f.IssueID != "" {
		q = q.Where("issue_id = ?", f.IssueID)
	}
	if f.DeveloperID != "" {
		q = q.Where("developer_id = ?", f.DeveloperID)
	}
	if !f.Since.IsZero() {
		q = q.Where("decided_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("decided_at < ?", f.Until.UTC())
	}

	var rows []decisionRow
	if err := q.Order("decided_at DESC").Order("id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, storageErr("query decisions", err)
	}
	out := make([]model.LogEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

type deadLetterRow struct {
	ID         string    `gorm:"primaryKey;column:id"`
	DeliveryID string    `gorm:"column:delivery_id;index"`
	IssueID    string    `gorm:"column:issue_id;index"`
	Action     string    `gorm:"column:action"`
	Stage      string    `gorm:"column:stage;not null"`
	ErrorKind  string    `gorm:"column:error_kind;not null"`
	Error      string    `gorm:"column:error;type:text"`
	Attempts   int       `gorm:"column:attempts"`
	Payload    []byte    `gorm:"column:payload"`
	CreatedAt  time.Time `gorm:"column:created_at;index"`
}

func (deadLetterRow) TableName() string { return "dead_letters" }

// GormDeadLetters is a DeadLetterStore on a SQL database.
type GormDeadLetters struct {
	db   *gorm.DB
	opts options
}

// NewGormDeadLetters creates a dead-letter store over db.
func NewGormDeadLetters(db *gorm.DB, opts ...Option) *GormDeadLetters {
	return &GormDeadLetters{db: db, opts: newOptions("dead_letters", opts)}
}

// Put inserts a dead-letter record.
func (s *GormDeadLetters) Put(ctx context.Context, dl model.DeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = s.opts.now().UTC()
	}
	row := deadLetterRow{
		ID:         dl.ID,
		DeliveryID: dl.DeliveryID,
		IssueID:    dl.IssueID,
		Action:     dl.Action,
		Stage:      dl.Stage,
		ErrorKind:  dl.ErrorKind,
		Error:      dl.Error,
		Attempts:   dl.Attempts,
		Payload:    dl.Payload,
		CreatedAt:  dl.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storageErr("put dead letter", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *GormDeadLetters) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	n, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	var rows []deadLetterRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(n).Find(&rows).Error; err != nil {
		return nil, storageErr("list dead letters", err)
	}
	out := make([]model.DeadLetter, len(rows))
	for i, r := range rows {
		out[i] = model.DeadLetter{
			ID:         r.ID,
			DeliveryID: r.DeliveryID,
			IssueID:    r.IssueID,
			Action:     r.Action,
			Stage:      r.Stage,
			ErrorKind:  r.ErrorKind,
			Error:      r.Error,
			Attempts:   r.Attempts,
			Payload:    r.Payload,
			CreatedAt:  r.CreatedAt.UTC(),
		}
	}
	return out, nil
}
