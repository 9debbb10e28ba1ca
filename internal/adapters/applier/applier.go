// Package applier writes triage decisions back to the issue tracker.
//
// Every implementation must be idempotent per ApplyRequest: labels and
// assignees are additive and the explanation comment is posted once,
// recognised on retries by its marker.
package applier

import (
	"context"
	"fmt"
	"strings"

	"github.com/okian/buma/internal/domain/model"
	"github.com/okian/buma/pkg/logger"
	"github.com/okian/buma/pkg/metrics"
)

// Applier applies one decision. Errors wrap model.ErrApply (transient) or
// model.ErrApplyPermanent.
type Applier interface {
	Apply(ctx context.Context, req model.ApplyRequest) error
}

// Marker returns the hidden tag carried by the explanation comment of a
// decision.
func Marker(issueID, action string) string {
	return fmt.Sprintf("<!-- buma:decision:%s:%s -->", issueID, action)
}

// WithMarker appends the decision marker to a comment body unless it is
// already there.
func WithMarker(body, issueID, action string) string {
	m := Marker(issueID, action)
	if strings.Contains(body, m) {
		return body
	}
	if body == "" {
		return m
	}
	return body + "\n\n" + m
}

// Log is a dry-run Applier that only logs what it would do.
type Log struct {
	log logger.Logger
}

// NewLog creates a dry-run applier.
func NewLog(l logger.Logger) *Log {
	if l == nil {
		l = logger.Named("applier")
	}
	return &Log{log: l}
}

func (a *Log) Apply(ctx context.Context, req model.ApplyRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.log.Info(ctx, "dry run: decision not applied",
		logger.String("repo", req.RepoFullName),
		logger.Int("issue_number", req.IssueNumber),
		logger.String("assignee", req.Assignee),
		logger.Any("labels", req.Labels),
	)
	metrics.RecordApplierRequest("dry_run", "ok")
	return nil
}
