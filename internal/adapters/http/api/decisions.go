package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/okian/buma/internal/adapters/repository"
	"github.com/okian/buma/internal/domain/model"
)

// DecisionDependencies defines read access to the decision log and dead letters.
type DecisionDependencies interface {
	Decisions(ctx context.Context, f repository.Filter) ([]model.LogEntry, error)
	DeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

// DecisionsHandler handles decision log and dead-letter requests.
type DecisionsHandler struct {
	deps DecisionDependencies
}

// NewDecisionsHandler creates a new decisions handler.
func NewDecisionsHandler(deps DecisionDependencies) *DecisionsHandler {
	return &DecisionsHandler{deps: deps}
}

// HandleGetDecisions handles GET /decisions?issue_id=&developer_id=&since=&until=&limit=.
func (h *DecisionsHandler) HandleGetDecisions(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_decisions"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	entries, err := h.deps.Decisions(r.Context(), f)
	if err != nil {
		writeLookupError(w, op, err)
		return
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, decisionsResponse{Decisions: entries})
}

// HandleGetDeadLetters handles GET /deadletters?limit=.
func (h *DecisionsHandler) HandleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_deadletters"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	dls, err := h.deps.DeadLetters(r.Context(), limit)
	if err != nil {
		writeLookupError(w, op, err)
		return
	}
	if dls == nil {
		dls = []model.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{DeadLetters: dls})
}

func parseFilter(q url.Values) (repository.Filter, error) {
	f := repository.Filter{
		IssueID:     q.Get("issue_id"),
		DeveloperID: q.Get("developer_id"),
	}
	var err error
	if f.Since, err = parseTime("since", q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime("until", q.Get("until")); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, errors.New("until is before since")
	}
	f.Limit, err = parseLimit(q.Get("limit"))
	return f, err
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s; must be RFC3339", name)
	}
	return t, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit; must be a non-negative integer")
	}
	return n, nil
}

// writeLookupError maps store errors to a status.
func writeLookupError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
	case errors.Is(err, model.ErrDeveloperNotFound):
		writeError(w, http.StatusNotFound, "not_found", WrapKind(op, ErrNotFound, err))
	default:
		if isUnavailable(err) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", WrapKind(op, ErrUnavailable, err))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", WrapKind(op, ErrInternal, err))
	}
}
