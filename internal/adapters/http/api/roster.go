package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/okian/buma/internal/domain/model"
)

// RosterDependencies defines roster reads and the release signal.
type RosterDependencies interface {
	Roster(ctx context.Context) ([]model.Developer, error)
	Release(ctx context.Context, developerID string) error
}

// RosterHandler handles roster requests.
type RosterHandler struct {
	deps RosterDependencies
}

// NewRosterHandler creates a new roster handler.
func NewRosterHandler(deps RosterDependencies) *RosterHandler {
	return &RosterHandler{deps: deps}
}

// HandleGetRoster handles GET /roster requests.
func (h *RosterHandler) HandleGetRoster(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_roster"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	devs, err := h.deps.Roster(r.Context())
	if err != nil {
		writeLookupError(w, op, err)
		return
	}
	if devs == nil {
		devs = []model.Developer{}
	}
	writeJSON(w, http.StatusOK, rosterResponse{Developers: devs})
}

// HandleRelease handles POST /roster/{developer_id}/release, sent when an
// issue assigned to the developer is closed or reassigned.
func (h *RosterHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	const op = "api.release"
	id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/roster/"), "/release")
	if !ok || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	if err := h.deps.Release(r.Context(), id); err != nil {
		writeLookupError(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
