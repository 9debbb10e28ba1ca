package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/okian/buma/internal/adapters/mq/queue"
	service "github.com/okian/buma/internal/app"
)

// maxPayloadBytes matches the largest webhook payload the tracker sends.
const maxPayloadBytes = 25 << 20

// Webhook request headers.
const (
	headerDelivery = "X-GitHub-Delivery"
	headerEvent    = "X-GitHub-Event"
)

// EventDependencies defines the interface for webhook intake.
type EventDependencies interface {
	// Ingest queues a raw delivery and returns its delivery id.
	Ingest(ctx context.Context, deliveryID, eventName string, body []byte) (string, error)
}

// EventsHandler handles event requests
type EventsHandler struct {
	deps EventDependencies
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(deps EventDependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

// HandlePostEvent handles POST /events requests. The body is queued as-is;
// validation happens in the pipeline so a redelivery of a bad payload is
// dead-lettered rather than lost.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_event"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	event := strings.TrimSpace(r.Header.Get(headerEvent))
	if event == "" {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing "+headerEvent+" header")))
		return
	}
	if event == "ping" {
		writeJSON(w, http.StatusOK, ackResponse{Status: "pong"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("empty body")))
		return
	}

	id, err := h.deps.Ingest(r.Context(), strings.TrimSpace(r.Header.Get(headerDelivery)), event, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", DeliveryID: id})
	case errors.Is(err, queue.ErrFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "backpressure", WrapKind(op, ErrBackpressure, err))
	case errors.Is(err, queue.ErrClosed), errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", WrapKind(op, ErrUnavailable, err))
	case errors.Is(err, service.ErrEmptyPayload), errors.Is(err, service.ErrMissingEventName):
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", WrapKind(op, ErrInternal, err))
	}
}
