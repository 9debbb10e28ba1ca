package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/buma/internal/adapters/http/api"
	"github.com/okian/buma/internal/adapters/mq/queue"
	"github.com/okian/buma/internal/adapters/repository"
	service "github.com/okian/buma/internal/app"
	"github.com/okian/buma/internal/domain/model"
)

type ingested struct {
	deliveryID string
	event      string
	body       string
}

type mockDeps struct {
	ingestErr  error
	ingested   []ingested
	entries    []model.LogEntry
	lastFilter repository.Filter
	lookupErr  error
	dls        []model.DeadLetter
	lastLimit  int
	devs       []model.Developer
	released   []string
	releaseErr error
	healthErr  error
}

func (m *mockDeps) Ingest(_ context.Context, deliveryID, eventName string, body []byte) (string, error) {
	if m.ingestErr != nil {
		return "", m.ingestErr
	}
	if deliveryID == "" {
		deliveryID = "generated"
	}
	m.ingested = append(m.ingested, ingested{deliveryID, eventName, string(body)})
	return deliveryID, nil
}

func (m *mockDeps) Decisions(_ context.Context, f repository.Filter) ([]model.LogEntry, error) {
	m.lastFilter = f
	return m.entries, m.lookupErr
}

func (m *mockDeps) DeadLetters(_ context.Context, limit int) ([]model.DeadLetter, error) {
	m.lastLimit = limit
	return m.dls, m.lookupErr
}

func (m *mockDeps) Roster(context.Context) ([]model.Developer, error) {
	return m.devs, m.lookupErr
}

func (m *mockDeps) Release(_ context.Context, id string) error {
	if m.releaseErr != nil {
		return m.releaseErr
	}
	m.released = append(m.released, id)
	return nil
}

func (m *mockDeps) Health(context.Context) error { return m.healthErr }

func (m *mockDeps) GetStats() map[string]interface{} {
	return map[string]interface{}{"started": true, "queueLength": 3}
}

func newMux(deps *mockDeps) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps).Register(context.Background(), mux)
	return mux
}

func do(mux http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func webhook(body, event, delivery string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	if delivery != "" {
		req.Header.Set("X-GitHub-Delivery", delivery)
	}
	return req
}

func TestEventsEndpoint(t *testing.T) {
	Convey("Given the events endpoint", t, func() {
		deps := &mockDeps{}
		mux := newMux(deps)

		Convey("When a webhook is posted", func() {
			rec := do(mux, webhook(`{"action":"opened"}`, "issues", "d-1"))

			Convey("Then it is accepted and queued with its headers", func() {
				So(rec.Code, ShouldEqual, http.StatusAccepted)
				So(rec.Body.String(), ShouldContainSubstring, `"delivery_id":"d-1"`)
				So(deps.ingested, ShouldHaveLength, 1)
				So(deps.ingested[0].event, ShouldEqual, "issues")
				So(deps.ingested[0].body, ShouldEqual, `{"action":"opened"}`)
			})
		})

		Convey("When the body is empty", func() {
			rec := do(mux, webhook("", "issues", "d-1"))

			Convey("Then it returns 400", func() {
				So(rec.Code, ShouldEqual, http.StatusBadRequest)
				So(deps.ingested, ShouldBeEmpty)
			})
		})

		Convey("When the event header is missing", func() {
			rec := do(mux, webhook(`{}`, "", "d-1"))

			Convey("Then it returns 400", func() {
				So(rec.Code, ShouldEqual, http.StatusBadRequest)
				So(rec.Body.String(), ShouldContainSubstring, "X-GitHub-Event")
			})
		})

		Convey("When a ping is posted", func() {
			rec := do(mux, webhook(`{"zen":"ok"}`, "ping", "d-1"))

			Convey("Then it is answered without queueing", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(deps.ingested, ShouldBeEmpty)
			})
		})

		Convey("When the queue is full", func() {
			deps.ingestErr = fmt.Errorf("enqueue delivery d-1: %w", queue.ErrFull)
			rec := do(mux, webhook(`{}`, "issues", "d-1"))

			Convey("Then it returns 429 with Retry-After", func() {
				So(rec.Code, ShouldEqual, http.StatusTooManyRequests)
				So(rec.Header().Get("Retry-After"), ShouldEqual, "1")
				var body map[string]string
				So(json.Unmarshal(rec.Body.Bytes(), &body), ShouldBeNil)
				So(body["code"], ShouldEqual, "backpressure")
			})
		})

		Convey("When the service is not running", func() {
			deps.ingestErr = service.ErrNotStarted
			rec := do(mux, webhook(`{}`, "issues", "d-1"))

			Convey("Then it returns 503", func() {
				So(rec.Code, ShouldEqual, http.StatusServiceUnavailable)
			})
		})

		Convey("When using GET", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/events", nil))

			Convey("Then it returns 404", func() {
				So(rec.Code, ShouldEqual, http.StatusNotFound)
			})
		})
	})
}

func TestDecisionsEndpoint(t *testing.T) {
	Convey("Given the decisions endpoint", t, func() {
		deps := &mockDeps{entries: []model.LogEntry{{
			Decision: model.Decision{IssueID: "42", Action: "opened", DeveloperID: "alice", Category: "auth", Priority: model.PriorityHigh},
			Outcome:  model.OutcomeApplied,
		}}}
		mux := newMux(deps)

		Convey("When querying with every filter", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet,
				"/decisions?issue_id=42&developer_id=alice&since=2025-01-01T00:00:00Z&until=2025-02-01T00:00:00Z&limit=5", nil))

			Convey("Then the filter reaches the store and entries are returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(deps.lastFilter.IssueID, ShouldEqual, "42")
				So(deps.lastFilter.DeveloperID, ShouldEqual, "alice")
				So(deps.lastFilter.Since, ShouldEqual, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
				So(deps.lastFilter.Limit, ShouldEqual, 5)
				var body struct {
					Decisions []map[string]any `json:"decisions"`
				}
				So(json.Unmarshal(rec.Body.Bytes(), &body), ShouldBeNil)
				So(body.Decisions, ShouldHaveLength, 1)
				So(body.Decisions[0]["priority"], ShouldEqual, "high")
				So(body.Decisions[0]["outcome"], ShouldEqual, "applied")
			})
		})

		Convey("When nothing matches", func() {
			deps.entries = nil
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/decisions", nil))

			Convey("Then an empty list is returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, `"decisions":[]`)
			})
		})

		Convey("When since is not RFC3339", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/decisions?since=yesterday", nil))

			Convey("Then it returns 400", func() {
				So(rec.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When until precedes since", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet,
				"/decisions?since=2025-02-01T00:00:00Z&until=2025-01-01T00:00:00Z", nil))

			Convey("Then it returns 400", func() {
				So(rec.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When the limit is negative", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/decisions?limit=-1", nil))

			Convey("Then it returns 400", func() {
				So(rec.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When the store fails", func() {
			deps.lookupErr = errors.New("disk on fire")
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/decisions", nil))

			Convey("Then it returns 500", func() {
				So(rec.Code, ShouldEqual, http.StatusInternalServerError)
			})
		})
	})
}

func TestDeadLettersEndpoint(t *testing.T) {
	Convey("Given stored dead letters", t, func() {
		deps := &mockDeps{dls: []model.DeadLetter{{DeliveryID: "d-9", Stage: "normalized", ErrorKind: "malformed"}}}
		mux := newMux(deps)

		Convey("When listing them", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/deadletters?limit=10", nil))

			Convey("Then they are returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(deps.lastLimit, ShouldEqual, 10)
				So(rec.Body.String(), ShouldContainSubstring, `"delivery_id":"d-9"`)
			})
		})

		Convey("When the limit is not a number", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/deadletters?limit=ten", nil))

			Convey("Then it returns 400", func() {
				So(rec.Code, ShouldEqual, http.StatusBadRequest)
			})
		})
	})
}

func TestRosterEndpoints(t *testing.T) {
	Convey("Given a roster", t, func() {
		deps := &mockDeps{devs: []model.Developer{{ID: "alice", Skills: map[string]float64{"auth": 0.9}, MaxCapacity: 3, Load: 1}}}
		mux := newMux(deps)

		Convey("When reading it", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/roster", nil))

			Convey("Then developers and load are returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, `"load":1`)
			})
		})

		Convey("When releasing a developer", func() {
			rec := do(mux, httptest.NewRequest(http.MethodPost, "/roster/alice/release", nil))

			Convey("Then it returns 204", func() {
				So(rec.Code, ShouldEqual, http.StatusNoContent)
				So(deps.released, ShouldResemble, []string{"alice"})
			})
		})

		Convey("When releasing an unknown developer", func() {
			deps.releaseErr = fmt.Errorf("release zed: %w", model.ErrDeveloperNotFound)
			rec := do(mux, httptest.NewRequest(http.MethodPost, "/roster/zed/release", nil))

			Convey("Then it returns 404", func() {
				So(rec.Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When the release path is malformed", func() {
			rec := do(mux, httptest.NewRequest(http.MethodPost, "/roster/a/b/release", nil))
			get := do(mux, httptest.NewRequest(http.MethodGet, "/roster/alice/release", nil))

			Convey("Then it is rejected", func() {
				So(rec.Code, ShouldEqual, http.StatusBadRequest)
				So(get.Code, ShouldEqual, http.StatusNotFound)
				So(deps.released, ShouldBeEmpty)
			})
		})
	})
}

func TestHealthStatsAndMetrics(t *testing.T) {
	Convey("Given the ops endpoints", t, func() {
		deps := &mockDeps{}
		mux := newMux(deps)

		Convey("When the service is healthy", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			Convey("Then healthz returns ok", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, `"status":"ok"`)
			})
		})

		Convey("When a dependency is down", func() {
			deps.healthErr = errors.New("redis: connection refused")
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			Convey("Then healthz returns 503", func() {
				So(rec.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(rec.Body.String(), ShouldContainSubstring, "connection refused")
			})
		})

		Convey("When reading stats", func() {
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/stats", nil))

			Convey("Then service stats are encoded", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, `"queueLength":3`)
			})
		})

		Convey("When scraping metrics after a request", func() {
			do(mux, httptest.NewRequest(http.MethodGet, "/stats", nil))
			rec := do(mux, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Convey("Then the custom registry is exposed", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, "buma_triage_http_requests_total")
			})
		})
	})
}

func TestErrorHelpers(t *testing.T) {
	Convey("Given an op-tagged error", t, func() {
		cause := errors.New("boom")
		err := api.WrapKind("api.test", api.ErrBadRequest, cause)

		Convey("Then kind and cause both match", func() {
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.test: bad request: boom")
			So(api.Wrap("api.test", nil), ShouldBeNil)
			So(api.NewKind("api.test", api.ErrNotFound).Error(), ShouldEqual, "api.test: not found")
		})
	})
}
