package testevents

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/buma/internal/domain/normalize"
)

// fakeService records one decision per issue id like the real service.
type fakeService struct {
	mu        sync.Mutex
	decisions map[string][]Decision
	throttle  atomic.Int32
	posts     atomic.Int32
}

func newFakeService() *fakeService {
	return &fakeService{decisions: make(map[string][]Decision)}
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		f.posts.Add(1)
		if f.throttle.Add(-1) >= 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		body, _ := io.ReadAll(r.Body)
		ev, err := normalize.Normalize(r.Header.Get("X-GitHub-Event"), body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		if len(f.decisions[ev.IssueID]) == 0 {
			f.decisions[ev.IssueID] = []Decision{{IssueID: ev.IssueID, DeveloperID: "alice", Outcome: "applied"}}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"queueLength": 0, "workers": map[string]any{"active": 0}})
	})
	mux.HandleFunc("/decisions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		got := f.decisions[r.URL.Query().Get("issue_id")]
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(decisionsResponse{Decisions: got})
	})
	return mux
}

func testConfig(baseURL string, t *testing.T) *Config {
	return &Config{
		BaseURL:        baseURL,
		NumIssues:      20,
		DuplicateRatio: 0.5,
		Repo:           "acme/app",
		Workers:        4,
		Timeout:        5 * time.Second,
		SettleTimeout:  5 * time.Second,
		OutputFile:     filepath.Join(t.TempDir(), "hooks.json"),
	}
}

func TestGenerateIssue(t *testing.T) {
	Convey("Given a generated issue", t, func() {
		is := GenerateIssue(3, "acme/app")

		Convey("When its opened payload is normalized", func() {
			ev, err := normalize.Normalize("issues", is.Payload("opened"))

			Convey("Then it is a valid issue event", func() {
				So(err, ShouldBeNil)
				So(ev.IssueID, ShouldEqual, "9000003")
				So(ev.Number, ShouldEqual, 4)
				So(ev.RepoFullName, ShouldEqual, "acme/app")
				So(ev.Author, ShouldEqual, "replay-bot")
			})
		})

		Convey("When peeking at a closed payload", func() {
			id, action := normalize.Peek(is.Payload("closed"))

			Convey("Then id and action are readable", func() {
				So(id, ShouldEqual, "9000003")
				So(action, ShouldEqual, "closed")
			})
		})
	})
}

func TestGenerateWebhooks(t *testing.T) {
	Convey("Given a full redelivery ratio", t, func() {
		cfg := &Config{NumIssues: 5, DuplicateRatio: 1.01, Repo: "acme/app"}
		stats := &Stats{}

		hooks, err := generateWebhooks(context.Background(), cfg, stats)

		Convey("Then every issue is sent twice with distinct delivery ids", func() {
			So(err, ShouldBeNil)
			So(hooks, ShouldHaveLength, 10)
			So(stats.Redeliveries, ShouldEqual, 5)
			So(uniqueIssueIDs(hooks), ShouldHaveLength, 5)
			So(hooks[0].IssueID, ShouldEqual, hooks[1].IssueID)
			So(hooks[0].DeliveryID, ShouldNotEqual, hooks[1].DeliveryID)
			So(hooks[1].Redelivery, ShouldBeTrue)
		})
	})
}

func TestVerifyResults(t *testing.T) {
	Convey("Given decisions for three issues", t, func() {
		ctx := context.Background()
		cfg := &Config{}
		ids := []string{"1", "2", "3"}

		Convey("When each has exactly one decision", func() {
			stats := &Stats{}
			err := verifyResults(ctx, cfg, ids, map[string][]Decision{
				"1": {{IssueID: "1", DeveloperID: "alice"}},
				"2": {{IssueID: "2", DeveloperID: "bob"}},
				"3": {{IssueID: "3", Reason: "no_capacity"}},
			}, stats)

			Convey("Then verification passes", func() {
				So(err, ShouldBeNil)
				So(stats.Assigned, ShouldEqual, 2)
				So(stats.Unassigned, ShouldEqual, 1)
			})
		})

		Convey("When one issue has two decisions", func() {
			stats := &Stats{}
			err := verifyResults(ctx, cfg, ids, map[string][]Decision{
				"1": {{IssueID: "1"}, {IssueID: "1"}},
				"2": {{IssueID: "2"}},
				"3": {{IssueID: "3"}},
			}, stats)

			Convey("Then verification fails", func() {
				So(err, ShouldNotBeNil)
				So(stats.IssuesDuplicated, ShouldEqual, 1)
			})
		})

		Convey("When one issue is missing", func() {
			stats := &Stats{}
			err := verifyResults(ctx, cfg, ids, map[string][]Decision{
				"1": {{IssueID: "1"}},
			}, stats)

			Convey("Then verification fails", func() {
				So(err, ShouldNotBeNil)
				So(stats.IssuesMissing, ShouldEqual, 2)
			})
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a service that throttles the first deliveries", t, func() {
		fake := newFakeService()
		fake.throttle.Store(2)
		srv := httptest.NewServer(fake.handler())
		defer srv.Close()

		cfg := testConfig(srv.URL, t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		Convey("When the replay runs", func() {
			err := Run(ctx, cfg)

			Convey("Then every issue ends with one decision", func() {
				So(err, ShouldBeNil)
				fake.mu.Lock()
				defer fake.mu.Unlock()
				So(fake.decisions, ShouldHaveLength, 20)
				So(int(fake.posts.Load()), ShouldBeGreaterThanOrEqualTo, 22)
			})
		})
	})
}
