package config_test

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/buma/internal/config"
	"github.com/okian/buma/internal/domain/model"
)

func validConfig() *config.Config {
	cfg := config.New()
	cfg.Categories = []string{"auth", "ui"}
	cfg.Rules = []config.RuleConfig{
		{ID: "auth-crash", Category: "auth", Priority: "critical", Weight: 0.9, Match: "substring", Patterns: []string{"crash on login"}},
		{ID: "ui-label", Category: "ui", Priority: "low", Weight: 0.5, Labels: []string{"frontend"}},
	}
	cfg.Roster = []config.DeveloperConfig{
		{ID: "alice", MaxCapacity: 3, Skills: map[string]float64{"auth": 0.9}},
		{ID: "bob", MaxCapacity: 5, Skills: map[string]float64{"ui": 0.8}},
	}
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	Convey("Given a fresh config", t, func() {
		cfg := config.New()

		Convey("Then the defaults are set", func() {
			So(cfg.Addr, ShouldEqual, ":9080")
			So(cfg.EventQueueSize, ShouldEqual, 100_000)
			So(cfg.WorkerCount, ShouldBeGreaterThan, 0)
			So(cfg.MaxDeliveries, ShouldEqual, 10)
			So(cfg.StoreDriver, ShouldEqual, config.StoreMemory)
			So(cfg.Applier, ShouldEqual, config.ApplierLog)
			So(cfg.LoadPenalty, ShouldEqual, 0.1)
			So(cfg.PriorityMultipliers, ShouldHaveLength, 4)
		})

		Convey("Then it validates", func() {
			So(cfg.Validate(), ShouldBeNil)
		})
	})
}

func TestConfigValidate(t *testing.T) {
	Convey("Given a valid triage config", t, func() {
		cfg := validConfig()
		So(cfg.Validate(), ShouldBeNil)

		cases := []struct {
			name   string
			mutate func(*config.Config)
			want   string
		}{
			{"unknown queue driver", func(c *config.Config) { c.QueueDriver = "kafka" }, "queue_driver"},
			{"redis without address", func(c *config.Config) { c.QueueDriver = config.QueueRedis }, "redis_addr"},
			{"postgres without dsn", func(c *config.Config) { c.StoreDriver = config.StorePostgres }, "store_dsn"},
			{"github without token", func(c *config.Config) { c.Applier = config.ApplierGitHub }, "github_token"},
			{"zero queue size", func(c *config.Config) { c.EventQueueSize = 0 }, "queue_size"},
			{"zero timeout", func(c *config.Config) { c.ApplierTimeout = 0 }, "timeouts"},
			{"inverted backoff", func(c *config.Config) { c.RetryMaxBackoff = time.Millisecond }, "backoff"},
			{"jitter out of range", func(c *config.Config) { c.RetryJitter = 1.5 }, "retry_jitter"},
			{"missing multiplier", func(c *config.Config) { delete(c.PriorityMultipliers, "low") }, "missing low"},
			{"unknown priority multiplier", func(c *config.Config) { c.PriorityMultipliers["urgent"] = 3 }, "priority_multipliers"},
			{"listed uncategorized", func(c *config.Config) { c.Categories = append(c.Categories, "uncategorized") }, "implicit"},
			{"duplicate category", func(c *config.Config) { c.Categories = append(c.Categories, "auth") }, "duplicate category"},
			{"rule outside categories", func(c *config.Config) { c.Rules[0].Category = "billing" }, "not in categories"},
			{"duplicate rule id", func(c *config.Config) { c.Rules[1].ID = "auth-crash" }, "duplicate id"},
			{"bad rule priority", func(c *config.Config) { c.Rules[0].Priority = "urgent" }, "auth-crash"},
			{"bad rule weight", func(c *config.Config) { c.Rules[1].Weight = 1.2 }, "weight"},
			{"duplicate developer", func(c *config.Config) { c.Roster[1].ID = "alice" }, "alice"},
			{"negative capacity", func(c *config.Config) { c.Roster[0].MaxCapacity = -1 }, "alice"},
			{"skill weight out of range", func(c *config.Config) { c.Roster[1].Skills["ui"] = 2 }, "bob"},
		}

		for _, tc := range cases {
			Convey("When the config has "+tc.name, func() {
				tc.mutate(cfg)
				err := cfg.Validate()

				Convey("Then validation fails with ErrInvalidConfig", func() {
					So(err, ShouldNotBeNil)
					So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
					So(err.Error(), ShouldContainSubstring, tc.want)
				})
			})
		}
	})
}

func TestConfigConversions(t *testing.T) {
	Convey("Given a valid triage config", t, func() {
		cfg := validConfig()

		Convey("When building the classifier", func() {
			cls, err := cfg.Classifier()

			Convey("Then rules classify in order", func() {
				So(err, ShouldBeNil)
				So(cls.Len(), ShouldEqual, 2)
				got := cls.Classify(model.IssueEvent{IssueID: "1", Title: "App CRASH ON LOGIN"})
				So(got.Category, ShouldEqual, "auth")
				So(got.Priority, ShouldEqual, model.PriorityCritical)
				So(got.RuleIDs, ShouldContain, "auth-crash")
			})
		})

		Convey("When reading weights", func() {
			w, err := cfg.Weights()

			Convey("Then multipliers are keyed by priority", func() {
				So(err, ShouldBeNil)
				So(w.PriorityMultipliers[model.PriorityCritical], ShouldEqual, 2.0)
				So(w.PriorityMultipliers[model.PriorityLow], ShouldEqual, 0.5)
				So(w.LoadPenalty, ShouldEqual, 0.1)
			})
		})

		Convey("When reading the roster", func() {
			devs := cfg.Developers()

			Convey("Then developers start with zero load and their own skill maps", func() {
				So(devs, ShouldHaveLength, 2)
				So(devs[0].ID, ShouldEqual, "alice")
				So(devs[0].Load, ShouldEqual, 0)
				So(devs[0].MaxCapacity, ShouldEqual, 3)
				devs[0].Skills["auth"] = 0
				So(cfg.Roster[0].Skills["auth"], ShouldEqual, 0.9)
			})
		})

		Convey("When reading the retry policy, timeouts and labels", func() {
			p := cfg.RetryPolicy()
			to := cfg.Timeouts()
			labels := cfg.Labels()

			Convey("Then they mirror the config", func() {
				So(p.MaxAttempts, ShouldEqual, 5)
				So(p.InitialBackoff, ShouldEqual, 200*time.Millisecond)
				So(p.MaxBackoff, ShouldEqual, 10*time.Second)
				So(to.Roster, ShouldEqual, 2*time.Second)
				So(to.Applier, ShouldEqual, 10*time.Second)
				So(labels.CategoryPrefix, ShouldEqual, "triage/")
				So(labels.Unassigned, ShouldEqual, "triage/unassigned")
			})
		})

		Convey("When a rule carries an unknown priority", func() {
			cfg.Rules[0].Priority = "urgent"
			_, err := cfg.Classifier()

			Convey("Then the classifier is not built", func() {
				So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
			})
		})
	})
}
