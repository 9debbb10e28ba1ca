package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/buma/internal/config"
)

var configEnvVars = []string{
	"BUMA_CONFIG", "BUMA_ADDR", "BUMA_QUEUE_SIZE", "BUMA_WORKER_COUNT",
	"BUMA_ROSTER_TIMEOUT", "BUMA_QUEUE_DRIVER", "BUMA_LOAD_PENALTY",
}

func clearConfigEnvVars() {
	for _, k := range configEnvVars {
		_ = os.Unsetenv(k)
	}
}

func createTempConfigFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "buma.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const triageYAML = `
addr: ":9090"
queue_size: 500
worker_count: 8
applier_timeout: 3s
categories: [auth, ui]
rules:
  - id: auth-crash
    category: auth
    priority: critical
    weight: 0.9
    match: substring
    patterns: ["crash on login"]
    fields: [title]
  - id: ui-label
    category: ui
    priority: low
    weight: 0.5
    labels: [frontend]
roster:
  - id: alice
    max_capacity: 3
    skills:
      auth: 0.9
  - id: bob
    max_capacity: 5
    skills:
      ui: 0.8
`

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.QueueDriver, convey.ShouldEqual, config.QueueMemory)
				convey.So(cfg.Categories, convey.ShouldResemble, config.DefaultCategories)
				convey.So(cfg.Rules, convey.ShouldBeEmpty)
				convey.So(cfg.RosterTimeout, convey.ShouldEqual, 2*time.Second)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("BUMA_ADDR", ":8080")
			_ = os.Setenv("BUMA_QUEUE_SIZE", "1000")
			_ = os.Setenv("BUMA_WORKER_COUNT", "16")
			_ = os.Setenv("BUMA_ROSTER_TIMEOUT", "750ms")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 1000)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 16)
				convey.So(cfg.RosterTimeout, convey.ShouldEqual, 750*time.Millisecond)
			})
		})

		convey.Convey("When loading config with a YAML file", func() {
			_ = os.Setenv("BUMA_CONFIG", createTempConfigFile(t, triageYAML))

			cfg, err := config.Load(ctx)

			convey.Convey("Then rules and roster are read in order", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 500)
				convey.So(cfg.ApplierTimeout, convey.ShouldEqual, 3*time.Second)
				convey.So(cfg.Categories, convey.ShouldResemble, []string{"auth", "ui"})
				convey.So(cfg.Rules, convey.ShouldHaveLength, 2)
				convey.So(cfg.Rules[0].ID, convey.ShouldEqual, "auth-crash")
				convey.So(cfg.Rules[0].Patterns, convey.ShouldResemble, []string{"crash on login"})
				convey.So(cfg.Rules[1].Labels, convey.ShouldResemble, []string{"frontend"})
				convey.So(cfg.Roster, convey.ShouldHaveLength, 2)
				convey.So(cfg.Roster[1].Skills["ui"], convey.ShouldEqual, 0.8)
				convey.So(cfg.PriorityMultipliers["critical"], convey.ShouldEqual, 2.0)
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			_ = os.Setenv("BUMA_CONFIG", createTempConfigFile(t, triageYAML))
			_ = os.Setenv("BUMA_ADDR", ":8080")
			_ = os.Setenv("BUMA_WORKER_COUNT", "32")

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 32)
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 500)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			_ = os.Setenv("BUMA_CONFIG", createTempConfigFile(t, `invalid: yaml: content: [`))

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			cfg, err := config.LoadFile(ctx, "/non/existent/file.yaml")

			convey.Convey("Then it should return an error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("BUMA_ADDR", "")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When a rule names a category outside the set", func() {
			_ = os.Setenv("BUMA_CONFIG", createTempConfigFile(t, `
categories: [auth]
rules:
  - id: extra
    category: billing
    priority: high
    weight: 0.5
    labels: [billing]
`))

			_, err := config.Load(ctx)

			convey.Convey("Then loading fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "billing")
			})
		})
	})
}
