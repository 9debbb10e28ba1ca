package logger

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerInit(t *testing.T) {
	if err := InitWithOptions(Options{Format: "console", Development: true}); err != nil {
		t.Fatalf("failed to initialize development logger: %v", err)
	}
	if Get() == nil {
		t.Fatal("logger is nil after initialization")
	}

	if err := Init(); err != nil {
		t.Fatalf("failed to initialize production logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	if Get() == nil {
		t.Fatal("logger is nil after initialization")
	}
}

func TestLoggerFieldsAndContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core)).Named("dispatch")

	ctx := WithFields(context.Background(), String("delivery_id", "d-1"))
	l.Info(ctx, "decision recorded", String("issue_id", "42"), Int("attempt", 2), Error(errors.New("boom")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "dispatch" {
		t.Errorf("expected logger name dispatch, got %q", e.LoggerName)
	}
	fields := e.ContextMap()
	if fields["delivery_id"] != "d-1" {
		t.Errorf("context field missing: %v", fields)
	}
	if fields["issue_id"] != "42" {
		t.Errorf("issue_id missing: %v", fields)
	}
	if fields["error"] != "boom" {
		t.Errorf("error field missing: %v", fields)
	}
}

func TestLoggerNopBeforeInit(t *testing.T) {
	l := Nop()
	l.Warn(context.Background(), "discarded")
	if Named("x") == nil {
		t.Fatal("named logger is nil")
	}
}

func TestSetLevelString(t *testing.T) {
	defer func() { _ = SetLevelString("info") }()

	for _, lvl := range []string{"debug", "INFO", "warn", "warning", "error"} {
		if err := SetLevelString(lvl); err != nil {
			t.Errorf("unexpected error for %q: %v", lvl, err)
		}
	}
	if err := SetLevelString("debug"); err != nil {
		t.Fatal(err)
	}
	if Level() != "debug" {
		t.Errorf("expected debug, got %s", Level())
	}
	if err := SetLevelString("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}
