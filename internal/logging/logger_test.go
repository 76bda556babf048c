// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

func captureGlobal(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestInitWritesJSON(t *testing.T) {
	buf := captureGlobal(t, "debug")

	Info().Str("server_id", "plex-1").Msg("poll complete")

	out := buf.String()
	if !strings.Contains(out, `"message":"poll complete"`) {
		t.Errorf("missing message in %s", out)
	}
	if !strings.Contains(out, `"server_id":"plex-1"`) {
		t.Errorf("missing field in %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureGlobal(t, "warn")

	Info().Msg("hidden")
	Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info entry should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn entry missing: %s", out)
	}
}

func TestCtxAddsCorrelationID(t *testing.T) {
	buf := captureGlobal(t, "info")

	ctx := ContextWithCorrelationID(context.Background(), "abc12345")
	ctx = ContextWithRequestID(ctx, "req-1")
	Ctx(ctx).Info().Msg("with ids")

	out := buf.String()
	if !strings.Contains(out, `"correlation_id":"abc12345"`) {
		t.Errorf("missing correlation id: %s", out)
	}
	if !strings.Contains(out, `"request_id":"req-1"`) {
		t.Errorf("missing request id: %s", out)
	}
}

func TestContextWithNewCorrelationID(t *testing.T) {
	ctx := ContextWithNewCorrelationID(context.Background())
	id := CorrelationIDFromContext(ctx)
	if len(id) != 8 {
		t.Fatalf("expected 8 character id, got %q", id)
	}
	if CorrelationIDFromContext(context.Background()) != "" {
		t.Error("empty context should have no correlation id")
	}
}

func TestSlogHandlerRoutesToZerolog(t *testing.T) {
	buf := captureGlobal(t, "debug")

	logger := NewSlogLogger().With("service", "poller").WithGroup("cycle")
	logger.Warn("service restarted", slog.Int("attempt", 2))

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("expected warn level: %s", out)
	}
	if !strings.Contains(out, `"service":"poller"`) {
		t.Errorf("expected service attr: %s", out)
	}
	if !strings.Contains(out, `"cycle.attempt":2`) {
		t.Errorf("expected grouped attr: %s", out)
	}
}

func TestSlogHandlerEnabled(t *testing.T) {
	_ = captureGlobal(t, "error")

	h := NewSlogHandler()
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at error level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at error level")
	}
}

func TestWatermillLogger(t *testing.T) {
	buf := captureGlobal(t, "info")

	wl := NewWatermillLogger().With(watermill.LogFields{"topic": "sharewatch.events"})
	wl.Error("publish failed", errors.New("nats down"), watermill.LogFields{"attempt": 1})
	wl.Debug("noise", nil)

	out := buf.String()
	if !strings.Contains(out, `"topic":"sharewatch.events"`) {
		t.Errorf("missing inherited field: %s", out)
	}
	if !strings.Contains(out, `"error":"nats down"`) {
		t.Errorf("missing error: %s", out)
	}
	if !strings.Contains(out, `"component":"eventbus"`) {
		t.Errorf("missing component: %s", out)
	}
	if strings.Contains(out, "noise") {
		t.Errorf("debug should map to trace and be filtered: %s", out)
	}
}
