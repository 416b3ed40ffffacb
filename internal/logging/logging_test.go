package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warning", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"", slog.LevelInfo, slog.LevelDebug},
		{"nonsense", slog.LevelInfo, slog.LevelDebug},
	}

	for _, tt := range tests {
		logger := New(tt.level, "text")
		if logger == nil {
			t.Fatalf("New(%q) returned nil", tt.level)
		}
		if !logger.Enabled(context.Background(), tt.enabled) {
			t.Errorf("level %q: expected %v enabled", tt.level, tt.enabled)
		}
		if logger.Enabled(context.Background(), tt.muted) {
			t.Errorf("level %q: expected %v muted", tt.level, tt.muted)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	if New("info", "json") == nil {
		t.Fatal("expected non-nil logger for json format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-7f3a")
	if id := RequestID(ctx); id != "req-7f3a" {
		t.Errorf("expected req-7f3a, got %q", id)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}

	custom := NewNop()
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected context logger to be returned")
	}
}

func TestLAnnotatesRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), NewNop())
	ctx = WithRequestID(ctx, "req-1")
	if L(ctx) == nil {
		t.Fatal("expected logger")
	}
	// Without a request id L returns the bare context logger.
	bare := WithLogger(context.Background(), NewNop())
	if L(bare) == nil {
		t.Fatal("expected logger without request id")
	}
}
