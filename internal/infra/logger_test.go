package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"key-backup-migrator/config"
)

func spanContext(t *testing.T) context.Context {
	t.Helper()
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func logOnce(t *testing.T, cfg *config.Config, ctx context.Context) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil), cfg)).With("component", "test")
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	return rec
}

func TestTraceHandler_AddsTraceFields(t *testing.T) {
	rec := logOnce(t, &config.Config{OtelEnabled: true, GoogleCloudProject: "proj"}, spanContext(t))

	if rec["trace"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace: %v", rec["trace"])
	}
	if rec["spanId"] != "00f067aa0ba902b7" || rec["traceSampled"] != true {
		t.Errorf("unexpected span fields: %v", rec)
	}
	if rec["logging.googleapis.com/trace"] != "projects/proj/traces/4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected cloud trace: %v", rec["logging.googleapis.com/trace"])
	}
	if rec["component"] != "test" {
		t.Error("WithAttrs must be preserved")
	}
}

func TestTraceHandler_Disabled(t *testing.T) {
	rec := logOnce(t, &config.Config{OtelEnabled: false}, spanContext(t))

	if _, ok := rec["trace"]; ok {
		t.Error("trace must not be added when otel is disabled")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): want %v, got %v", in, want, got)
		}
	}
}
