package infra

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"key-backup-migrator/config"
)

// TraceHandler はトレース情報をログに付与するslogハンドラ。
type TraceHandler struct {
	handler     slog.Handler
	projectID   string
	otelEnabled bool
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
func NewTraceHandler(handler slog.Handler, cfg *config.Config) *TraceHandler {
	return &TraceHandler{
		handler:     handler,
		projectID:   cfg.GoogleCloudProject,
		otelEnabled: cfg.OtelEnabled,
	}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle はスパンが有効な場合にトレースIDとスパンIDを付与してから委譲する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.otelEnabled {
		return h.handler.Handle(ctx, r)
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		traceID := spanCtx.TraceID().String()
		spanID := spanCtx.SpanID().String()
		r.AddAttrs(
			slog.String("trace", traceID),
			slog.String("spanId", spanID),
			slog.Bool("traceSampled", spanCtx.IsSampled()),
		)
		// Cloud Logging連携
		if h.projectID != "" {
			r.AddAttrs(
				slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
				slog.String("logging.googleapis.com/spanId", spanID),
			)
		}
	}
	return h.handler.Handle(ctx, r)
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.handler = h.handler.WithAttrs(attrs)
	return &clone
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.handler = h.handler.WithGroup(name)
	return &clone
}

// ParseLevel はLOG_LEVELの値をslog.Levelに変換する。不明な値はINFO。
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger はトレース情報付きのJSONロガーをグローバルに設定する。
// コマンドの出力と混ざらないよう、ログはwに書き出す。
func SetupLogger(cfg *config.Config, w io.Writer) {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(NewTraceHandler(jsonHandler, cfg)))
}
