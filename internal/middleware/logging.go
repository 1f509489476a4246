// Package middleware は監査ログとHTTPクライアント用のミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// 監査ログの結果区分。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog は破壊的、または秘密情報を扱う操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation, userID, target, result string) {
	slog.InfoContext(ctx, "sensitive operation completed",
		"audit", true,
		"operation", operation,
		"user_id", userID,
		"target", target,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}

// LoggingTransport はリクエストごとにメソッド、パス、ステータス、所要時間をログに出す。
// URLのクエリや認証ヘッダーは出力しない。
type LoggingTransport struct {
	Base http.RoundTripper
}

// RoundTrip はhttp.RoundTripperを実装する。
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	start := time.Now()
	resp, err := base.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		slog.WarnContext(req.Context(), "http request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, err
	}
	slog.DebugContext(req.Context(), "http request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}
