// Package httputil はMatrix形式のHTTPレスポンス生成のユーティリティを提供する。
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse はMatrixのエラーレスポンスの形式。
type ErrorResponse struct {
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

// JSON はJSONレスポンスを返す。
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// ヘッダーは送信済みのためログのみ
			slog.Error("failed to encode response", "status", status, "error", err)
		}
	}
}

// Error はエラーレスポンスを返す。
func Error(w http.ResponseWriter, status int, errcode, message string) {
	JSON(w, status, ErrorResponse{
		ErrCode: errcode,
		Message: message,
	})
}

// DecodeJSON はリクエストボディを読み取る。失敗した場合はM_NOT_JSONを返してfalseを返す。
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "M_NOT_JSON", "request body is not valid JSON")
		return false
	}
	return true
}
