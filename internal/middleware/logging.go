// Package middleware はHTTPミドルウェアと操作ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog はAPI経由の操作結果をログに出力する。
// keyVersion は対象のKEKバージョンで、ない場合は空文字列。
func WriteAuditLog(ctx context.Context, operation string, keyVersion string, result string) {
	attrs := []any{
		"operation", operation,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	if keyVersion != "" {
		attrs = append(attrs, "key_version", keyVersion)
	}

	if result == ResultSuccess {
		slog.InfoContext(ctx, "storage operation completed", attrs...)
		return
	}
	slog.WarnContext(ctx, "storage operation failed", attrs...)
}
