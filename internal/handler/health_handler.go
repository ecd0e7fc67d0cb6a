package handler

import (
	"net/http"

	"go.uber.org/atomic"

	"secure-storage-service/pkg/httputil"
)

// HealthHandler はヘルスチェックのHTTPハンドラ。
type HealthHandler struct {
	ready *atomic.Bool
}

// NewHealthHandler は新しいHealthHandlerを生成する。初期状態は未準備。
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{ready: atomic.NewBool(false)}
}

// SetReady はリクエストを受け付けられるかどうかを設定する。
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type healthResponse struct {
	Status string `json:"status"`
}

// Liveness はプロセスが動いていれば常に 200 を返す。
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Readiness は起動処理が終わっていれば 200、それ以外は 503 を返す。
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		httputil.JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "starting"})
		return
	}
	httputil.JSON(w, http.StatusOK, healthResponse{Status: "ready"})
}
