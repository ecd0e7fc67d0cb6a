package handler

import (
	"errors"
	"net/http"
	"strconv"

	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/middleware"
	"secure-storage-service/internal/usecase"
	"secure-storage-service/pkg/httputil"
)

// MigrationHandler はレガシー移行のHTTPハンドラ。
type MigrationHandler struct {
	service *usecase.MigrationService
}

// NewMigrationHandler は新しいMigrationHandlerを生成する。
func NewMigrationHandler(service *usecase.MigrationService) *MigrationHandler {
	return &MigrationHandler{service: service}
}

// MigrationStatusResponse は移行状況のレスポンス形式。
type MigrationStatusResponse struct {
	Total   int `json:"total"`
	Legacy  int `json:"legacy"`
	Current int `json:"current"`
	Stale   int `json:"stale"`
}

// MigrationReportResponse は移行結果のレスポンス形式。
type MigrationReportResponse struct {
	DryRun         bool     `json:"dry_run"`
	Scanned        int      `json:"scanned"`
	Migrated       int      `json:"migrated"`
	Skipped        int      `json:"skipped"`
	Failed         []string `json:"failed"`
	DurationMillis int64    `json:"duration_ms"`
}

// Status は保存済みシークレットの形式ごとの件数を返す。
func (h *MigrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		writeError(w, r, "GET_MIGRATION_STATUS", "", err)
		return
	}

	httputil.JSON(w, http.StatusOK, MigrationStatusResponse{
		Total:   status.Total,
		Legacy:  status.Legacy,
		Current: status.Current,
		Stale:   status.Stale,
	})
}

// Run はレガシー形式のシークレットを移行する。一部が失敗した場合は 207 を返す。
func (h *MigrationHandler) Run(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if s := r.URL.Query().Get("dry_run"); s != "" {
		var err error
		if dryRun, err = strconv.ParseBool(s); err != nil {
			badRequest(w, r, "MIGRATE_LEGACY", "dry_run must be a boolean")
			return
		}
	}

	report, err := h.service.MigrateLegacy(r.Context(), dryRun)
	if err != nil && (report == nil || !errors.Is(err, domain.ErrMigrationFailed)) {
		writeError(w, r, "MIGRATE_LEGACY", "", err)
		return
	}

	resp := MigrationReportResponse{
		DryRun:         report.DryRun,
		Scanned:        report.Scanned,
		Migrated:       report.Migrated,
		Skipped:        report.Skipped,
		Failed:         report.Failed,
		DurationMillis: report.Duration.Milliseconds(),
	}
	if resp.Failed == nil {
		resp.Failed = []string{}
	}

	if err != nil {
		middleware.WriteAuditLog(r.Context(), "MIGRATE_LEGACY", "", middleware.ResultFailed)
		httputil.JSON(w, http.StatusMultiStatus, resp)
		return
	}
	middleware.WriteAuditLog(r.Context(), "MIGRATE_LEGACY", "", middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, resp)
}
