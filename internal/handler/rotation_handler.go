package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"secure-storage-service/config"
	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/middleware"
	"secure-storage-service/internal/usecase"
	"secure-storage-service/pkg/httputil"
)

// RotationHandler はKEKローテーションのHTTPハンドラ。
type RotationHandler struct {
	service *usecase.RotationService
}

// NewRotationHandler は新しいRotationHandlerを生成する。
func NewRotationHandler(service *usecase.RotationService) *RotationHandler {
	return &RotationHandler{service: service}
}

// KeyVersionResponse はキーバージョンのレスポンス形式。
type KeyVersionResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	IsActive  bool   `json:"is_active"`
	Current   bool   `json:"current"`
}

// KeyVersionListResponse はキーバージョン一覧のレスポンス形式。
type KeyVersionListResponse struct {
	KeyVersions []KeyVersionResponse `json:"key_versions"`
}

// RotationStatusResponse はローテーション状態のレスポンス形式。
type RotationStatusResponse struct {
	IsRotating           bool                `json:"is_rotating"`
	CurrentKeyVersion    *KeyVersionResponse `json:"current_key_version"`
	LastRotationAt       string              `json:"last_rotation_at,omitempty"`
	NextRotationDue      string              `json:"next_rotation_due,omitempty"`
	AvailableKeyVersions int                 `json:"available_key_versions"`
}

// RotateRequest はローテーション要求の形式。reason を省略すると manual。
type RotateRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// RotationResultResponse はローテーション結果のレスポンス形式。
type RotationResultResponse struct {
	PreviousKeyVersion string `json:"previous_key_version"`
	NewKeyVersion      string `json:"new_key_version"`
	Reason             string `json:"reason"`
	ItemsReEncrypted   int    `json:"items_reencrypted"`
	DurationMillis     int64  `json:"duration_ms"`
	Background         bool   `json:"background"`
}

// EnvironmentChangeRequest は生体認証・認証情報の変更通知の形式。
type EnvironmentChangeRequest struct {
	Platform string `json:"platform"`
}

// EnvironmentChangeResponse は変更通知の結果。ローテーションしなかった場合 result は null。
type EnvironmentChangeResponse struct {
	Rotated bool                    `json:"rotated"`
	Result  *RotationResultResponse `json:"result"`
}

// PolicyResponse はローテーションポリシーのレスポンス形式。
type PolicyResponse struct {
	Enabled                  bool   `json:"enabled"`
	RotationInterval         string `json:"rotation_interval"`
	RotateOnBiometricChange  bool   `json:"rotate_on_biometric_change"`
	RotateOnCredentialChange bool   `json:"rotate_on_credential_change"`
	ManualRotationEnabled    bool   `json:"manual_rotation_enabled"`
	MaxKeyVersions           int    `json:"max_key_versions"`
	BackgroundReEncryption   bool   `json:"background_reencryption"`
}

// PolicyUpdateRequest はポリシーの部分更新の形式。省略したフィールドは変更しない。
type PolicyUpdateRequest struct {
	Enabled                  *bool   `json:"enabled"`
	RotationInterval         *string `json:"rotation_interval"`
	RotateOnBiometricChange  *bool   `json:"rotate_on_biometric_change"`
	RotateOnCredentialChange *bool   `json:"rotate_on_credential_change"`
	ManualRotationEnabled    *bool   `json:"manual_rotation_enabled"`
	MaxKeyVersions           *int    `json:"max_key_versions"`
	BackgroundReEncryption   *bool   `json:"background_reencryption"`
}

// AuditEntryResponse は監査エントリのレスポンス形式。
type AuditEntryResponse struct {
	ID                 string            `json:"id"`
	Timestamp          string            `json:"timestamp"`
	EventType          string            `json:"event_type"`
	KeyVersion         string            `json:"key_version,omitempty"`
	PreviousKeyVersion string            `json:"previous_key_version,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	ItemsAffected      int               `json:"items_affected,omitempty"`
	Platform           string            `json:"platform,omitempty"`
	Error              string            `json:"error,omitempty"`
	Details            map[string]string `json:"details,omitempty"`
}

// AuditLogResponse は監査ログのレスポンス形式。
type AuditLogResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
}

func toKeyVersionResponse(kv domain.KeyVersion, currentID string) KeyVersionResponse {
	return KeyVersionResponse{
		ID:        kv.ID,
		Timestamp: kv.Timestamp,
		IsActive:  kv.IsActive,
		Current:   kv.ID == currentID,
	}
}

func toRotationResultResponse(r *domain.RotationResult) *RotationResultResponse {
	return &RotationResultResponse{
		PreviousKeyVersion: r.PreviousKeyVersion,
		NewKeyVersion:      r.NewKeyVersion,
		Reason:             string(r.Reason),
		ItemsReEncrypted:   r.ItemsReEncrypted,
		DurationMillis:     r.Duration.Milliseconds(),
		Background:         r.Background,
	}
}

func toPolicyResponse(p domain.RotationPolicy) PolicyResponse {
	return PolicyResponse{
		Enabled:                  p.Enabled,
		RotationInterval:         p.RotationInterval.String(),
		RotateOnBiometricChange:  p.RotateOnBiometricChange,
		RotateOnCredentialChange: p.RotateOnCredentialChange,
		ManualRotationEnabled:    p.ManualRotationEnabled,
		MaxKeyVersions:           p.MaxKeyVersions,
		BackgroundReEncryption:   p.BackgroundReEncryption,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (req PolicyUpdateRequest) toUpdate() (domain.RotationPolicyUpdate, error) {
	u := domain.RotationPolicyUpdate{
		Enabled:                  req.Enabled,
		RotateOnBiometricChange:  req.RotateOnBiometricChange,
		RotateOnCredentialChange: req.RotateOnCredentialChange,
		ManualRotationEnabled:    req.ManualRotationEnabled,
		MaxKeyVersions:           req.MaxKeyVersions,
		BackgroundReEncryption:   req.BackgroundReEncryption,
	}
	if req.MaxKeyVersions != nil && *req.MaxKeyVersions < 1 {
		return u, errors.New("max_key_versions must be at least 1")
	}
	if req.RotationInterval != nil {
		d, err := config.ParseDuration(*req.RotationInterval)
		if err != nil {
			return u, fmt.Errorf("rotation_interval: %w", err)
		}
		if d <= 0 {
			return u, errors.New("rotation_interval must be positive")
		}
		u.RotationInterval = &d
	}
	return u, nil
}

// Status は現在のローテーション状態を返す。
func (h *RotationHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.service.Status()

	resp := RotationStatusResponse{
		IsRotating:           status.IsRotating,
		LastRotationAt:       formatTime(status.LastRotationAt),
		NextRotationDue:      formatTime(status.NextRotationDue),
		AvailableKeyVersions: status.AvailableKeyVersions,
	}
	if status.CurrentKeyVersion != nil {
		kv := toKeyVersionResponse(*status.CurrentKeyVersion, status.CurrentKeyVersion.ID)
		resp.CurrentKeyVersion = &kv
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Rotate は手動または時間ベースのローテーションを実行する。
func (h *RotationHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, r, "ROTATE_KEY", "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = string(domain.RotationReasonManual)
	}
	reason, err := domain.ParseRotationReason(req.Reason)
	if err == nil && reason != domain.RotationReasonManual && reason != domain.RotationReasonTimeBased {
		err = fmt.Errorf("%w: use /v1/rotation/events for %s", domain.ErrInvalidReason, reason)
	}
	if err != nil {
		writeError(w, r, "ROTATE_KEY", "", err)
		return
	}

	result, err := h.service.Rotate(r.Context(), reason, req.Force)
	if err != nil {
		writeError(w, r, "ROTATE_KEY", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", result.NewKeyVersion, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, toRotationResultResponse(result))
}

// EnvironmentChange は生体認証・認証情報の変更を通知する。
func (h *RotationHandler) EnvironmentChange(w http.ResponseWriter, r *http.Request) {
	reason, err := domain.ParseRotationReason(chi.URLParam(r, "kind"))
	if err == nil && reason != domain.RotationReasonBiometricChange && reason != domain.RotationReasonCredentialChange {
		err = fmt.Errorf("%w: %s is not an environment change", domain.ErrInvalidReason, reason)
	}
	if err != nil {
		writeError(w, r, "ENVIRONMENT_CHANGE", "", err)
		return
	}

	var req EnvironmentChangeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, r, "ENVIRONMENT_CHANGE", "invalid request body")
		return
	}

	result, err := h.service.HandleEnvironmentChange(r.Context(), reason, req.Platform)
	if err != nil {
		writeError(w, r, "ENVIRONMENT_CHANGE", "", err)
		return
	}

	resp := EnvironmentChangeResponse{Rotated: result != nil}
	keyVersion := ""
	if result != nil {
		resp.Result = toRotationResultResponse(result)
		keyVersion = result.NewKeyVersion
	}
	middleware.WriteAuditLog(r.Context(), "ENVIRONMENT_CHANGE", keyVersion, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, resp)
}

// GetPolicy は現在のポリシーを返す。
func (h *RotationHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, toPolicyResponse(h.service.Policy()))
}

// UpdatePolicy はポリシーを部分更新する。
func (h *RotationHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyUpdateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, r, "UPDATE_POLICY", "invalid request body")
		return
	}
	update, err := req.toUpdate()
	if err != nil {
		badRequest(w, r, "UPDATE_POLICY", err.Error())
		return
	}

	policy := h.service.UpdatePolicy(r.Context(), update)
	middleware.WriteAuditLog(r.Context(), "UPDATE_POLICY", "", middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toPolicyResponse(policy))
}

// AuditLog は監査ログを返す。source=store の場合は永続化された履歴から探す。
func (h *RotationHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	q, persisted, err := parseAuditQuery(r)
	if err != nil {
		badRequest(w, r, "GET_AUDIT_LOG", err.Error())
		return
	}

	entries, err := h.service.AuditLog(r.Context(), q, persisted)
	if err != nil {
		writeError(w, r, "GET_AUDIT_LOG", "", err)
		return
	}

	resp := AuditLogResponse{Entries: make([]AuditEntryResponse, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = AuditEntryResponse{
			ID:                 e.ID,
			Timestamp:          formatTime(e.Timestamp),
			EventType:          string(e.EventType),
			KeyVersion:         e.KeyVersion,
			PreviousKeyVersion: e.PreviousKeyVersion,
			Reason:             string(e.Reason),
			ItemsAffected:      e.ItemsAffected,
			Platform:           e.Platform,
			Error:              e.Error,
			Details:            e.Details,
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func parseAuditQuery(r *http.Request) (domain.AuditQuery, bool, error) {
	var q domain.AuditQuery
	values := r.URL.Query()

	q.EventType = domain.AuditEventType(values.Get("event_type"))
	if s := values.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return q, false, errors.New("since must be RFC3339")
		}
		q.Since = since
	}
	if s := values.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return q, false, errors.New("limit must be a non-negative integer")
		}
		q.Limit = limit
	}

	switch values.Get("source") {
	case "", "memory":
		return q, false, nil
	case "store":
		return q, true, nil
	default:
		return q, false, errors.New("source must be memory or store")
	}
}

// ListKeyVersions は復号可能なキーバージョンの一覧を返す。
func (h *RotationHandler) ListKeyVersions(w http.ResponseWriter, r *http.Request) {
	currentID := ""
	if cur := h.service.Status().CurrentKeyVersion; cur != nil {
		currentID = cur.ID
	}

	versions := h.service.KeyVersions()
	resp := KeyVersionListResponse{KeyVersions: make([]KeyVersionResponse, len(versions))}
	for i, kv := range versions {
		resp.KeyVersions[i] = toKeyVersionResponse(kv, currentID)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// RemoveKeyVersion はキーバージョンを削除する。参照中のものは force=true が必要。
func (h *RotationHandler) RemoveKeyVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := domain.ParseTimestamp(id); err != nil {
		badRequest(w, r, "REMOVE_KEY_VERSION", "invalid key version id")
		return
	}

	force := false
	if s := r.URL.Query().Get("force"); s != "" {
		var err error
		if force, err = strconv.ParseBool(s); err != nil {
			badRequest(w, r, "REMOVE_KEY_VERSION", "force must be a boolean")
			return
		}
	}

	if err := h.service.RemoveKeyVersion(r.Context(), id, force); err != nil {
		writeError(w, r, "REMOVE_KEY_VERSION", id, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REMOVE_KEY_VERSION", id, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}
