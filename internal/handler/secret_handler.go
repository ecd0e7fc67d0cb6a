// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"secure-storage-service/internal/cryptoutil"
	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/middleware"
	"secure-storage-service/internal/usecase"
	"secure-storage-service/pkg/httputil"
)

var secretNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func validateSecretName(name string) error {
	if name == "" || len(name) > 128 || !secretNameRegex.MatchString(name) {
		return domain.ErrInvalidSecretName
	}
	return nil
}

// SecretHandler はシークレットのHTTPハンドラ。
type SecretHandler struct {
	service *usecase.SecretService
}

// NewSecretHandler は新しいSecretHandlerを生成する。
func NewSecretHandler(service *usecase.SecretService) *SecretHandler {
	return &SecretHandler{service: service}
}

// PutSecretRequest はシークレット保存のリクエスト形式。value はbase64。
type PutSecretRequest struct {
	Value string `json:"value"`
}

// ImportLegacyRequest はレガシー値取り込みのリクエスト形式。value は保存済みの暗号文そのもの。
type ImportLegacyRequest struct {
	Value string `json:"value"`
}

// SecretResponse はシークレット値のレスポンス形式。
type SecretResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EnvelopeResponse はエンベロープのメタデータのレスポンス形式。
type EnvelopeResponse struct {
	Version    int    `json:"version"`
	Algorithm  string `json:"algorithm"`
	KEKVersion string `json:"kek_version"`
	Timestamp  string `json:"timestamp"`
}

// SecretMetadataResponse はシークレットのメタデータのレスポンス形式。
type SecretMetadataResponse struct {
	Name              string            `json:"name"`
	Legacy            bool              `json:"legacy"`
	Envelope          *EnvelopeResponse `json:"envelope,omitempty"`
	NeedsReEncryption bool              `json:"needs_reencryption"`
	Size              int               `json:"size"`
	UpdatedAt         string            `json:"updated_at,omitempty"`
}

// SecretListResponse はシークレット一覧のレスポンス形式。
type SecretListResponse struct {
	Secrets []SecretMetadataResponse `json:"secrets"`
}

func toSecretMetadataResponse(m *domain.SecretMetadata) SecretMetadataResponse {
	resp := SecretMetadataResponse{
		Name:              m.Name,
		Legacy:            m.Legacy,
		NeedsReEncryption: m.NeedsReEncryption,
		Size:              m.Size,
	}
	if m.Envelope != nil {
		resp.Envelope = &EnvelopeResponse{
			Version:    m.Envelope.EnvelopeVersion,
			Algorithm:  string(m.Envelope.Algorithm),
			KEKVersion: m.Envelope.KEKVersion,
			Timestamp:  m.Envelope.Timestamp,
		}
	}
	if !m.UpdatedAt.IsZero() {
		resp.UpdatedAt = m.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func kekVersionOf(m *domain.SecretMetadata) string {
	if m == nil || m.Envelope == nil {
		return ""
	}
	return m.Envelope.KEKVersion
}

// Put はシークレットを現在のKEKで暗号化して保存する。
func (h *SecretHandler) Put(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validateSecretName(name); err != nil {
		writeError(w, r, "PUT_SECRET", "", err)
		return
	}

	var req PutSecretRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		badRequest(w, r, "PUT_SECRET", "invalid request body")
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Value)
	if err != nil || len(plaintext) == 0 {
		badRequest(w, r, "PUT_SECRET", "value must be non-empty base64")
		return
	}
	defer cryptoutil.Zeroize(plaintext)

	meta, err := h.service.Put(r.Context(), name, plaintext)
	if err != nil {
		writeError(w, r, "PUT_SECRET", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "PUT_SECRET", kekVersionOf(meta), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toSecretMetadataResponse(meta))
}

// Get はシークレットを復号して返す。
func (h *SecretHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validateSecretName(name); err != nil {
		writeError(w, r, "GET_SECRET", "", err)
		return
	}

	plaintext, err := h.service.Get(r.Context(), name)
	if err != nil {
		writeError(w, r, "GET_SECRET", "", err)
		return
	}
	defer cryptoutil.Zeroize(plaintext)

	middleware.WriteAuditLog(r.Context(), "GET_SECRET", "", middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, SecretResponse{
		Name:  name,
		Value: base64.StdEncoding.EncodeToString(plaintext),
	})
}

// Metadata はシークレットのメタデータを返す。平文とDEKは含まない。
func (h *SecretHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validateSecretName(name); err != nil {
		writeError(w, r, "GET_SECRET_METADATA", "", err)
		return
	}

	meta, err := h.service.Metadata(r.Context(), name)
	if err != nil {
		writeError(w, r, "GET_SECRET_METADATA", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_SECRET_METADATA", kekVersionOf(meta), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toSecretMetadataResponse(meta))
}

// List はシークレットのメタデータ一覧を返す。
func (h *SecretHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, r, "LIST_SECRETS", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "LIST_SECRETS", "", middleware.ResultSuccess)
	resp := SecretListResponse{Secrets: make([]SecretMetadataResponse, len(items))}
	for i, m := range items {
		resp.Secrets[i] = toSecretMetadataResponse(m)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Delete はシークレットを削除する。
func (h *SecretHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validateSecretName(name); err != nil {
		writeError(w, r, "DELETE_SECRET", "", err)
		return
	}

	if err := h.service.Delete(r.Context(), name); err != nil {
		writeError(w, r, "DELETE_SECRET", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DELETE_SECRET", "", middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}

// ImportLegacy はレガシー形式の暗号文をそのまま取り込む。
func (h *SecretHandler) ImportLegacy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validateSecretName(name); err != nil {
		writeError(w, r, "IMPORT_LEGACY_SECRET", "", err)
		return
	}

	var req ImportLegacyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil || req.Value == "" {
		badRequest(w, r, "IMPORT_LEGACY_SECRET", "value is required")
		return
	}

	if err := h.service.ImportLegacy(r.Context(), name, req.Value); err != nil {
		writeError(w, r, "IMPORT_LEGACY_SECRET", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "IMPORT_LEGACY_SECRET", "", middleware.ResultSuccess)
	w.WriteHeader(http.StatusAccepted)
}
