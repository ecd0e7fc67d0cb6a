package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/middleware"
	"secure-storage-service/pkg/httputil"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings は上から順に errors.Is で照合する。
var errorMappings = []errorMapping{
	{domain.ErrInvalidSecretName, http.StatusBadRequest, "INVALID_SECRET_NAME", "invalid secret name format"},
	{domain.ErrInvalidReason, http.StatusBadRequest, "INVALID_REASON", "invalid rotation reason"},
	{domain.ErrUnsupportedAlgorithm, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", "unsupported algorithm"},
	{domain.ErrSecretNotFound, http.StatusNotFound, "SECRET_NOT_FOUND", "secret not found"},
	{domain.ErrKeyVersionNotFound, http.StatusNotFound, "KEY_VERSION_NOT_FOUND", "key version not found"},
	{domain.ErrKeyVersionPurged, http.StatusGone, "KEY_VERSION_RETIRED", "cannot decrypt: key version retired"},
	{domain.ErrRotationInProgress, http.StatusConflict, "ROTATION_IN_PROGRESS", "rotation already in progress"},
	{domain.ErrKeyVersionInUse, http.StatusConflict, "KEY_VERSION_IN_USE", "key version still in use"},
	{domain.ErrManualRotationDisabled, http.StatusForbidden, "MANUAL_ROTATION_DISABLED", "manual rotation disabled by policy"},
	{domain.ErrNotInitialized, http.StatusServiceUnavailable, "NOT_INITIALIZED", "key rotation not initialized"},
	{domain.ErrMalformedEnvelope, http.StatusUnprocessableEntity, "MALFORMED_ENVELOPE", "stored value is malformed"},
	{domain.ErrMigrationFailed, http.StatusInternalServerError, "MIGRATION_FAILED", "some items failed to migrate"},
}

// writeError はエラーをHTTPステータスに変換して返し、操作ログを残す。
func writeError(w http.ResponseWriter, r *http.Request, operation, keyVersion string, err error) {
	middleware.WriteAuditLog(r.Context(), operation, keyVersion, middleware.ResultFailed)

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			httputil.Error(w, m.status, m.code, m.message)
			return
		}
	}

	slog.ErrorContext(r.Context(), "request failed",
		"operation", operation,
		"error", err,
	)
	httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

func badRequest(w http.ResponseWriter, r *http.Request, operation, message string) {
	middleware.WriteAuditLog(r.Context(), operation, "", middleware.ResultFailed)
	httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message)
}
