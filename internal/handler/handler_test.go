package handler

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"secure-storage-service/internal/cryptoutil"
	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/infra"
	"secure-storage-service/internal/repository"
	"secure-storage-service/internal/usecase"
)

type testServer struct {
	handler  http.Handler
	health   *HealthHandler
	rotation *usecase.RotationService
	provider *infra.KeychainProvider
}

// setupServer はインメモリSQLiteと配列キーリングで全ハンドラを組み立てる。
func setupServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(repository.Models()...))

	secretRepo := repository.NewSecretRepository(db)
	stateRepo := repository.NewKeyVersionRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	provider := infra.NewKeychainProvider(keyring.NewArrayKeyring(nil), nil)

	manager := usecase.NewRotationManager(usecase.WithAuditSink(usecase.NewAuditRepositorySink(auditRepo)))
	secrets := usecase.NewSecretService(secretRepo, provider, manager, domain.AlgorithmAES256GCM)
	rotation := usecase.NewRotationService(manager, provider, secrets, secretRepo, stateRepo, auditRepo, 2)
	migration := usecase.NewMigrationService(secretRepo, secrets, provider, manager)
	require.NoError(t, rotation.Bootstrap(context.Background()))

	health := NewHealthHandler()
	health.SetReady(true)

	return &testServer{
		handler: NewRouter(Handlers{
			Health:    health,
			Rotation:  NewRotationHandler(rotation),
			Secret:    NewSecretHandler(secrets),
			Migration: NewMigrationHandler(migration),
		}),
		health:   health,
		rotation: rotation,
		provider: provider,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestHealth(t *testing.T) {
	s := setupServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "").Code)

	s.health.SetReady(false)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestSecret_PutGetMetadata(t *testing.T) {
	s := setupServer(t)
	current := s.rotation.Status().CurrentKeyVersion.ID

	rec := s.do(t, http.MethodPut, "/v1/secrets/db-password", `{"value":"`+b64("hunter2")+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	meta := decode[SecretMetadataResponse](t, rec)
	require.NotNil(t, meta.Envelope)
	assert.Equal(t, 2, meta.Envelope.Version)
	assert.Equal(t, current, meta.Envelope.KEKVersion)
	assert.Equal(t, "AES-256-GCM", meta.Envelope.Algorithm)
	assert.False(t, meta.NeedsReEncryption)

	rec = s.do(t, http.MethodGet, "/v1/secrets/db-password", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[SecretResponse](t, rec)
	assert.Equal(t, b64("hunter2"), got.Value)

	rec = s.do(t, http.MethodGet, "/v1/secrets/db-password/metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "encryptedDEK")

	rec = s.do(t, http.MethodGet, "/v1/secrets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[SecretListResponse](t, rec)
	assert.Len(t, list.Secrets, 1)
}

func TestSecret_Errors(t *testing.T) {
	s := setupServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"not found", http.MethodGet, "/v1/secrets/missing", "", http.StatusNotFound, "SECRET_NOT_FOUND"},
		{"invalid name", http.MethodGet, "/v1/secrets/bad%20name", "", http.StatusBadRequest, "INVALID_SECRET_NAME"},
		{"invalid base64", http.MethodPut, "/v1/secrets/x", `{"value":"***"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty value", http.MethodPut, "/v1/secrets/x", `{"value":""}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", http.MethodPut, "/v1/secrets/x", `{"val":"eA=="}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"delete missing", http.MethodDelete, "/v1/secrets/missing", "", http.StatusNotFound, "SECRET_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decode[map[string]string](t, rec)
			assert.Equal(t, tt.wantCode, resp["code"])
		})
	}
}

func TestSecret_Delete(t *testing.T) {
	s := setupServer(t)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/secrets/token", `{"value":"`+b64("t")+`"}`).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/secrets/token", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/secrets/token", "").Code)
}

func TestRotation_RotateReEncryptsSecrets(t *testing.T) {
	s := setupServer(t)
	previous := s.rotation.Status().CurrentKeyVersion.ID

	for _, name := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/secrets/"+name, `{"value":"`+b64(name)+`"}`).Code)
	}

	rec := s.do(t, http.MethodPost, "/v1/rotation", `{"reason":"manual"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decode[RotationResultResponse](t, rec)
	assert.Equal(t, previous, result.PreviousKeyVersion)
	assert.NotEqual(t, previous, result.NewKeyVersion)
	assert.Equal(t, "manual", result.Reason)
	assert.Equal(t, 3, result.ItemsReEncrypted)

	rec = s.do(t, http.MethodGet, "/v1/secrets/b/metadata", "")
	meta := decode[SecretMetadataResponse](t, rec)
	assert.Equal(t, result.NewKeyVersion, meta.Envelope.KEKVersion)

	rec = s.do(t, http.MethodGet, "/v1/secrets/b", "")
	assert.Equal(t, b64("b"), decode[SecretResponse](t, rec).Value)

	rec = s.do(t, http.MethodGet, "/v1/rotation/status", "")
	status := decode[RotationStatusResponse](t, rec)
	assert.False(t, status.IsRotating)
	require.NotNil(t, status.CurrentKeyVersion)
	assert.Equal(t, result.NewKeyVersion, status.CurrentKeyVersion.ID)
	assert.Equal(t, 2, status.AvailableKeyVersions)

	rec = s.do(t, http.MethodGet, "/v1/key-versions", "")
	versions := decode[KeyVersionListResponse](t, rec)
	require.Len(t, versions.KeyVersions, 2)
	assert.True(t, versions.KeyVersions[0].Current)
	assert.Equal(t, previous, versions.KeyVersions[1].ID)
}

func TestRotation_RotateRejectsReason(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/v1/rotation", `{"reason":"biometric-change"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/rotation", `{"reason":"whim"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotation_ManualDisabled(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPatch, "/v1/rotation/policy", `{"enabled":false,"manual_rotation_enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/rotation", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "MANUAL_ROTATION_DISABLED", decode[map[string]string](t, rec)["code"])

	rec = s.do(t, http.MethodPost, "/v1/rotation", `{"force":true}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRotation_Policy(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, "/v1/rotation/policy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	policy := decode[PolicyResponse](t, rec)
	assert.True(t, policy.Enabled)
	assert.Equal(t, "2160h0m0s", policy.RotationInterval)
	assert.Equal(t, 2, policy.MaxKeyVersions)

	rec = s.do(t, http.MethodPatch, "/v1/rotation/policy", `{"rotation_interval":"30d","max_key_versions":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	policy = decode[PolicyResponse](t, rec)
	assert.Equal(t, "720h0m0s", policy.RotationInterval)
	assert.Equal(t, 5, policy.MaxKeyVersions)
	assert.True(t, policy.RotateOnBiometricChange)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPatch, "/v1/rotation/policy", `{"max_key_versions":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPatch, "/v1/rotation/policy", `{"rotation_interval":"soon"}`).Code)
}

func TestRotation_EnvironmentChange(t *testing.T) {
	s := setupServer(t)
	previous := s.rotation.Status().CurrentKeyVersion.ID

	rec := s.do(t, http.MethodPost, "/v1/rotation/events/biometric-change", `{"platform":"ios"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[EnvironmentChangeResponse](t, rec)
	assert.True(t, resp.Rotated)
	require.NotNil(t, resp.Result)
	assert.Equal(t, previous, resp.Result.PreviousKeyVersion)
	assert.Equal(t, "biometric-change", resp.Result.Reason)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPatch, "/v1/rotation/policy", `{"rotate_on_credential_change":false}`).Code)
	rec = s.do(t, http.MethodPost, "/v1/rotation/events/credential-change", `{"platform":"android"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[EnvironmentChangeResponse](t, rec)
	assert.False(t, resp.Rotated)
	assert.Nil(t, resp.Result)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/rotation/events/manual", "").Code)
}

func TestRotation_AuditLog(t *testing.T) {
	s := setupServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/rotation", "").Code)

	rec := s.do(t, http.MethodGet, "/v1/rotation/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[AuditLogResponse](t, rec)
	require.NotEmpty(t, all.Entries)

	rec = s.do(t, http.MethodGet, "/v1/rotation/audit?event_type=key_rotated", "")
	rotated := decode[AuditLogResponse](t, rec)
	require.Len(t, rotated.Entries, 1)
	assert.Equal(t, "manual", rotated.Entries[0].Reason)

	rec = s.do(t, http.MethodGet, "/v1/rotation/audit?limit=1", "")
	assert.Len(t, decode[AuditLogResponse](t, rec).Entries, 1)

	rec = s.do(t, http.MethodGet, "/v1/rotation/audit?source=store&event_type=key_rotated", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[AuditLogResponse](t, rec)
	require.Len(t, stored.Entries, 1)
	assert.Equal(t, rotated.Entries[0].ID, stored.Entries[0].ID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/rotation/audit?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/rotation/audit?since=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/rotation/audit?source=disk", "").Code)
}

func TestKeyVersions_Remove(t *testing.T) {
	s := setupServer(t)
	first := s.rotation.Status().CurrentKeyVersion.ID

	rec := s.do(t, http.MethodDelete, "/v1/key-versions/"+first, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "KEY_VERSION_IN_USE", decode[map[string]string](t, rec)["code"])

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/rotation", "").Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/key-versions/"+first, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/v1/key-versions/"+first, "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodDelete, "/v1/key-versions/not-a-version", "").Code)
}

func TestMigration_Legacy(t *testing.T) {
	s := setupServer(t)

	legacyKey, err := cryptoutil.GenerateDEK()
	require.NoError(t, err)
	require.NoError(t, s.provider.SetLegacyKey(infra.LegacyKeyDefault, legacyKey))

	// 通常の保存形式: 固定IVのAES-GCM
	block, err := aes.NewCipher(legacyKey)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	fixedIV := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 1}
	legacyValue := base64.StdEncoding.EncodeToString(gcm.Seal(nil, fixedIV, []byte("old secret"), nil))

	rec := s.do(t, http.MethodPut, "/v1/secrets/old/legacy", `{"value":"`+legacyValue+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/secrets/new", `{"value":"`+b64("n")+`"}`).Code)

	rec = s.do(t, http.MethodGet, "/v1/secrets/old/metadata", "")
	assert.True(t, decode[SecretMetadataResponse](t, rec).Legacy)

	rec = s.do(t, http.MethodGet, "/v1/migrations/legacy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[MigrationStatusResponse](t, rec)
	assert.Equal(t, MigrationStatusResponse{Total: 2, Legacy: 1, Current: 1}, status)

	rec = s.do(t, http.MethodPost, "/v1/migrations/legacy?dry_run=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[MigrationReportResponse](t, rec)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 0, report.Migrated)

	rec = s.do(t, http.MethodPost, "/v1/migrations/legacy", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report = decode[MigrationReportResponse](t, rec)
	assert.Equal(t, 1, report.Migrated)
	assert.Empty(t, report.Failed)

	rec = s.do(t, http.MethodGet, "/v1/secrets/old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, b64("old secret"), decode[SecretResponse](t, rec).Value)

	rec = s.do(t, http.MethodGet, "/v1/secrets/old/metadata", "")
	assert.False(t, decode[SecretMetadataResponse](t, rec).Legacy)
}

func TestMigration_PartialFailure(t *testing.T) {
	s := setupServer(t)

	// レガシー鍵を登録しないので復号に失敗する
	rec := s.do(t, http.MethodPut, "/v1/secrets/broken/legacy", `{"value":"AAAA"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/migrations/legacy", "")
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	report := decode[MigrationReportResponse](t, rec)
	assert.Equal(t, []string{"broken"}, report.Failed)
	assert.Equal(t, 0, report.Migrated)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/migrations/legacy?dry_run=maybe", "").Code)
}
