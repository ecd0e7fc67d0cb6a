// Package app は設定から各層を組み立てる。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"secure-storage-service/config"
	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/infra"
	"secure-storage-service/internal/repository"
	"secure-storage-service/internal/usecase"
)

// App は組み立て済みのサービス群。
type App struct {
	DB        *gorm.DB
	Provider  *infra.KeychainProvider
	Manager   *usecase.RotationManager
	Secrets   *usecase.SecretService
	Rotation  *usecase.RotationService
	Migration *usecase.MigrationService

	kms *infra.KMSClient
}

// New はDB・キーチェーン・サービスを初期化する。ローテーション状態の読み込み（Bootstrap）は呼び出し側で行う。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	policy, err := config.LoadPolicy(cfg.RotationPolicyFile)
	if err != nil {
		return nil, err
	}

	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, err
	}

	ring, err := infra.OpenKeyring(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{DB: db}

	var sealer infra.Sealer
	if cfg.KMSKeyName != "" {
		a.kms, err = infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		sealer = a.kms
	}
	a.Provider = infra.NewKeychainProvider(ring, sealer)

	secretRepo := repository.NewSecretRepository(db)
	stateRepo := repository.NewKeyVersionRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	a.Manager = usecase.NewRotationManager(
		usecase.WithPolicy(policy),
		usecase.WithHandlerTimeout(cfg.RotationHandlerTimeout),
		usecase.WithAuditSink(usecase.NewAuditRepositorySink(auditRepo)),
	)
	a.Secrets = usecase.NewSecretService(secretRepo, a.Provider, a.Manager, cfg.DataAlgorithm)
	if cfg.DataAlgorithm == domain.AlgorithmAES256CBC {
		slog.WarnContext(ctx, "DATA_ALGORITHM AES-256-CBC does not detect tampering; AES-256-GCM is recommended")
	}
	a.Rotation = usecase.NewRotationService(a.Manager, a.Provider, a.Secrets, secretRepo, stateRepo, auditRepo, cfg.ReEncryptWorkers)
	a.Migration = usecase.NewMigrationService(secretRepo, a.Secrets, a.Provider, a.Manager)

	slog.InfoContext(ctx, "application initialized",
		"data_algorithm", cfg.DataAlgorithm,
		"keyring_backend", cfg.KeyringBackend,
		"kms_sealing", a.kms != nil,
		"reencrypt_workers", cfg.ReEncryptWorkers,
	)
	return a, nil
}

// Close はKMSクライアントとDB接続を閉じる。
func (a *App) Close() error {
	var errs []error
	if a.kms != nil {
		if err := a.kms.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing KMS client: %w", err))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}
