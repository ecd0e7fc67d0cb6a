package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"secure-storage-service/internal/cryptoutil"
	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/envelope"
)

// MigrationService はレガシー形式のシークレットをエンベロープ形式へ移行する。
type MigrationService struct {
	repo     SecretRepository
	secrets  *SecretService
	provider KeyProvider
	manager  *RotationManager
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(repo SecretRepository, secrets *SecretService, provider KeyProvider, manager *RotationManager) *MigrationService {
	return &MigrationService{
		repo:     repo,
		secrets:  secrets,
		provider: provider,
		manager:  manager,
	}
}

// Status は保存済みシークレットの形式ごとの件数を返す。
func (s *MigrationService) Status(ctx context.Context) (*domain.MigrationStatus, error) {
	items, err := s.repo.FindAll(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch secrets",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, fmt.Errorf("finding secrets: %w", err)
	}

	current := s.manager.GetCurrentKeyVersion()
	status := &domain.MigrationStatus{Total: len(items)}
	for _, item := range items {
		parsed, err := parseStored(item)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", item.Name, err)
		}
		switch {
		case parsed == nil || parsed.IsLegacy():
			status.Legacy++
		case current != nil && envelope.NeedsReEncryption(parsed.Envelope, *current):
			status.Stale++
		default:
			status.Current++
		}
	}
	return status, nil
}

// MigrateLegacy はレガシー形式のシークレットを復号し、現在のKEKで保存し直す。
// dryRun の場合は対象件数だけを返す。失敗したアイテムがあっても残りは処理する。
func (s *MigrationService) MigrateLegacy(ctx context.Context, dryRun bool) (*domain.MigrationReport, error) {
	start := time.Now()

	items, err := s.repo.FindLegacy(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch legacy secrets",
			"operation", "migrate_legacy",
			"error", err,
		)
		return nil, fmt.Errorf("finding legacy secrets: %w", err)
	}

	report := &domain.MigrationReport{DryRun: dryRun, Scanned: len(items)}
	if dryRun || len(items) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	current := s.manager.GetCurrentKeyVersion()
	if current == nil {
		return nil, domain.ErrNotInitialized
	}

	s.manager.RecordAudit(ctx, domain.AuditEntry{
		EventType:     domain.AuditMigrationStarted,
		KeyVersion:    current.ID,
		ItemsAffected: len(items),
		Details:       map[string]string{"source": "legacy"},
	})

	for _, item := range items {
		migrated, err := s.migrateItem(ctx, item)
		if err != nil {
			slog.ErrorContext(ctx, "failed to migrate legacy secret",
				"operation", "migrate_legacy",
				"name", item.Name,
				"error", err,
			)
			report.Failed = append(report.Failed, item.Name)
			continue
		}
		if !migrated {
			report.Skipped++
			continue
		}
		report.Migrated++
	}
	report.Duration = time.Since(start)

	s.manager.RecordAudit(ctx, domain.AuditEntry{
		EventType:     domain.AuditMigrationCompleted,
		KeyVersion:    current.ID,
		ItemsAffected: report.Migrated,
		Details: map[string]string{
			"source":  "legacy",
			"failed":  strconv.Itoa(len(report.Failed)),
			"skipped": strconv.Itoa(report.Skipped),
		},
	})

	if len(report.Failed) > 0 {
		return report, fmt.Errorf("%w: %d of %d item(s) failed", domain.ErrMigrationFailed, len(report.Failed), report.Scanned)
	}
	return report, nil
}

// migrateItem はレガシー値を復号して現在のKEKで保存し直す。
// 読み込んだ後に更新・削除されていた場合は false を返す。
func (s *MigrationService) migrateItem(ctx context.Context, item *domain.SecretItem) (bool, error) {
	parsed, err := parseStored(item)
	if err != nil {
		return false, err
	}
	if parsed == nil || !parsed.IsLegacy() {
		return false, fmt.Errorf("%w: not a legacy value", domain.ErrMalformedEnvelope)
	}

	plaintext, err := s.provider.DecryptLegacy(ctx, envelope.LegacyValue(*parsed.Legacy))
	if err != nil {
		return false, fmt.Errorf("decrypting legacy value: %w", err)
	}
	defer cryptoutil.Zeroize(plaintext)

	saved, err := s.secrets.replace(ctx, item, plaintext)
	if err != nil {
		return false, fmt.Errorf("storing migrated secret: %w", err)
	}
	return saved, nil
}
