package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"secure-storage-service/internal/domain"
)

// KeyVersionRepository はキーバージョンとローテーション状態のデータアクセスのインターフェース。
type KeyVersionRepository interface {
	LoadState(ctx context.Context) (*domain.RotationState, error)
	SaveState(ctx context.Context, state *domain.RotationState) error
	Find(ctx context.Context, id string) (*domain.KeyVersion, error)
	Delete(ctx context.Context, id string) error
}

// AuditRepository は監査エントリの永続化のインターフェース。
type AuditRepository interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	Find(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error)
}

// NewAuditRepositorySink は監査エントリをリポジトリへ書き込むAuditSinkを返す。
// 書き込みの失敗はログに残すだけで、呼び出し元には返さない。
func NewAuditRepositorySink(repo AuditRepository) AuditSink {
	return AuditSinkFunc(func(ctx context.Context, entry domain.AuditEntry) {
		if err := repo.Append(ctx, &entry); err != nil {
			slog.WarnContext(ctx, "failed to persist audit entry",
				"operation", "append_audit_entry",
				"event_type", entry.EventType,
				"key_version", entry.KeyVersion,
				"error", err,
			)
		}
	})
}

// RotationService はRotationManagerを中心にKEKローテーションの一連の処理を行う。
type RotationService struct {
	manager    *RotationManager
	provider   KeyProvider
	secrets    *SecretService
	secretRepo SecretRepository
	stateRepo  KeyVersionRepository
	auditRepo  AuditRepository
	workers    int

	hooks sync.Once
	wg    sync.WaitGroup
}

// NewRotationService は新しいRotationServiceを生成する。auditRepo は nil でもよい。
func NewRotationService(
	manager *RotationManager,
	provider KeyProvider,
	secrets *SecretService,
	secretRepo SecretRepository,
	stateRepo KeyVersionRepository,
	auditRepo AuditRepository,
	workers int,
) *RotationService {
	if workers <= 0 {
		workers = 1
	}
	return &RotationService{
		manager:    manager,
		provider:   provider,
		secrets:    secrets,
		secretRepo: secretRepo,
		stateRepo:  stateRepo,
		auditRepo:  auditRepo,
		workers:    workers,
	}
}

// Bootstrap は永続化された状態を読み込んでマネージャを初期化する。
// 状態がなければ最初のキーバージョンを生成する。
func (s *RotationService) Bootstrap(ctx context.Context) error {
	state, err := s.stateRepo.LoadState(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load rotation state",
			"operation", "bootstrap",
			"error", err,
		)
		return fmt.Errorf("loading rotation state: %w", err)
	}

	if state == nil || state.Current == nil {
		kv, err := s.provider.GenerateKeyVersion(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to generate initial key version",
				"operation", "bootstrap",
				"error", err,
			)
			return fmt.Errorf("generating initial key version: %w", err)
		}
		state = &domain.RotationState{
			Current:        &kv,
			Available:      []domain.KeyVersion{kv},
			LastRotationAt: time.UnixMilli(kv.Timestamp).UTC(),
		}
		if err := s.stateRepo.SaveState(ctx, state); err != nil {
			return fmt.Errorf("saving rotation state: %w", err)
		}
		slog.InfoContext(ctx, "initial key version generated", "key_version", kv.ID)
	}

	s.manager.Initialize(ctx, *state.Current, state.Available, state.LastRotationAt)

	s.hooks.Do(func() {
		for _, kind := range []domain.EventKind{
			domain.EventRotationStarted,
			domain.EventRotationCompleted,
			domain.EventRotationFailed,
			domain.EventBiometricChange,
			domain.EventCredentialChange,
		} {
			s.manager.On(kind, logRotationEvent)
		}
	})
	return nil
}

// Rotate は新しいKEKを生成し、既存のアイテムを包み直してからキーを切り替える。
func (s *RotationService) Rotate(ctx context.Context, reason domain.RotationReason, force bool) (*domain.RotationResult, error) {
	previous := s.manager.GetCurrentKeyVersion()
	if previous == nil {
		return nil, domain.ErrNotInitialized
	}
	if s.manager.GetRotationStatus().IsRotating {
		return nil, domain.ErrRotationInProgress
	}

	next, err := s.provider.GenerateKeyVersion(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate key version",
			"operation", "rotate",
			"error", err,
		)
		return nil, fmt.Errorf("generating key version: %w", err)
	}

	start := time.Now()
	if err := s.manager.StartRotation(ctx, next, reason, StartOptions{Force: force}); err != nil {
		if !errors.Is(err, domain.ErrEventHandler) {
			s.discard(ctx, next)
			return nil, err
		}
		slog.WarnContext(ctx, "rotation event handler failed", "operation", "rotate", "error", err)
	}
	// 再暗号化が終わるまで、旧キーを復号可能な一覧から外さない
	s.manager.HoldEviction()

	result := &domain.RotationResult{
		PreviousKeyVersion: previous.ID,
		NewKeyVersion:      next.ID,
		Reason:             reason,
	}

	if s.manager.GetPolicy().BackgroundReEncryption {
		result.Background = true
		result.Duration = time.Since(start)
		if err := s.complete(ctx, next, 0, result.Duration); err != nil {
			_ = s.releaseEviction(ctx)
			return nil, err
		}
		s.wg.Add(1)
		go s.reEncryptInBackground(context.WithoutCancel(ctx), next)
		return result, nil
	}

	n, err := s.reEncryptAll(ctx, next)
	if err != nil {
		slog.ErrorContext(ctx, "failed to re-encrypt items",
			"operation", "rotate",
			"key_version", next.ID,
			"items_reencrypted", n,
			"error", err,
		)
		if ferr := s.manager.FailRotation(ctx, err, true); ferr != nil {
			slog.WarnContext(ctx, "rotation event handler failed", "operation", "rotate", "error", ferr)
		}
		if n == 0 {
			s.discard(ctx, next)
		} else {
			// 一部のアイテムは新しいKEKで包み直し済みのため、復号用に残す
			s.manager.AddKeyVersion(next)
		}
		perr := s.releaseEviction(ctx)
		if perr == nil && n > 0 {
			perr = s.persistState(ctx)
		}
		if perr != nil {
			return nil, errors.Join(fmt.Errorf("re-encrypting items: %w", err), perr)
		}
		return nil, fmt.Errorf("re-encrypting items: %w", err)
	}

	result.ItemsReEncrypted = n
	result.Duration = time.Since(start)
	cerr := s.complete(ctx, next, n, result.Duration)
	if err := s.releaseEviction(ctx); err != nil && cerr == nil {
		cerr = err
	}
	if cerr != nil {
		return nil, cerr
	}
	return result, nil
}

// HandleEnvironmentChange は生体認証・認証情報の変更を通知し、ポリシーに従ってローテーションする。
// ローテーションしなかった場合は nil を返す。
func (s *RotationService) HandleEnvironmentChange(ctx context.Context, reason domain.RotationReason, platform string) (*domain.RotationResult, error) {
	var err error
	switch reason {
	case domain.RotationReasonBiometricChange:
		err = s.manager.HandleBiometricChange(ctx, platform)
	case domain.RotationReasonCredentialChange:
		err = s.manager.HandleCredentialChange(ctx, platform)
	default:
		return nil, fmt.Errorf("%w: %s is not an environment change", domain.ErrInvalidReason, reason)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrEventHandler) {
			return nil, err
		}
		slog.WarnContext(ctx, "rotation event handler failed", "operation", "handle_environment_change", "error", err)
	}

	if !s.manager.ShouldRotate(reason) {
		return nil, nil
	}
	return s.Rotate(ctx, reason, false)
}

// RunScheduler は interval ごとに時間ベースのローテーションが必要か確認する。
// ctx がキャンセルされるまで戻らない。
func (s *RotationService) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkSchedule(ctx)
		}
	}
}

func (s *RotationService) checkSchedule(ctx context.Context) {
	if !s.manager.ShouldRotate(domain.RotationReasonTimeBased) {
		return
	}
	result, err := s.Rotate(ctx, domain.RotationReasonTimeBased, false)
	if err != nil {
		if errors.Is(err, domain.ErrRotationInProgress) {
			return
		}
		slog.ErrorContext(ctx, "scheduled rotation failed",
			"operation", "scheduled_rotation",
			"error", err,
		)
		return
	}
	slog.InfoContext(ctx, "scheduled rotation completed",
		"key_version", result.NewKeyVersion,
		"items_reencrypted", result.ItemsReEncrypted,
	)
}

// RemoveKeyVersion はキーバージョンを削除する。現在のキーは削除できない。
// アイテムが参照している場合は force が必要。
func (s *RotationService) RemoveKeyVersion(ctx context.Context, id string, force bool) error {
	if cur := s.manager.GetCurrentKeyVersion(); cur != nil && cur.ID == id {
		return fmt.Errorf("%w: %s is the current key version", domain.ErrKeyVersionInUse, id)
	}

	kv := s.manager.FindKeyVersionForDecryption(id)
	if kv == nil {
		stored, err := s.stateRepo.Find(ctx, id)
		if err != nil {
			return fmt.Errorf("finding key version: %w", err)
		}
		if stored == nil {
			s.manager.RemoveKeyVersion(ctx, id)
			return domain.ErrKeyVersionNotFound
		}
		kv = stored
	}

	count, err := s.secretRepo.CountByKEKVersion(ctx, id)
	if err != nil {
		return fmt.Errorf("counting secrets: %w", err)
	}
	if count > 0 && !force {
		return fmt.Errorf("%w: %d item(s) reference %s", domain.ErrKeyVersionInUse, count, id)
	}

	s.manager.RemoveKeyVersion(ctx, id)
	if err := s.provider.DeleteKeyVersion(ctx, *kv); err != nil {
		slog.ErrorContext(ctx, "failed to delete key material",
			"operation", "remove_key_version",
			"key_version", id,
			"error", err,
		)
		return fmt.Errorf("deleting key material: %w", err)
	}
	if err := s.stateRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting key version: %w", err)
	}
	return s.persistState(ctx)
}

// Status は現在のローテーション状態を返す。
func (s *RotationService) Status() domain.RotationStatus {
	return s.manager.GetRotationStatus()
}

// KeyVersions は復号可能なキーバージョンの一覧を返す。
func (s *RotationService) KeyVersions() []domain.KeyVersion {
	return s.manager.GetAvailableKeyVersions()
}

// Policy は現在のポリシーを返す。
func (s *RotationService) Policy() domain.RotationPolicy {
	return s.manager.GetPolicy()
}

// UpdatePolicy はポリシーを部分更新する。
func (s *RotationService) UpdatePolicy(ctx context.Context, update domain.RotationPolicyUpdate) domain.RotationPolicy {
	p := s.manager.UpdatePolicy(update)
	slog.InfoContext(ctx, "rotation policy updated",
		"enabled", p.Enabled,
		"rotation_interval", p.RotationInterval.String(),
		"max_key_versions", p.MaxKeyVersions,
		"background_reencryption", p.BackgroundReEncryption,
	)
	return p
}

// AuditLog は監査エントリを返す。persisted が true の場合は永続化された履歴から探す。
func (s *RotationService) AuditLog(ctx context.Context, q domain.AuditQuery, persisted bool) ([]domain.AuditEntry, error) {
	if !persisted || s.auditRepo == nil {
		return s.manager.GetAuditLog(q), nil
	}
	entries, err := s.auditRepo.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("finding audit entries: %w", err)
	}
	return entries, nil
}

// Wait はバックグラウンドの再暗号化がすべて終わるまで待つ。
func (s *RotationService) Wait() {
	s.wg.Wait()
}

func (s *RotationService) complete(ctx context.Context, next domain.KeyVersion, items int, d time.Duration) error {
	if err := s.manager.CompleteRotation(ctx, next, items, d); err != nil {
		if !errors.Is(err, domain.ErrEventHandler) {
			return err
		}
		slog.WarnContext(ctx, "rotation event handler failed", "operation", "complete_rotation", "error", err)
	}
	return s.persistState(ctx)
}

// releaseEviction は HoldEviction を解除する。アイテムが参照しているバージョンは
// 上限を超えても一覧に残し、外れたバージョンの鍵素材を削除する。
func (s *RotationService) releaseEviction(ctx context.Context) error {
	keep := make(map[string]bool)
	for _, kv := range s.manager.GetAvailableKeyVersions() {
		count, err := s.secretRepo.CountByKEKVersion(ctx, kv.ID)
		if err != nil {
			slog.WarnContext(ctx, "failed to count secrets for key version",
				"operation", "release_eviction",
				"key_version", kv.ID,
				"error", err,
			)
			keep[kv.ID] = true
			continue
		}
		if count > 0 {
			keep[kv.ID] = true
		}
	}

	evicted := s.manager.ReleaseEviction(keep)
	if len(evicted) == 0 {
		return nil
	}
	if err := s.persistState(ctx); err != nil {
		return err
	}
	s.pruneEvicted(ctx, evicted)
	return nil
}

// pruneEvicted は一覧から外れたキーバージョンの鍵素材を削除する。
// まだ参照しているアイテムがあれば鍵素材は残す。
func (s *RotationService) pruneEvicted(ctx context.Context, evicted []domain.KeyVersion) {
	for _, kv := range evicted {
		count, err := s.secretRepo.CountByKEKVersion(ctx, kv.ID)
		if err != nil {
			slog.WarnContext(ctx, "failed to count secrets for evicted key version",
				"operation", "prune_key_versions",
				"key_version", kv.ID,
				"error", err,
			)
			continue
		}
		if count > 0 {
			slog.WarnContext(ctx, "evicted key version is still referenced",
				"operation", "prune_key_versions",
				"key_version", kv.ID,
				"items", count,
			)
			continue
		}
		if err := s.provider.DeleteKeyVersion(ctx, kv); err != nil {
			slog.WarnContext(ctx, "failed to delete evicted key material",
				"operation", "prune_key_versions",
				"key_version", kv.ID,
				"error", err,
			)
			continue
		}
		if err := s.stateRepo.Delete(ctx, kv.ID); err != nil {
			slog.WarnContext(ctx, "failed to delete evicted key version",
				"operation", "prune_key_versions",
				"key_version", kv.ID,
				"error", err,
			)
		}
	}
}

func (s *RotationService) reEncryptAll(ctx context.Context, target domain.KeyVersion) (int, error) {
	items, err := s.secretRepo.FindNotOnKEKVersion(ctx, target.ID)
	if err != nil {
		return 0, fmt.Errorf("finding stale secrets: %w", err)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, item := range items {
		g.Go(func() error {
			ok, err := s.secrets.ReEncrypt(gctx, item, target)
			if err != nil {
				return fmt.Errorf("secret %s: %w", item.Name, err)
			}
			if ok {
				done.Inc()
			}
			return nil
		})
	}
	err = g.Wait()
	return int(done.Load()), err
}

func (s *RotationService) reEncryptInBackground(ctx context.Context, target domain.KeyVersion) {
	defer s.wg.Done()
	defer func() {
		if err := s.releaseEviction(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to release key versions after background re-encryption",
				"operation", "background_reencryption",
				"key_version", target.ID,
				"error", err,
			)
		}
	}()

	n, err := s.reEncryptAll(ctx, target)
	details := map[string]string{"phase": "background_reencryption"}
	if err != nil {
		slog.ErrorContext(ctx, "background re-encryption failed",
			"operation", "background_reencryption",
			"key_version", target.ID,
			"items_reencrypted", n,
			"error", err,
		)
		s.manager.RecordAudit(ctx, domain.AuditEntry{
			EventType:     domain.AuditRotationFailed,
			KeyVersion:    target.ID,
			ItemsAffected: n,
			Error:         err.Error(),
			Details:       details,
		})
		return
	}
	s.manager.RecordAudit(ctx, domain.AuditEntry{
		EventType:     domain.AuditMigrationCompleted,
		KeyVersion:    target.ID,
		ItemsAffected: n,
		Details:       details,
	})
}

func (s *RotationService) persistState(ctx context.Context) error {
	status := s.manager.GetRotationStatus()
	state := &domain.RotationState{
		Current:        status.CurrentKeyVersion,
		Available:      s.manager.GetAvailableKeyVersions(),
		LastRotationAt: status.LastRotationAt,
	}
	if err := s.stateRepo.SaveState(ctx, state); err != nil {
		slog.ErrorContext(ctx, "failed to save rotation state",
			"operation", "save_rotation_state",
			"error", err,
		)
		return fmt.Errorf("saving rotation state: %w", err)
	}
	return nil
}

// discard は使われなかったキーバージョンの鍵素材を削除する。
func (s *RotationService) discard(ctx context.Context, kv domain.KeyVersion) {
	if err := s.provider.DeleteKeyVersion(ctx, kv); err != nil {
		slog.WarnContext(ctx, "failed to discard unused key material",
			"operation", "discard_key_version",
			"key_version", kv.ID,
			"error", err,
		)
	}
}

func logRotationEvent(ctx context.Context, event domain.RotationEvent) error {
	attrs := []any{"event", event.Kind().String()}
	switch e := event.(type) {
	case domain.RotationStartedEvent:
		attrs = append(attrs,
			"reason", string(e.Reason),
			"previous_key_version", e.PreviousKeyVersion,
			"new_key_version", e.NewKeyVersion,
		)
	case domain.RotationCompletedEvent:
		attrs = append(attrs,
			"previous_key_version", e.PreviousKeyVersion,
			"new_key_version", e.NewKeyVersion,
			"items_reencrypted", e.ItemsReEncrypted,
			"duration_ms", e.Duration.Milliseconds(),
		)
	case domain.RotationFailedEvent:
		attrs = append(attrs,
			"key_version", e.KeyVersion,
			"recoverable", e.Recoverable,
			"error", e.Err,
		)
		slog.WarnContext(ctx, "rotation event", attrs...)
		return nil
	case domain.EnvironmentChangeEvent:
		attrs = append(attrs, "platform", e.Platform, "action_required", e.ActionRequired)
	}
	slog.InfoContext(ctx, "rotation event", attrs...)
	return nil
}
