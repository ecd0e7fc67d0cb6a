// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"secure-storage-service/internal/domain"
)

// Models はAutoMigrateの対象となるモデルを返す。
func Models() []any {
	return []any{
		&KeyVersionModel{},
		&RotationStateModel{},
		&AuditEntryModel{},
		&SecretItemModel{},
	}
}

// KeyVersionModel はgorm用のモデル定義。
type KeyVersionModel struct {
	ID            string    `gorm:"type:varchar(32);primaryKey"`
	Timestamp     int64     `gorm:"not null;index:idx_key_versions_timestamp"`
	IsActive      bool      `gorm:"not null;default:true"`
	PlatformKeyID string    `gorm:"type:varchar(255);not null"`
	Retired       bool      `gorm:"not null;default:false;index:idx_key_versions_retired"`
	CreatedAt     time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyVersionModel) TableName() string {
	return "key_versions"
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyVersionModel) toDomain() domain.KeyVersion {
	return domain.KeyVersion{
		ID:            m.ID,
		Timestamp:     m.Timestamp,
		IsActive:      m.IsActive,
		PlatformKeyID: m.PlatformKeyID,
	}
}

// RotationStateModel はローテーション状態（1行のみ）のモデル。
type RotationStateModel struct {
	ID                uint       `gorm:"primaryKey;autoIncrement:false"`
	CurrentKeyVersion string     `gorm:"type:varchar(32);not null"`
	LastRotationAt    *time.Time `gorm:"type:datetime(6)"`
	UpdatedAt         time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (RotationStateModel) TableName() string {
	return "rotation_state"
}

const rotationStateRowID = 1

// KeyVersionRepository はキーバージョンとローテーション状態のデータアクセスを提供する。
type KeyVersionRepository struct {
	db *gorm.DB
}

// NewKeyVersionRepository は新しいKeyVersionRepositoryを生成する。
func NewKeyVersionRepository(db *gorm.DB) *KeyVersionRepository {
	return &KeyVersionRepository{db: db}
}

// LoadState は保存されたローテーション状態を取得する。未保存の場合は nil を返す。
func (r *KeyVersionRepository) LoadState(ctx context.Context) (*domain.RotationState, error) {
	var state RotationStateModel
	err := r.db.WithContext(ctx).First(&state, rotationStateRowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to load rotation state",
			"operation", "load_state",
			"error", err,
		)
		return nil, err
	}

	var models []KeyVersionModel
	err = r.db.WithContext(ctx).
		Where("retired = ?", false).
		Order("timestamp DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key versions",
			"operation", "load_state",
			"error", err,
		)
		return nil, err
	}

	result := &domain.RotationState{}
	if state.LastRotationAt != nil {
		result.LastRotationAt = state.LastRotationAt.UTC()
	}
	for _, m := range models {
		kv := m.toDomain()
		if kv.ID == state.CurrentKeyVersion {
			cur := kv
			result.Current = &cur
		}
		result.Available = append(result.Available, kv)
	}
	if result.Current == nil {
		slog.ErrorContext(ctx, "current key version row missing",
			"operation", "load_state",
			"key_version", state.CurrentKeyVersion,
		)
		return nil, domain.ErrKeyVersionNotFound
	}
	return result, nil
}

// SaveState はローテーション状態を保存する。一覧にないキーバージョンは退役扱いにする。
func (r *KeyVersionRepository) SaveState(ctx context.Context, state *domain.RotationState) error {
	if state == nil || state.Current == nil {
		return domain.ErrNotInitialized
	}

	versions := make([]KeyVersionModel, 0, len(state.Available)+1)
	ids := make([]string, 0, len(state.Available)+1)
	seen := make(map[string]bool)
	for _, kv := range append([]domain.KeyVersion{*state.Current}, state.Available...) {
		if seen[kv.ID] {
			continue
		}
		seen[kv.ID] = true
		ids = append(ids, kv.ID)
		versions = append(versions, KeyVersionModel{
			ID:            kv.ID,
			Timestamp:     kv.Timestamp,
			IsActive:      kv.IsActive,
			PlatformKeyID: kv.PlatformKeyID,
		})
	}

	stateModel := RotationStateModel{
		ID:                rotationStateRowID,
		CurrentKeyVersion: state.Current.ID,
	}
	if !state.LastRotationAt.IsZero() {
		t := state.LastRotationAt.UTC()
		stateModel.LastRotationAt = &t
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"timestamp", "is_active", "platform_key_id", "retired", "updated_at"}),
		}).Create(&versions).Error; err != nil {
			return err
		}
		if err := tx.Model(&KeyVersionModel{}).
			Where("id NOT IN ?", ids).
			Update("retired", true).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"current_key_version", "last_rotation_at", "updated_at"}),
		}).Create(&stateModel).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to save rotation state",
			"operation", "save_state",
			"key_version", state.Current.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// Find は指定されたIDのキーバージョンを取得する。退役済みも含む。
func (r *KeyVersionRepository) Find(ctx context.Context, id string) (*domain.KeyVersion, error) {
	var model KeyVersionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key version",
			"operation", "find_key_version",
			"key_version", id,
			"error", err,
		)
		return nil, err
	}
	kv := model.toDomain()
	return &kv, nil
}

// Delete は指定されたIDのキーバージョンを削除する。
func (r *KeyVersionRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&KeyVersionModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key version",
			"operation", "delete_key_version",
			"key_version", id,
			"error", err,
		)
		return err
	}
	return nil
}
