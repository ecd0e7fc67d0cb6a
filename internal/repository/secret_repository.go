package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"secure-storage-service/internal/domain"
)

// SecretItemModel はシークレットのモデル。
type SecretItemModel struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	Name       string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_secret_items_name"`
	Payload    string    `gorm:"type:text;not null"`
	Ciphertext []byte    `gorm:"type:blob"`
	KEKVersion string    `gorm:"column:kek_version;type:varchar(32);index:idx_secret_items_kek_version"`
	IsLegacy   bool      `gorm:"not null;default:false;index:idx_secret_items_is_legacy"`
	CreatedAt  time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (SecretItemModel) TableName() string {
	return "secret_items"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SecretItemModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *SecretItemModel) toDomain() *domain.SecretItem {
	return &domain.SecretItem{
		ID:         m.ID,
		Name:       m.Name,
		Payload:    m.Payload,
		Ciphertext: m.Ciphertext,
		KEKVersion: m.KEKVersion,
		IsLegacy:   m.IsLegacy,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// SecretRepository はシークレットのデータアクセスを提供する。
type SecretRepository struct {
	db *gorm.DB
}

// NewSecretRepository は新しいSecretRepositoryを生成する。
func NewSecretRepository(db *gorm.DB) *SecretRepository {
	return &SecretRepository{db: db}
}

// Save はシークレットを保存する。IDが空なら新規作成、あれば更新する。
func (r *SecretRepository) Save(ctx context.Context, item *domain.SecretItem) error {
	model := &SecretItemModel{
		ID:         item.ID,
		Name:       item.Name,
		Payload:    item.Payload,
		Ciphertext: item.Ciphertext,
		KEKVersion: item.KEKVersion,
		IsLegacy:   item.IsLegacy,
		CreatedAt:  item.CreatedAt,
	}

	var err error
	if model.ID == "" {
		err = r.db.WithContext(ctx).Create(model).Error
	} else {
		err = r.db.WithContext(ctx).Save(model).Error
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to save secret",
			"operation", "save_secret",
			"name", item.Name,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	item.ID = model.ID
	item.CreatedAt = model.CreatedAt
	item.UpdatedAt = model.UpdatedAt
	return nil
}

// SaveIfUnchanged は保存値が expectedPayload のままの場合だけ、暗号化済みの内容を書き換える。
// 読み込んだ後に更新・削除されていた場合は何もせず false を返す。
func (r *SecretRepository) SaveIfUnchanged(ctx context.Context, item *domain.SecretItem, expectedPayload string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&SecretItemModel{}).
		Where("id = ? AND payload = ?", item.ID, expectedPayload).
		Updates(map[string]any{
			"payload":     item.Payload,
			"ciphertext":  item.Ciphertext,
			"kek_version": item.KEKVersion,
			"is_legacy":   item.IsLegacy,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update secret",
			"operation", "save_secret_if_unchanged",
			"name", item.Name,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindByName は指定された名前のシークレットを取得する。存在しない場合は nil を返す。
func (r *SecretRepository) FindByName(ctx context.Context, name string) (*domain.SecretItem, error) {
	var model SecretItemModel
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find secret",
			"operation", "find_secret_by_name",
			"name", name,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAll は全シークレットを名前順に取得する。
func (r *SecretRepository) FindAll(ctx context.Context) ([]*domain.SecretItem, error) {
	return r.find(ctx, "find_all_secrets", r.db.WithContext(ctx))
}

// FindLegacy はレガシー形式のシークレットを取得する。
func (r *SecretRepository) FindLegacy(ctx context.Context) ([]*domain.SecretItem, error) {
	return r.find(ctx, "find_legacy_secrets", r.db.WithContext(ctx).Where("is_legacy = ?", true))
}

// FindNotOnKEKVersion は指定されたKEK以外で包まれたエンベロープ形式のシークレットを取得する。
func (r *SecretRepository) FindNotOnKEKVersion(ctx context.Context, kekVersion string) ([]*domain.SecretItem, error) {
	return r.find(ctx, "find_stale_secrets", r.db.WithContext(ctx).
		Where("is_legacy = ? AND kek_version <> ?", false, kekVersion))
}

// CountByKEKVersion は指定されたKEKで包まれたシークレットの件数を返す。
func (r *SecretRepository) CountByKEKVersion(ctx context.Context, kekVersion string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SecretItemModel{}).
		Where("kek_version = ?", kekVersion).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count secrets by kek_version",
			"operation", "count_by_kek_version",
			"key_version", kekVersion,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

// Delete は指定された名前のシークレットを削除する。削除した場合は true を返す。
func (r *SecretRepository) Delete(ctx context.Context, name string) (bool, error) {
	result := r.db.WithContext(ctx).Where("name = ?", name).Delete(&SecretItemModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete secret",
			"operation", "delete_secret",
			"name", name,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *SecretRepository) find(ctx context.Context, operation string, query *gorm.DB) ([]*domain.SecretItem, error) {
	var models []SecretItemModel
	if err := query.Order("name ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find secrets",
			"operation", operation,
			"error", err,
		)
		return nil, err
	}

	items := make([]*domain.SecretItem, len(models))
	for i := range models {
		items[i] = models[i].toDomain()
	}
	return items, nil
}
