package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"secure-storage-service/internal/domain"
)

// AuditEntryModel は監査エントリのモデル。
type AuditEntryModel struct {
	ID                 string    `gorm:"type:char(36);primaryKey"`
	Timestamp          time.Time `gorm:"type:datetime(6);not null;index:idx_audit_entries_timestamp"`
	EventType          string    `gorm:"type:varchar(32);not null;index:idx_audit_entries_event_type"`
	KeyVersion         string    `gorm:"type:varchar(32)"`
	PreviousKeyVersion string    `gorm:"type:varchar(32)"`
	Reason             string    `gorm:"type:varchar(32)"`
	ItemsAffected      int       `gorm:"not null;default:0"`
	Platform           string    `gorm:"type:varchar(32)"`
	Error              string    `gorm:"type:text"`
	Details            string    `gorm:"type:text"`
}

// TableName はテーブル名を返す。
func (AuditEntryModel) TableName() string {
	return "audit_entries"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *AuditEntryModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *AuditEntryModel) toDomain() domain.AuditEntry {
	entry := domain.AuditEntry{
		ID:                 m.ID,
		Timestamp:          m.Timestamp.UTC(),
		EventType:          domain.AuditEventType(m.EventType),
		KeyVersion:         m.KeyVersion,
		PreviousKeyVersion: m.PreviousKeyVersion,
		Reason:             domain.RotationReason(m.Reason),
		ItemsAffected:      m.ItemsAffected,
		Platform:           m.Platform,
		Error:              m.Error,
	}
	if m.Details != "" {
		// 壊れた詳細は捨てる。エントリ自体は返す
		_ = json.Unmarshal([]byte(m.Details), &entry.Details)
	}
	return entry
}

// AuditRepository は監査エントリの永続化を提供する。
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository は新しいAuditRepositoryを生成する。
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append は監査エントリを保存する。
func (r *AuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	model := &AuditEntryModel{
		ID:                 entry.ID,
		Timestamp:          entry.Timestamp.UTC(),
		EventType:          string(entry.EventType),
		KeyVersion:         entry.KeyVersion,
		PreviousKeyVersion: entry.PreviousKeyVersion,
		Reason:             string(entry.Reason),
		ItemsAffected:      entry.ItemsAffected,
		Platform:           entry.Platform,
		Error:              entry.Error,
	}
	if model.Timestamp.IsZero() {
		model.Timestamp = time.Now().UTC()
	}
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return err
		}
		model.Details = string(b)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append audit entry",
			"operation", "append_audit_entry",
			"event_type", entry.EventType,
			"error", err,
		)
		return err
	}
	entry.ID = model.ID
	entry.Timestamp = model.Timestamp
	return nil
}

// Find は条件に一致する監査エントリを古い順に取得する。Limit は最新N件。
func (r *AuditRepository) Find(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	query := r.db.WithContext(ctx).Model(&AuditEntryModel{})
	if q.EventType != "" {
		query = query.Where("event_type = ?", string(q.EventType))
	}
	if !q.Since.IsZero() {
		query = query.Where("timestamp >= ?", q.Since.UTC())
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var models []AuditEntryModel
	if err := query.Order("timestamp DESC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find audit entries",
			"operation", "find_audit_entries",
			"event_type", q.EventType,
			"error", err,
		)
		return nil, err
	}
	slices.Reverse(models)

	entries := make([]domain.AuditEntry, len(models))
	for i := range models {
		entries[i] = models[i].toDomain()
	}
	return entries, nil
}
