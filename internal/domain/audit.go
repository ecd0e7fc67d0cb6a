package domain

import "time"

// DefaultAuditCapacity は監査ログの保持件数の上限。
const DefaultAuditCapacity = 1000

// AuditEventType は監査ログのイベント種別。
type AuditEventType string

const (
	AuditKeyGenerated       AuditEventType = "key_generated"
	AuditKeyRotated         AuditEventType = "key_rotated"
	AuditKeyDeleted         AuditEventType = "key_deleted"
	AuditMigrationStarted   AuditEventType = "migration_started"
	AuditMigrationCompleted AuditEventType = "migration_completed"
	AuditRotationFailed     AuditEventType = "rotation_failed"
	AuditBiometricChange    AuditEventType = "biometric_change"
	AuditCredentialChange   AuditEventType = "credential_change"
)

// AuditEntry は監査ログの1レコード。追加後は変更しない。
type AuditEntry struct {
	ID                 string
	Timestamp          time.Time
	EventType          AuditEventType
	KeyVersion         string
	PreviousKeyVersion string
	Reason             RotationReason
	ItemsAffected      int
	Platform           string
	Error              string
	Details            map[string]string
}

// AuditQuery は監査ログの検索条件。ゼロ値のフィールドは無視する。
type AuditQuery struct {
	EventType AuditEventType
	Since     time.Time // この時刻以降（含む）
	Limit     int       // フィルタ適用後の最新N件
}
