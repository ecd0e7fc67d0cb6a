package domain

import "time"

// EventKind はローテーションイベントの種別。
type EventKind int

const (
	EventRotationStarted EventKind = iota + 1
	EventRotationCompleted
	EventRotationFailed
	EventBiometricChange
	EventCredentialChange
)

// String はイベント種別の文字列表現を返す。
func (k EventKind) String() string {
	switch k {
	case EventRotationStarted:
		return "rotation:started"
	case EventRotationCompleted:
		return "rotation:completed"
	case EventRotationFailed:
		return "rotation:failed"
	case EventBiometricChange:
		return "biometric-change"
	case EventCredentialChange:
		return "credential-change"
	default:
		return "unknown"
	}
}

// ParseEventKind は文字列からイベント種別を取得する。
func ParseEventKind(s string) (EventKind, bool) {
	for k := EventRotationStarted; k <= EventCredentialChange; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// RotationEvent はイベントディスパッチャが配送するイベント。
type RotationEvent interface {
	Kind() EventKind
	OccurredAt() time.Time
}

// RotationStartedEvent はローテーション開始時に発行される。
type RotationStartedEvent struct {
	Timestamp          time.Time
	Reason             RotationReason
	PreviousKeyVersion string
	NewKeyVersion      string
}

func (e RotationStartedEvent) Kind() EventKind       { return EventRotationStarted }
func (e RotationStartedEvent) OccurredAt() time.Time { return e.Timestamp }

// RotationCompletedEvent はローテーション完了時に発行される。
type RotationCompletedEvent struct {
	Timestamp          time.Time
	PreviousKeyVersion string
	NewKeyVersion      string
	ItemsReEncrypted   int
	Duration           time.Duration
}

func (e RotationCompletedEvent) Kind() EventKind       { return EventRotationCompleted }
func (e RotationCompletedEvent) OccurredAt() time.Time { return e.Timestamp }

// RotationFailedEvent はローテーション失敗時に発行される。
type RotationFailedEvent struct {
	Timestamp   time.Time
	KeyVersion  string
	Err         error
	Recoverable bool
}

func (e RotationFailedEvent) Kind() EventKind       { return EventRotationFailed }
func (e RotationFailedEvent) OccurredAt() time.Time { return e.Timestamp }

// EnvironmentChangeEvent は生体情報・認証情報の変更時に発行される。
type EnvironmentChangeEvent struct {
	Timestamp      time.Time
	Change         EventKind // EventBiometricChange または EventCredentialChange
	Platform       string
	ActionRequired bool
}

func (e EnvironmentChangeEvent) Kind() EventKind       { return e.Change }
func (e EnvironmentChangeEvent) OccurredAt() time.Time { return e.Timestamp }
