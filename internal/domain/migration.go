package domain

import "time"

// SecretItem は永続化されたシークレット1件を表す。
// Payload はエンベロープのJSON、またはレガシー形式の暗号文そのもの。
type SecretItem struct {
	ID         string
	Name       string
	Payload    string
	Ciphertext []byte // エンベロープ形式の場合のみ。DEKで暗号化されたデータ
	KEKVersion string // レガシー形式の場合は空
	IsLegacy   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SecretMetadata はシークレットのメタデータを表す（平文・DEKを含まない）。
type SecretMetadata struct {
	Name              string
	Legacy            bool
	Envelope          *EnvelopeMetadata
	NeedsReEncryption bool
	Size              int
	UpdatedAt         time.Time
}

// MigrationStatus はレガシー形式からの移行状況を表す。
type MigrationStatus struct {
	Total   int
	Legacy  int
	Current int // 現在の鍵世代で暗号化済み
	Stale   int // 古い鍵世代のエンベロープ
}

// MigrationReport はレガシー移行の実行結果を表す。
type MigrationReport struct {
	DryRun   bool
	Scanned  int
	Migrated int
	Skipped  int // 移行中に更新・削除されたアイテム
	Failed   []string
	Duration time.Duration
}
