package domain

import "errors"

var (
	// ErrUnsupportedAlgorithm は受け付けないアルゴリズムが指定された場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrInvalidDEK は暗号化DEKが空の場合のエラー。
	ErrInvalidDEK = errors.New("invalid DEK: encryptedDEK must be a non-empty string")

	// ErrMalformedEnvelope はエンベロープを名乗るオブジェクトが壊れている場合のエラー。
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrNotInitialized は現在の鍵世代が未設定の場合のエラー。
	ErrNotInitialized = errors.New("current key version not initialized")

	// ErrRotationInProgress はローテーションが既に進行中の場合のエラー。
	ErrRotationInProgress = errors.New("rotation already in progress")

	// ErrNoRotationInProgress は進行中のローテーションがない場合のエラー。
	ErrNoRotationInProgress = errors.New("no rotation in progress")

	// ErrManualRotationDisabled はポリシーで手動ローテーションが無効な場合のエラー。
	ErrManualRotationDisabled = errors.New("manual rotation disabled by policy")

	// ErrEventHandler はイベントハンドラの失敗。状態遷移自体は確定している。
	ErrEventHandler = errors.New("event handler failed")

	// ErrKeyVersionNotFound は指定された鍵世代が存在しない場合のエラー。
	ErrKeyVersionNotFound = errors.New("key version not found")

	// ErrKeyVersionPurged は復号に必要な鍵世代が破棄済みの場合のエラー。再試行不可。
	ErrKeyVersionPurged = errors.New("cannot decrypt: key version retired")

	// ErrKeyVersionInUse は削除対象の鍵世代がまだ参照されている場合のエラー。
	ErrKeyVersionInUse = errors.New("key version still in use")

	// ErrSecretNotFound は指定されたシークレットが存在しない場合のエラー。
	ErrSecretNotFound = errors.New("secret not found")

	// ErrInvalidSecretName はシークレット名の形式が不正な場合のエラー。
	ErrInvalidSecretName = errors.New("invalid secret name")

	// ErrInvalidReason は未知のローテーション理由が指定された場合のエラー。
	ErrInvalidReason = errors.New("invalid rotation reason")

	// ErrMigrationFailed はレガシーデータの移行に失敗した場合のエラー。
	ErrMigrationFailed = errors.New("migration failed")
)
