// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"sort"
	"time"
)

// TimestampLayout は永続化フォーマットで使うISO-8601（ミリ秒・UTC）のレイアウト。
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp は時刻をISO-8601文字列に変換する。
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp はISO-8601文字列を時刻に変換する。ミリ秒なし・タイムゾーン付きも受け付ける。
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// KeyVersion はルート鍵（KEK）の1世代を表す。生成後は不変。
type KeyVersion struct {
	ID            string // ISO-8601タイムスタンプ（一意・ソート可能）
	Timestamp     int64  // エポックミリ秒
	IsActive      bool
	PlatformKeyID string
}

// NewKeyVersion は時刻から新しいKeyVersionを生成する。
func NewKeyVersion(t time.Time, platformKeyID string) KeyVersion {
	return KeyVersion{
		ID:            FormatTimestamp(t),
		Timestamp:     t.UnixMilli(),
		IsActive:      true,
		PlatformKeyID: platformKeyID,
	}
}

// SortKeyVersions はタイムスタンプの降順（新しい順）に並べ替える。
func SortKeyVersions(versions []KeyVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Timestamp > versions[j].Timestamp
	})
}

// RotationState は永続化されたローテーション状態を表す。
type RotationState struct {
	Current        *KeyVersion
	Available      []KeyVersion
	LastRotationAt time.Time
}
