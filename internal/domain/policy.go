package domain

import (
	"fmt"
	"time"
)

const (
	// DefaultRotationInterval はデフォルトのローテーション間隔（90日）。
	DefaultRotationInterval = 90 * 24 * time.Hour
	// DefaultMaxKeyVersions は保持する鍵世代数のデフォルト値。
	DefaultMaxKeyVersions = 2
)

// RotationReason はローテーションの契機を表す。
type RotationReason string

const (
	RotationReasonManual           RotationReason = "manual"
	RotationReasonTimeBased        RotationReason = "time-based"
	RotationReasonBiometricChange  RotationReason = "biometric-change"
	RotationReasonCredentialChange RotationReason = "credential-change"
)

// RotationPolicy はプロセス全体のローテーション設定。
type RotationPolicy struct {
	Enabled                  bool
	RotationInterval         time.Duration
	RotateOnBiometricChange  bool
	RotateOnCredentialChange bool
	ManualRotationEnabled    bool
	MaxKeyVersions           int
	BackgroundReEncryption   bool
}

// DefaultRotationPolicy はデフォルトのポリシーを返す。
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		Enabled:                  true,
		RotationInterval:         DefaultRotationInterval,
		RotateOnBiometricChange:  true,
		RotateOnCredentialChange: true,
		ManualRotationEnabled:    true,
		MaxKeyVersions:           DefaultMaxKeyVersions,
		BackgroundReEncryption:   false,
	}
}

// RotationPolicyUpdate はポリシーの部分更新。nilのフィールドは変更しない。
type RotationPolicyUpdate struct {
	Enabled                  *bool
	RotationInterval         *time.Duration
	RotateOnBiometricChange  *bool
	RotateOnCredentialChange *bool
	ManualRotationEnabled    *bool
	MaxKeyVersions           *int
	BackgroundReEncryption   *bool
}

// Apply は部分更新をマージした新しいポリシーを返す。
func (u RotationPolicyUpdate) Apply(p RotationPolicy) RotationPolicy {
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	if u.RotationInterval != nil {
		p.RotationInterval = *u.RotationInterval
	}
	if u.RotateOnBiometricChange != nil {
		p.RotateOnBiometricChange = *u.RotateOnBiometricChange
	}
	if u.RotateOnCredentialChange != nil {
		p.RotateOnCredentialChange = *u.RotateOnCredentialChange
	}
	if u.ManualRotationEnabled != nil {
		p.ManualRotationEnabled = *u.ManualRotationEnabled
	}
	if u.MaxKeyVersions != nil && *u.MaxKeyVersions > 0 {
		p.MaxKeyVersions = *u.MaxKeyVersions
	}
	if u.BackgroundReEncryption != nil {
		p.BackgroundReEncryption = *u.BackgroundReEncryption
	}
	return p
}

// RotationStatus はローテーションの現在の状態を表す。
type RotationStatus struct {
	IsRotating           bool
	CurrentKeyVersion    *KeyVersion
	LastRotationAt       time.Time
	NextRotationDue      time.Time
	AvailableKeyVersions int
}

// RotationResult は1回のローテーション結果を表す。
type RotationResult struct {
	PreviousKeyVersion string
	NewKeyVersion      string
	Reason             RotationReason
	ItemsReEncrypted   int
	Duration           time.Duration
	Background         bool
}

// ParseRotationReason は文字列をRotationReasonに変換する。
func ParseRotationReason(s string) (RotationReason, error) {
	switch r := RotationReason(s); r {
	case RotationReasonManual, RotationReasonTimeBased, RotationReasonBiometricChange, RotationReasonCredentialChange:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReason, s)
}
