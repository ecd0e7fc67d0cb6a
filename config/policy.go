package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"secure-storage-service/internal/domain"
)

// duration はTOMLの文字列（"720h", "90d"）を time.Duration として読む。
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type rotationTable struct {
	Enabled                  *bool     `toml:"enabled"`
	RotationInterval         *duration `toml:"rotation_interval"`
	RotateOnBiometricChange  *bool     `toml:"rotate_on_biometric_change"`
	RotateOnCredentialChange *bool     `toml:"rotate_on_credential_change"`
	ManualRotationEnabled    *bool     `toml:"manual_rotation_enabled"`
	MaxKeyVersions           *int      `toml:"max_key_versions"`
	BackgroundReEncryption   *bool     `toml:"background_reencryption"`
}

type policyFile struct {
	Rotation rotationTable `toml:"rotation"`
}

// LoadPolicy はTOMLファイルの [rotation] テーブルをデフォルトのポリシーに重ねて返す。
// path が空の場合はデフォルトのポリシーを返す。
func LoadPolicy(path string) (domain.RotationPolicy, error) {
	policy := domain.DefaultRotationPolicy()
	if path == "" {
		return policy, nil
	}

	var f policyFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return policy, fmt.Errorf("reading rotation policy %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return policy, fmt.Errorf("reading rotation policy %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	update := f.Rotation.toUpdate()
	if update.MaxKeyVersions != nil && *update.MaxKeyVersions < 1 {
		return policy, fmt.Errorf("reading rotation policy %s: max_key_versions must be at least 1", path)
	}
	return update.Apply(policy), nil
}

func (t rotationTable) toUpdate() domain.RotationPolicyUpdate {
	u := domain.RotationPolicyUpdate{
		Enabled:                  t.Enabled,
		RotateOnBiometricChange:  t.RotateOnBiometricChange,
		RotateOnCredentialChange: t.RotateOnCredentialChange,
		ManualRotationEnabled:    t.ManualRotationEnabled,
		MaxKeyVersions:           t.MaxKeyVersions,
		BackgroundReEncryption:   t.BackgroundReEncryption,
	}
	if t.RotationInterval != nil {
		u.RotationInterval = &t.RotationInterval.Duration
	}
	return u
}
