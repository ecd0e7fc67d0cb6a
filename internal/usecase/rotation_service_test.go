package usecase

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-storage-service/internal/domain"
)

func putSecrets(t *testing.T, env *testEnv, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := env.secretSvc.Put(context.Background(), name, []byte("value-"+name))
		require.NoError(t, err)
	}
}

func TestRotationService_Bootstrap_GeneratesFirstKey(t *testing.T) {
	env := newTestEnv()
	bootstrap(t, env)

	cur := env.manager.GetCurrentKeyVersion()
	require.NotNil(t, cur)
	require.NotNil(t, env.states.state)
	assert.Equal(t, cur.ID, env.states.state.Current.ID)
	assert.False(t, env.manager.GetRotationStatus().LastRotationAt.IsZero(), "last rotation time set from the first key")
	require.Len(t, env.audits.entries, 1)
	assert.Equal(t, domain.AuditKeyGenerated, env.audits.entries[0].EventType)
}

func TestRotationService_Bootstrap_LoadsExistingState(t *testing.T) {
	env := newTestEnv()
	last := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	env.states.state = &domain.RotationState{
		Current:        &kv2,
		Available:      []domain.KeyVersion{kv2, kv1},
		LastRotationAt: last,
	}
	bootstrap(t, env)

	assert.Equal(t, kv2.ID, env.manager.GetCurrentKeyVersion().ID)
	assert.Empty(t, env.provider.keys, "no key generated when state exists")
	assert.True(t, env.manager.GetRotationStatus().LastRotationAt.Equal(last))
}

func TestRotationService_Bootstrap_LoadError(t *testing.T) {
	env := newTestEnv()
	env.states.loadErr = errors.New("connection refused")

	require.Error(t, env.rotation.Bootstrap(context.Background()))
	assert.Nil(t, env.manager.GetCurrentKeyVersion(), "manager left uninitialized")
}

func TestRotationService_Rotate(t *testing.T) {
	env := newTestEnv()
	bootstrap(t, env)
	putSecrets(t, env, "a", "b", "c")
	ctx := context.Background()
	previous := env.manager.GetCurrentKeyVersion()

	result, err := env.rotation.Rotate(ctx, domain.RotationReasonManual, false)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ItemsReEncrypted)
	assert.Equal(t, previous.ID, result.PreviousKeyVersion)

	cur := env.manager.GetCurrentKeyVersion()
	assert.Equal(t, result.NewKeyVersion, cur.ID)
	for _, name := range []string{"a", "b", "c"} {
		item, _ := env.secrets.FindByName(ctx, name)
		assert.Equal(t, cur.ID, item.KEKVersion, name)
		got, err := env.secretSvc.Get(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, "value-"+name, string(got))
	}

	assert.Equal(t, cur.ID, env.states.state.Current.ID)
	assert.Len(t, env.states.state.Available, 2)
}

func TestRotationService_Rotate_PrunesEvictedKeyMaterial(t *testing.T) {
	env := newTestEnv()
	bootstrap(t, env)
	putSecrets(t, env, "a")
	ctx := context.Background()
	first := env.manager.GetCurrentKeyVersion()

	for i := 0; i < 2; i++ {
		_, err := env.rotation.Rotate(ctx, domain.RotationReasonManual, false)
		require.NoError(t, err)
	}

	assert.False(t, env.provider.has(first.ID), "evicted key material deleted")
	assert.Nil(t, env.manager.FindKeyVersionForDecryption(first.ID), "evicted version unresolvable")
	assert.Len(t, env.manager.GetAvailableKeyVersions(), domain.DefaultMaxKeyVersions)
}

func TestRotationService_Rotate_ManualDisabledDiscardsKey(t *testing.T) {
	policy := domain.DefaultRotationPolicy()
	policy.ManualRotationEnabled = false
	env := newTestEnv(WithPolicy(policy))
	bootstrap(t, env)

	_, err := env.rotation.Rotate(context.Background(), domain.RotationReasonManual, false)
	require.ErrorIs(t, err, domain.ErrManualRotationDisabled)
	assert.Len(t, env.provider.deleted, 1, "unused key discarded")

	_, err = env.rotation.Rotate(context.Background(), domain.RotationReasonManual, true)
	assert.NoError(t, err, "forced rotation")
}

func TestRotationService_Rotate_NotInitialized(t *testing.T) {
	env := newTestEnv()

	_, err := env.rotation.Rotate(context.Background(), domain.RotationReasonManual, false)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestRotationService_Rotate_ReEncryptionFailure(t *testing.T) {
	env := newTestEnv()
	bootstrap(t, env)
	putSecrets(t, env, "a", "b", "c")
	ctx := context.Background()
	previous := env.manager.GetCurrentKeyVersion()
	env.secrets.failOn["b"] = true

	_, err := env.rotation.Rotate(ctx, domain.RotationReasonManual, false)
	require.Error(t, err)

	assert.Equal(t, previous.ID, env.manager.GetCurrentKeyVersion().ID, "current unchanged")
	assert.False(t, env.manager.GetRotationStatus().IsRotating, "rotation cleared")
	assert.Len(t, env.manager.GetAuditLog(domain.AuditQuery{EventType: domain.AuditRotationFailed}), 1)

	// 包み直し済みのアイテムも読めること
	for _, name := range []string{"a", "b", "c"} {
		_, err := env.secretSvc.Get(ctx, name)
		assert.NoError(t, err, name)
	}
}

func TestRotationService_Rotate_Background(t *testing.T) {
	policy := domain.DefaultRotationPolicy()
	policy.BackgroundReEncryption = true
	env := newTestEnv(WithPolicy(policy))
	bootstrap(t, env)
	putSecrets(t, env, "a", "b")
	ctx := context.Background()

	result, err := env.rotation.Rotate(ctx, domain.RotationReasonTimeBased, false)
	require.NoError(t, err)
	assert.True(t, result.Background)
	env.rotation.Wait()

	for _, name := range []string{"a", "b"} {
		item, _ := env.secrets.FindByName(ctx, name)
		assert.Equal(t, result.NewKeyVersion, item.KEKVersion, name)
	}

	entries := env.manager.GetAuditLog(domain.AuditQuery{EventType: domain.AuditMigrationCompleted})
	require.Len(t, entries, 2, "completion and background entries")
	assert.Equal(t, 2, entries[1].ItemsAffected)
	assert.Equal(t, "background_reencryption", entries[1].Details["phase"])
}

func TestRotationService_Rotate_BackgroundSingleKeyVersion(t *testing.T) {
	policy := domain.DefaultRotationPolicy()
	policy.BackgroundReEncryption = true
	policy.MaxKeyVersions = 1
	env := newTestEnv(WithPolicy(policy))
	bootstrap(t, env)
	putSecrets(t, env, "a", "b")
	ctx := context.Background()
	previous := env.manager.GetCurrentKeyVersion()

	result, err := env.rotation.Rotate(ctx, domain.RotationReasonManual, false)
	require.NoError(t, err)
	env.rotation.Wait()

	for _, name := range []string{"a", "b"} {
		got, err := env.secretSvc.Get(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, "value-"+name, string(got))
	}
	assert.Empty(t, env.manager.GetAuditLog(domain.AuditQuery{EventType: domain.AuditRotationFailed}))

	// 再暗号化が終わってから旧キーを外す
	available := env.manager.GetAvailableKeyVersions()
	require.Len(t, available, 1)
	assert.Equal(t, result.NewKeyVersion, available[0].ID)
	assert.False(t, env.provider.has(previous.ID), "outgoing key material deleted after re-encryption")
	assert.Len(t, env.states.state.Available, 1)
}

func TestRotationService_Rotate_KeepsReferencedKeyVersion(t *testing.T) {
	policy := domain.DefaultRotationPolicy()
	policy.BackgroundReEncryption = true
	policy.MaxKeyVersions = 1
	env := newTestEnv(WithPolicy(policy))
	bootstrap(t, env)
	putSecrets(t, env, "a", "b")
	ctx := context.Background()
	first := env.manager.GetCurrentKeyVersion()

	// "b" は旧キーのまま残る
	env.secrets.failOn["b"] = true
	_, err := env.rotation.Rotate(ctx, domain.RotationReasonManual, false)
	require.NoError(t, err)
	env.rotation.Wait()

	// 続けて回しても "b" の参照する旧キーは外さない
	_, err = env.rotation.Rotate(ctx, domain.RotationReasonManual, false)
	require.NoError(t, err)
	env.rotation.Wait()
	delete(env.secrets.failOn, "b")

	assert.NotNil(t, env.manager.FindKeyVersionForDecryption(first.ID))
	assert.True(t, env.provider.has(first.ID), "referenced key material kept")
	for _, name := range []string{"a", "b"} {
		got, err := env.secretSvc.Get(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, "value-"+name, string(got))
	}
}

func TestRotationService_HandleEnvironmentChange(t *testing.T) {
	env := newTestEnv()
	bootstrap(t, env)
	ctx := context.Background()
	previous := env.manager.GetCurrentKeyVersion()

	result, err := env.rotation.HandleEnvironmentChange(ctx, domain.RotationReasonBiometricChange, "android")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.RotationReasonBiometricChange, result.Reason)
	assert.NotEqual(t, previous.ID, env.manager.GetCurrentKeyVersion().ID, "key rotated")

	env.manager.UpdatePolicy(domain.RotationPolicyUpdate{RotateOnCredentialChange: boolPtr(false)})
	result, err = env.rotation.HandleEnvironmentChange(ctx, domain.RotationReasonCredentialChange, "windows")
	require.NoError(t, err)
	assert.Nil(t, result, "no rotation when disabled")

	_, err = env.rotation.HandleEnvironmentChange(ctx, domain.RotationReasonManual, "")
	assert.ErrorIs(t, err, domain.ErrInvalidReason)
}

func TestRotationService_CheckSchedule(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	env := newTestEnv(WithClock(clock.Now))
	bootstrap(t, env)
	ctx := context.Background()
	first := env.manager.GetCurrentKeyVersion()

	env.rotation.checkSchedule(ctx)
	require.Equal(t, first.ID, env.manager.GetCurrentKeyVersion().ID, "no rotation before the interval elapses")

	clock.Advance(domain.DefaultRotationInterval + time.Hour)
	env.rotation.checkSchedule(ctx)
	assert.NotEqual(t, first.ID, env.manager.GetCurrentKeyVersion().ID, "time-based rotation")
	rotated := env.manager.GetAuditLog(domain.AuditQuery{EventType: domain.AuditKeyRotated})
	require.Len(t, rotated, 1)
	assert.Equal(t, domain.RotationReasonTimeBased, rotated[0].Reason)
}

func TestRotationService_RunScheduler_StopsOnCancel(t *testing.T) {
	env := newTestEnv()
	bootstrap(t, env)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.rotation.RunScheduler(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "scheduler did not stop")
	}
}

func TestRotationService_RemoveKeyVersion(t *testing.T) {
	env := newTestEnv()
	bootstrap(t, env)
	putSecrets(t, env, "a")
	ctx := context.Background()
	first := env.manager.GetCurrentKeyVersion()

	err := env.rotation.RemoveKeyVersion(ctx, first.ID, false)
	require.ErrorIs(t, err, domain.ErrKeyVersionInUse, "current version")

	// バックグラウンドなしで回すと "a" は新しいKEKへ移る。旧KEKを参照するアイテムを残す
	env.secrets.failOn["a"] = true
	env.manager.UpdatePolicy(domain.RotationPolicyUpdate{BackgroundReEncryption: boolPtr(true)})
	_, err = env.rotation.Rotate(ctx, domain.RotationReasonManual, false)
	require.NoError(t, err)
	env.rotation.Wait()

	err = env.rotation.RemoveKeyVersion(ctx, first.ID, false)
	require.ErrorIs(t, err, domain.ErrKeyVersionInUse, "referenced version")
	require.NoError(t, env.rotation.RemoveKeyVersion(ctx, first.ID, true))
	assert.False(t, env.provider.has(first.ID), "key material deleted")
	assert.False(t, slices.ContainsFunc(env.manager.GetAvailableKeyVersions(), func(kv domain.KeyVersion) bool { return kv.ID == first.ID }))
	_, err = env.secretSvc.Get(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrKeyVersionPurged)

	err = env.rotation.RemoveKeyVersion(ctx, "1999-01-01T00:00:00.000Z", false)
	assert.ErrorIs(t, err, domain.ErrKeyVersionNotFound)
	assert.Len(t, env.manager.GetAuditLog(domain.AuditQuery{EventType: domain.AuditKeyDeleted}), 2)
}

func TestRotationService_AuditLog_Persisted(t *testing.T) {
	env := newTestEnv()
	bootstrap(t, env)
	ctx := context.Background()

	_, err := env.rotation.Rotate(ctx, domain.RotationReasonManual, false)
	require.NoError(t, err)

	entries, err := env.rotation.AuditLog(ctx, domain.AuditQuery{EventType: domain.AuditKeyRotated}, true)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRotationService_AuditSinkFailureIsNotFatal(t *testing.T) {
	env := newTestEnv()
	env.audits.appendErr = errors.New("disk full")
	bootstrap(t, env)

	assert.Len(t, env.manager.GetAuditLog(domain.AuditQuery{}), 1, "in-memory entry kept")
}
