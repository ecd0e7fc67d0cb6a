package infra

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-storage-service/internal/cryptoutil"
	"secure-storage-service/internal/domain"
)

// xorSealer はテスト用の封印。aad が一致しない場合は失敗する。
type xorSealer struct {
	sealed int
}

func (s *xorSealer) Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	s.sealed++
	out := append([]byte{}, aad...)
	out = append(out, '|')
	for _, b := range plaintext {
		out = append(out, b^0x5a)
	}
	return out, nil
}

func (s *xorSealer) Unseal(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	prefix := append(append([]byte{}, aad...), '|')
	if !bytes.HasPrefix(ciphertext, prefix) {
		return nil, errors.New("aad mismatch")
	}
	out := make([]byte, 0, len(ciphertext)-len(prefix))
	for _, b := range ciphertext[len(prefix):] {
		out = append(out, b^0x5a)
	}
	return out, nil
}

func newTestProvider(t *testing.T, sealer Sealer) (*KeychainProvider, keyring.Keyring) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	p := NewKeychainProvider(ring, sealer)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	return p, ring
}

func TestKeychainProvider_GenerateKeyVersion(t *testing.T) {
	p, ring := newTestProvider(t, nil)
	ctx := context.Background()

	kv, err := p.GenerateKeyVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T00:00:00.000Z", kv.ID)
	assert.Equal(t, "kek/"+kv.ID, kv.PlatformKeyID)
	assert.True(t, kv.IsActive)

	item, err := ring.Get(kv.PlatformKeyID)
	require.NoError(t, err)
	assert.Len(t, item.Data, 1+cryptoutil.KeySize)
	assert.Equal(t, materialRaw, item.Data[0])
}

func TestKeychainProvider_GenerateKeyVersion_UniqueIDs(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for range 5 {
		kv, err := p.GenerateKeyVersion(ctx)
		require.NoError(t, err)
		assert.False(t, seen[kv.ID], "duplicate id %s", kv.ID)
		seen[kv.ID] = true
	}
	assert.True(t, seen["2025-01-01T00:00:00.004Z"])
}

func TestKeychainProvider_GenerateKeyVersion_SkipsExistingItems(t *testing.T) {
	p, ring := newTestProvider(t, nil)
	require.NoError(t, ring.Set(keyring.Item{Key: "kek/2025-01-01T00:00:00.000Z", Data: []byte{materialRaw}}))

	kv, err := p.GenerateKeyVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T00:00:00.001Z", kv.ID)
}

func TestKeychainProvider_WrapUnwrap(t *testing.T) {
	for name, sealer := range map[string]Sealer{"raw": nil, "sealed": &xorSealer{}} {
		t.Run(name, func(t *testing.T) {
			p, _ := newTestProvider(t, sealer)
			ctx := context.Background()

			kv, err := p.GenerateKeyVersion(ctx)
			require.NoError(t, err)

			dek, err := cryptoutil.GenerateDEK()
			require.NoError(t, err)

			wrapped, err := p.WrapDEK(ctx, kv, dek)
			require.NoError(t, err)
			assert.NotEqual(t, dek, wrapped)

			got, err := p.UnwrapDEK(ctx, kv, wrapped)
			require.NoError(t, err)
			assert.Equal(t, dek, got)
		})
	}
}

func TestKeychainProvider_SealsMaterial(t *testing.T) {
	sealer := &xorSealer{}
	p, ring := newTestProvider(t, sealer)

	kv, err := p.GenerateKeyVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sealer.sealed)

	item, err := ring.Get(kv.PlatformKeyID)
	require.NoError(t, err)
	assert.Equal(t, materialSealed, item.Data[0])
}

func TestKeychainProvider_SealedMaterialWithoutSealer(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	sealing := NewKeychainProvider(ring, &xorSealer{})
	plain := NewKeychainProvider(ring, nil)
	ctx := context.Background()

	kv, err := sealing.GenerateKeyVersion(ctx)
	require.NoError(t, err)

	_, err = plain.WrapDEK(ctx, kv, make([]byte, cryptoutil.KeySize))
	assert.ErrorContains(t, err, "no sealer is configured")
}

func TestKeychainProvider_UnwrapWithOtherVersionFails(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	ctx := context.Background()

	kv1, err := p.GenerateKeyVersion(ctx)
	require.NoError(t, err)
	kv2, err := p.GenerateKeyVersion(ctx)
	require.NoError(t, err)

	wrapped, err := p.WrapDEK(ctx, kv1, make([]byte, cryptoutil.KeySize))
	require.NoError(t, err)

	_, err = p.UnwrapDEK(ctx, kv2, wrapped)
	assert.Error(t, err)
}

func TestKeychainProvider_DeleteKeyVersion(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	ctx := context.Background()

	kv, err := p.GenerateKeyVersion(ctx)
	require.NoError(t, err)
	wrapped, err := p.WrapDEK(ctx, kv, make([]byte, cryptoutil.KeySize))
	require.NoError(t, err)

	require.NoError(t, p.DeleteKeyVersion(ctx, kv))

	_, err = p.UnwrapDEK(ctx, kv, wrapped)
	assert.ErrorIs(t, err, domain.ErrKeyVersionPurged)

	// 2回目の削除もエラーにならない
	assert.NoError(t, p.DeleteKeyVersion(ctx, kv))
}

// wrapBase64 は76文字ごとに改行を入れ、末尾にも改行を付ける。
func wrapBase64(b []byte) string {
	s := base64.StdEncoding.EncodeToString(b)
	var sb strings.Builder
	for len(s) > 76 {
		sb.WriteString(s[:76] + "\n")
		s = s[76:]
	}
	sb.WriteString(s + "\n")
	return sb.String()
}

// legacyGCMValue は通常の保存形式（固定IVのAES-GCM）の値を作る。
func legacyGCMValue(t *testing.T, key, plaintext []byte) string {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	return wrapBase64(gcm.Seal(nil, legacyFixedIV, plaintext, nil))
}

// legacyCBCValue は生体認証付きの保存形式（base64(iv) + "]" + base64(ciphertext)）の値を作る。
func legacyCBCValue(t *testing.T, key, plaintext []byte) string {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(bytes.Clone(plaintext), bytes.Repeat([]byte{byte(n)}, n)...)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return wrapBase64(iv) + "]" + wrapBase64(ct)
}

func TestKeychainProvider_DecryptLegacy_FixedIVGCM(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	ctx := context.Background()

	key, err := cryptoutil.GenerateDEK()
	require.NoError(t, err)
	value := legacyGCMValue(t, key, []byte("legacy secret"))

	_, err = p.DecryptLegacy(ctx, value)
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)

	require.NoError(t, p.SetLegacyKey(LegacyKeyDefault, key))
	got, err := p.DecryptLegacy(ctx, value)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy secret"), got)

	// 1文字でも改ざんされていれば失敗する
	raw, err := decodeLegacyBase64(value)
	require.NoError(t, err)
	raw[0] ^= 0xff
	_, err = p.DecryptLegacy(ctx, base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)

	_, err = p.DecryptLegacy(ctx, "not base64!")
	assert.Error(t, err)
}

func TestKeychainProvider_DecryptLegacy_DelimitedCBC(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	ctx := context.Background()

	key, err := cryptoutil.GenerateDEK()
	require.NoError(t, err)
	value := legacyCBCValue(t, key, []byte("biometric secret"))

	// 通常の鍵だけでは復号できない
	require.NoError(t, p.SetLegacyKey(LegacyKeyDefault, key))
	_, err = p.DecryptLegacy(ctx, value)
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)

	require.NoError(t, p.SetLegacyKey(LegacyKeyAuth, key))
	got, err := p.DecryptLegacy(ctx, value)
	require.NoError(t, err)
	assert.Equal(t, []byte("biometric secret"), got)

	_, err = p.DecryptLegacy(ctx, "AAAA]AAAA")
	assert.Error(t, err, "IV shorter than a block")
}

func TestKeychainProvider_DecryptLegacy_AndroidKeySizes(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	ctx := context.Background()

	key := bytes.Repeat([]byte{7}, 16)
	require.NoError(t, p.SetLegacyKey(LegacyKeyDefault, key))

	got, err := p.DecryptLegacy(ctx, legacyGCMValue(t, key, []byte("aes-128")))
	require.NoError(t, err)
	assert.Equal(t, []byte("aes-128"), got)
}

func TestKeychainProvider_SetLegacyKey_Rejects(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	assert.Error(t, p.SetLegacyKey(LegacyKeyDefault, []byte("short")))
	assert.Error(t, p.SetLegacyKey("other", bytes.Repeat([]byte{1}, 32)))
}

func TestParseBackends(t *testing.T) {
	tests := []struct {
		name    string
		want    []keyring.BackendType
		wantErr bool
	}{
		{name: "", want: nil},
		{name: "auto", want: nil},
		{name: "file", want: []keyring.BackendType{keyring.FileBackend}},
		{name: "keychain", want: []keyring.BackendType{keyring.KeychainBackend}},
		{name: "secret-service", want: []keyring.BackendType{keyring.SecretServiceBackend}},
		{name: "vault", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBackends(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
