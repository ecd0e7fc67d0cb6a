package infra

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/99designs/keyring"

	"secure-storage-service/config"
	"secure-storage-service/internal/cryptoutil"
	"secure-storage-service/internal/domain"
)

const kekItemPrefix = "kek/"

// LegacyKeyKind はエンベロープ導入前の値を復号する鍵の種類。キーチェーンの項目名を兼ねる。
type LegacyKeyKind string

const (
	// LegacyKeyDefault は通常の保存で使われた鍵。固定IVのAES-GCM。
	LegacyKeyDefault LegacyKeyKind = "legacy"
	// LegacyKeyAuth は生体認証付きの保存で使われた鍵。AES-CBC/PKCS7。
	LegacyKeyAuth LegacyKeyKind = "legacy-auth"
)

// legacyDelimiter は生体認証付きの値で base64(iv) と base64(ciphertext) を区切る。
const legacyDelimiter = "]"

// legacyFixedIV は通常の保存で使われた固定のGCM nonce。
var legacyFixedIV = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 1}

// 鍵素材の先頭1バイトで封印の有無を区別する
const (
	materialRaw    byte = 0x00
	materialSealed byte = 0x01
)

// Sealer はKEKの鍵素材を保存前に封印する。
type Sealer interface {
	Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Unseal(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

// OpenKeyring は設定に従ってOSのキーチェーン（またはファイル）を開く。
func OpenKeyring(cfg *config.Config) (keyring.Keyring, error) {
	backends, err := parseBackends(cfg.KeyringBackend)
	if err != nil {
		return nil, err
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              cfg.KeyringService,
		AllowedBackends:          backends,
		KeychainTrustApplication: true,
		FileDir:                  cfg.KeyringFileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.KeyringPassword),
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func parseBackends(name string) ([]keyring.BackendType, error) {
	switch name {
	case "", "auto":
		return nil, nil
	case "file":
		return []keyring.BackendType{keyring.FileBackend}, nil
	case "keychain":
		return []keyring.BackendType{keyring.KeychainBackend}, nil
	case "secret-service":
		return []keyring.BackendType{keyring.SecretServiceBackend}, nil
	case "wincred":
		return []keyring.BackendType{keyring.WinCredBackend}, nil
	case "kwallet":
		return []keyring.BackendType{keyring.KWalletBackend}, nil
	case "pass":
		return []keyring.BackendType{keyring.PassBackend}, nil
	default:
		return nil, fmt.Errorf("unknown keyring backend %q", name)
	}
}

// KeychainProvider はキーチェーンにKEKを保管するKeyProvider。
// DEKはKEKでAES-256-GCMにより包み、KEKバージョンIDを追加認証データにする。
type KeychainProvider struct {
	ring   keyring.Keyring
	sealer Sealer

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewKeychainProvider は新しいKeychainProviderを生成する。sealer が nil の場合は封印しない。
func NewKeychainProvider(ring keyring.Keyring, sealer Sealer) *KeychainProvider {
	return &KeychainProvider{
		ring:   ring,
		sealer: sealer,
		now:    time.Now,
	}
}

// GenerateKeyVersion は新しいKEKを生成してキーチェーンに保存する。
// IDはミリ秒精度のタイムスタンプで、重複する場合は1ミリ秒ずつ進める。
func (p *KeychainProvider) GenerateKeyVersion(ctx context.Context) (domain.KeyVersion, error) {
	t, err := p.nextTimestamp()
	if err != nil {
		return domain.KeyVersion{}, err
	}

	material, err := cryptoutil.GenerateDEK()
	if err != nil {
		return domain.KeyVersion{}, err
	}
	defer cryptoutil.Zeroize(material)

	kv := domain.NewKeyVersion(t, "")
	kv.PlatformKeyID = kekItemPrefix + kv.ID

	data, err := p.seal(ctx, kv, material)
	if err != nil {
		return domain.KeyVersion{}, err
	}
	err = p.ring.Set(keyring.Item{
		Key:         kv.PlatformKeyID,
		Data:        data,
		Label:       "KEK " + kv.ID,
		Description: "secure-storage-service key-encrypting key",
	})
	if err != nil {
		return domain.KeyVersion{}, fmt.Errorf("storing key material: %w", err)
	}
	return kv, nil
}

// WrapDEK はDEKをKEKで暗号化する。
func (p *KeychainProvider) WrapDEK(ctx context.Context, kv domain.KeyVersion, dek []byte) ([]byte, error) {
	kek, err := p.load(ctx, kv)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zeroize(kek)
	return cryptoutil.EncryptWithAAD(domain.AlgorithmAES256GCM, kek, dek, []byte(kv.ID))
}

// UnwrapDEK はKEKで暗号化されたDEKを復号する。
func (p *KeychainProvider) UnwrapDEK(ctx context.Context, kv domain.KeyVersion, wrapped []byte) ([]byte, error) {
	kek, err := p.load(ctx, kv)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zeroize(kek)

	dek, err := cryptoutil.DecryptWithAAD(domain.AlgorithmAES256GCM, kek, wrapped, []byte(kv.ID))
	if err != nil {
		return nil, fmt.Errorf("unwrapping DEK for %s: %w", kv.ID, err)
	}
	return dek, nil
}

// DeleteKeyVersion はKEKの鍵素材を削除する。存在しない場合もエラーにしない。
func (p *KeychainProvider) DeleteKeyVersion(ctx context.Context, kv domain.KeyVersion) error {
	err := p.ring.Remove(itemKey(kv))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing key material: %w", err)
	}
	return nil
}

// DecryptLegacy はエンベロープ導入前の値を復号する。形式は区切り文字で判別する。
//
//	base64(iv) + "]" + base64(ciphertext)  生体認証付き。LegacyKeyAuth によるAES-CBC/PKCS7
//	base64(ciphertext || tag)              通常。LegacyKeyDefault による固定IVのAES-GCM
func (p *KeychainProvider) DecryptLegacy(ctx context.Context, value string) ([]byte, error) {
	if ivPart, ctPart, ok := strings.Cut(value, legacyDelimiter); ok {
		key, err := p.legacyKey(LegacyKeyAuth)
		if err != nil {
			return nil, err
		}
		iv, err := decodeLegacyBase64(ivPart)
		if err != nil {
			return nil, fmt.Errorf("decoding legacy IV: %w", err)
		}
		ct, err := decodeLegacyBase64(ctPart)
		if err != nil {
			return nil, fmt.Errorf("decoding legacy value: %w", err)
		}
		return cryptoutil.DecryptCBC(key, iv, ct)
	}

	key, err := p.legacyKey(LegacyKeyDefault)
	if err != nil {
		return nil, err
	}
	ct, err := decodeLegacyBase64(value)
	if err != nil {
		return nil, fmt.Errorf("decoding legacy value: %w", err)
	}
	return cryptoutil.OpenGCM(key, legacyFixedIV, ct)
}

// SetLegacyKey はレガシー形式の復号に使う鍵をキーチェーンに保存する。
func (p *KeychainProvider) SetLegacyKey(kind LegacyKeyKind, key []byte) error {
	if kind != LegacyKeyDefault && kind != LegacyKeyAuth {
		return fmt.Errorf("unknown legacy key kind %q", kind)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("legacy key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	err := p.ring.Set(keyring.Item{
		Key:         string(kind),
		Data:        bytes.Clone(key),
		Label:       string(kind) + " key",
		Description: "secure-storage-service legacy encryption key",
	})
	if err != nil {
		return fmt.Errorf("storing legacy key: %w", err)
	}
	return nil
}

func (p *KeychainProvider) legacyKey(kind LegacyKeyKind) ([]byte, error) {
	item, err := p.ring.Get(string(kind))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s key is not installed: %w", kind, err)
		}
		return nil, fmt.Errorf("reading %s key: %w", kind, err)
	}
	return item.Data, nil
}

// decodeLegacyBase64 は改行入りのbase64も受け付ける。
func decodeLegacyBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
}

func (p *KeychainProvider) nextTimestamp() (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.now().UTC().Truncate(time.Millisecond)
	if !t.After(p.last) {
		t = p.last.Add(time.Millisecond)
	}
	for {
		_, err := p.ring.Get(kekItemPrefix + domain.FormatTimestamp(t))
		if errors.Is(err, keyring.ErrKeyNotFound) {
			break
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("checking key material: %w", err)
		}
		t = t.Add(time.Millisecond)
	}
	p.last = t
	return t, nil
}

func (p *KeychainProvider) seal(ctx context.Context, kv domain.KeyVersion, material []byte) ([]byte, error) {
	if p.sealer == nil {
		return append([]byte{materialRaw}, material...), nil
	}
	sealed, err := p.sealer.Seal(ctx, material, []byte(kv.ID))
	if err != nil {
		return nil, fmt.Errorf("sealing key material: %w", err)
	}
	return append([]byte{materialSealed}, sealed...), nil
}

func (p *KeychainProvider) load(ctx context.Context, kv domain.KeyVersion) ([]byte, error) {
	item, err := p.ring.Get(itemKey(kv))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: key material for %s", domain.ErrKeyVersionPurged, kv.ID)
		}
		return nil, fmt.Errorf("reading key material: %w", err)
	}
	if len(item.Data) == 0 {
		return nil, fmt.Errorf("key material for %s is empty", kv.ID)
	}

	var material []byte
	switch item.Data[0] {
	case materialRaw:
		material = bytes.Clone(item.Data[1:])
	case materialSealed:
		if p.sealer == nil {
			return nil, fmt.Errorf("key material for %s is sealed but no sealer is configured", kv.ID)
		}
		material, err = p.sealer.Unseal(ctx, item.Data[1:], []byte(kv.ID))
		if err != nil {
			return nil, fmt.Errorf("unsealing key material: %w", err)
		}
	default:
		return nil, fmt.Errorf("key material for %s has unknown format %#x", kv.ID, item.Data[0])
	}

	if len(material) != cryptoutil.KeySize {
		return nil, fmt.Errorf("key material for %s has invalid length %d", kv.ID, len(material))
	}
	return material, nil
}

func itemKey(kv domain.KeyVersion) string {
	if kv.PlatformKeyID != "" {
		return kv.PlatformKeyID
	}
	return kekItemPrefix + kv.ID
}
