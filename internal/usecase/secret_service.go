// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"secure-storage-service/internal/cryptoutil"
	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/envelope"
)

// SecretRepository はシークレットのデータアクセスのインターフェース。
type SecretRepository interface {
	Save(ctx context.Context, item *domain.SecretItem) error
	SaveIfUnchanged(ctx context.Context, item *domain.SecretItem, expectedPayload string) (bool, error)
	FindByName(ctx context.Context, name string) (*domain.SecretItem, error)
	FindAll(ctx context.Context) ([]*domain.SecretItem, error)
	FindLegacy(ctx context.Context) ([]*domain.SecretItem, error)
	FindNotOnKEKVersion(ctx context.Context, kekVersion string) ([]*domain.SecretItem, error)
	CountByKEKVersion(ctx context.Context, kekVersion string) (int64, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// KeyProvider はプラットフォーム側のKEK管理のインターフェース。
type KeyProvider interface {
	GenerateKeyVersion(ctx context.Context) (domain.KeyVersion, error)
	WrapDEK(ctx context.Context, kv domain.KeyVersion, dek []byte) ([]byte, error)
	UnwrapDEK(ctx context.Context, kv domain.KeyVersion, wrapped []byte) ([]byte, error)
	DeleteKeyVersion(ctx context.Context, kv domain.KeyVersion) error
	DecryptLegacy(ctx context.Context, value string) ([]byte, error)
}

// KeyResolver は復号に使うキーバージョンを解決する。RotationManager が実装する。
type KeyResolver interface {
	GetCurrentKeyVersion() *domain.KeyVersion
	FindKeyVersionForDecryption(id string) *domain.KeyVersion
}

// SecretService はエンベロープ暗号化によるシークレットの保存・取得を提供する。
type SecretService struct {
	repo      SecretRepository
	provider  KeyProvider
	keys      KeyResolver
	algorithm domain.Algorithm
}

// NewSecretService は新しいSecretServiceを生成する。
func NewSecretService(repo SecretRepository, provider KeyProvider, keys KeyResolver, algorithm domain.Algorithm) *SecretService {
	if algorithm == "" {
		algorithm = domain.DefaultDataAlgorithm
	}
	return &SecretService{
		repo:      repo,
		provider:  provider,
		keys:      keys,
		algorithm: algorithm,
	}
}

// Put はシークレットを現在のKEKで暗号化して保存する。
func (s *SecretService) Put(ctx context.Context, name string, plaintext []byte) (*domain.SecretMetadata, error) {
	current := s.keys.GetCurrentKeyVersion()
	if current == nil {
		return nil, domain.ErrNotInitialized
	}

	existing, err := s.repo.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("finding secret: %w", err)
	}

	item := &domain.SecretItem{Name: name}
	if existing != nil {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	}
	if err := s.seal(ctx, item, plaintext, *current); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, item); err != nil {
		return nil, fmt.Errorf("saving secret: %w", err)
	}

	return s.metadata(item, current)
}

// Get はシークレットを復号して返す。
func (s *SecretService) Get(ctx context.Context, name string) ([]byte, error) {
	item, err := s.find(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, item)
}

// Metadata はシークレットのメタデータを返す。
func (s *SecretService) Metadata(ctx context.Context, name string) (*domain.SecretMetadata, error) {
	item, err := s.find(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.metadata(item, s.keys.GetCurrentKeyVersion())
}

// List は全シークレットのメタデータを返す。
func (s *SecretService) List(ctx context.Context) ([]*domain.SecretMetadata, error) {
	items, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding secrets: %w", err)
	}

	current := s.keys.GetCurrentKeyVersion()
	result := make([]*domain.SecretMetadata, 0, len(items))
	for _, item := range items {
		meta, err := s.metadata(item, current)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", item.Name, err)
		}
		result = append(result, meta)
	}
	return result, nil
}

// Delete はシークレットを削除する。
func (s *SecretService) Delete(ctx context.Context, name string) error {
	deleted, err := s.repo.Delete(ctx, name)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	if !deleted {
		return domain.ErrSecretNotFound
	}
	return nil
}

// ImportLegacy はエンベロープ導入前の暗号文をそのまま保存する。
// 保存したアイテムは MigrationService.MigrateLegacy の対象になる。
func (s *SecretService) ImportLegacy(ctx context.Context, name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty legacy value", domain.ErrMalformedEnvelope)
	}
	existing, err := s.repo.FindByName(ctx, name)
	if err != nil {
		return fmt.Errorf("finding secret: %w", err)
	}
	item := &domain.SecretItem{Name: name, Payload: value, IsLegacy: true}
	if existing != nil {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.Save(ctx, item); err != nil {
		return fmt.Errorf("saving secret: %w", err)
	}
	return nil
}

// ReEncrypt はDEKを from のKEKで復号し、to のKEKで包み直して保存する。
// データ本体の暗号文は変わらない。レガシー形式と再暗号化不要なものは false を返す。
// item を読み込んだ後に更新・削除されていた場合は書き込まずに false を返す。
func (s *SecretService) ReEncrypt(ctx context.Context, item *domain.SecretItem, to domain.KeyVersion) (bool, error) {
	parsed, err := parseStored(item)
	if err != nil {
		return false, err
	}
	if parsed == nil || parsed.IsLegacy() {
		return false, nil
	}
	env := parsed.Envelope
	if !envelope.NeedsReEncryption(env, to) {
		return false, nil
	}

	from := s.keys.FindKeyVersionForDecryption(envelope.KEKVersion(env))
	if from == nil {
		return false, fmt.Errorf("%w: %s", domain.ErrKeyVersionPurged, env.KEKVersion)
	}

	dek, err := s.unwrap(ctx, env, *from)
	if err != nil {
		return false, err
	}
	defer cryptoutil.Zeroize(dek)

	wrapped, err := s.provider.WrapDEK(ctx, to, dek)
	if err != nil {
		return false, fmt.Errorf("wrapping DEK: %w", err)
	}
	rewrapped, err := envelope.Create(base64.StdEncoding.EncodeToString(wrapped), to, env.Algorithm)
	if err != nil {
		return false, err
	}
	payload, err := envelope.Serialize(rewrapped)
	if err != nil {
		return false, err
	}

	updated := *item
	updated.Payload = payload
	updated.KEKVersion = to.ID
	updated.IsLegacy = false
	saved, err := s.repo.SaveIfUnchanged(ctx, &updated, item.Payload)
	if err != nil {
		return false, fmt.Errorf("saving secret: %w", err)
	}
	if !saved {
		slog.InfoContext(ctx, "secret changed during re-encryption, skipped",
			"operation", "reencrypt_secret",
			"name", item.Name,
			"key_version", to.ID,
		)
		return false, nil
	}
	*item = updated
	return true, nil
}

// replace は item を現在のKEKで暗号化し直して保存する。
// item を読み込んだ後に更新・削除されていた場合は書き込まずに false を返す。
func (s *SecretService) replace(ctx context.Context, item *domain.SecretItem, plaintext []byte) (bool, error) {
	current := s.keys.GetCurrentKeyVersion()
	if current == nil {
		return false, domain.ErrNotInitialized
	}
	updated := *item
	if err := s.seal(ctx, &updated, plaintext, *current); err != nil {
		return false, err
	}
	saved, err := s.repo.SaveIfUnchanged(ctx, &updated, item.Payload)
	if err != nil || !saved {
		return false, err
	}
	*item = updated
	return true, nil
}

func (s *SecretService) find(ctx context.Context, name string) (*domain.SecretItem, error) {
	item, err := s.repo.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("finding secret: %w", err)
	}
	if item == nil {
		return nil, domain.ErrSecretNotFound
	}
	return item, nil
}

// seal は新しいDEKでデータを暗号化し、DEKをKEKで包んだエンベロープを item に設定する。
func (s *SecretService) seal(ctx context.Context, item *domain.SecretItem, plaintext []byte, kv domain.KeyVersion) error {
	dek, err := cryptoutil.GenerateDEK()
	if err != nil {
		return err
	}
	defer cryptoutil.Zeroize(dek)

	ciphertext, err := cryptoutil.EncryptWithAAD(s.algorithm, dek, plaintext, dataAAD(item.Name))
	if err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	wrapped, err := s.provider.WrapDEK(ctx, kv, dek)
	if err != nil {
		return fmt.Errorf("wrapping DEK: %w", err)
	}
	env, err := envelope.Create(base64.StdEncoding.EncodeToString(wrapped), kv, s.algorithm)
	if err != nil {
		return err
	}
	payload, err := envelope.Serialize(env)
	if err != nil {
		return err
	}

	item.Payload = payload
	item.Ciphertext = ciphertext
	item.KEKVersion = kv.ID
	item.IsLegacy = false
	return nil
}

func (s *SecretService) open(ctx context.Context, item *domain.SecretItem) ([]byte, error) {
	parsed, err := parseStored(item)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrMalformedEnvelope)
	}

	if parsed.IsLegacy() {
		plaintext, err := s.provider.DecryptLegacy(ctx, envelope.LegacyValue(*parsed.Legacy))
		if err != nil {
			return nil, fmt.Errorf("decrypting legacy value: %w", err)
		}
		return plaintext, nil
	}

	env := parsed.Envelope
	kv := s.keys.FindKeyVersionForDecryption(envelope.KEKVersion(env))
	if kv == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyVersionPurged, env.KEKVersion)
	}

	dek, err := s.unwrap(ctx, env, *kv)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zeroize(dek)

	plaintext, err := cryptoutil.DecryptWithAAD(env.Algorithm, dek, item.Ciphertext, dataAAD(item.Name))
	if err != nil {
		return nil, fmt.Errorf("decrypting data: %w", err)
	}
	return plaintext, nil
}

func (s *SecretService) unwrap(ctx context.Context, env *domain.EncryptedEnvelope, kv domain.KeyVersion) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: encryptedDEK is not base64", domain.ErrMalformedEnvelope)
	}
	dek, err := s.provider.UnwrapDEK(ctx, kv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping DEK: %w", err)
	}
	return dek, nil
}

func (s *SecretService) metadata(item *domain.SecretItem, current *domain.KeyVersion) (*domain.SecretMetadata, error) {
	meta := &domain.SecretMetadata{
		Name:      item.Name,
		UpdatedAt: item.UpdatedAt,
	}

	parsed, err := parseStored(item)
	if err != nil {
		return nil, err
	}
	if parsed == nil || parsed.IsLegacy() {
		meta.Legacy = true
		meta.NeedsReEncryption = true
		meta.Size = len(item.Payload)
		return meta, nil
	}

	envMeta := envelope.Metadata(parsed.Envelope)
	meta.Envelope = &envMeta
	if current != nil {
		meta.NeedsReEncryption = envelope.NeedsReEncryption(parsed.Envelope, *current)
	}
	size, err := envelope.Size(parsed.Envelope)
	if err != nil {
		return nil, err
	}
	meta.Size = size
	return meta, nil
}

// dataAAD はデータの暗号文をシークレット名に結びつける追加認証データ。
func dataAAD(name string) []byte {
	return []byte("secret/" + name)
}

// parseStored は保存値を解析する。エンベロープとして保存されたアイテムは
// JSONオブジェクトとして厳密に解析し、壊れていれば ErrMalformedEnvelope を返す。
func parseStored(item *domain.SecretItem) (*envelope.StoredValue, error) {
	if item.IsLegacy {
		return envelope.Parse(item.Payload)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(item.Payload), &obj); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", domain.ErrMalformedEnvelope)
	}
	return envelope.Parse(obj)
}
