package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"secure-storage-service/internal/cryptoutil"
	"secure-storage-service/internal/domain"
)

// mockSecretRepository はテスト用のインメモリリポジトリ。
type mockSecretRepository struct {
	mu      sync.Mutex
	items   map[string]*domain.SecretItem
	saveErr error
	failOn  map[string]bool // Save を失敗させるシークレット名
	findErr error
	saves   int
}

func newMockSecretRepository() *mockSecretRepository {
	return &mockSecretRepository{
		items:  make(map[string]*domain.SecretItem),
		failOn: make(map[string]bool),
	}
}

func (m *mockSecretRepository) Save(ctx context.Context, item *domain.SecretItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.failOn[item.Name] {
		return fmt.Errorf("save %s: write failed", item.Name)
	}
	if item.ID == "" {
		item.ID = fmt.Sprintf("id-%s", item.Name)
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	stored := *item
	m.items[item.Name] = &stored
	m.saves++
	return nil
}

func (m *mockSecretRepository) SaveIfUnchanged(ctx context.Context, item *domain.SecretItem, expectedPayload string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return false, m.saveErr
	}
	if m.failOn[item.Name] {
		return false, fmt.Errorf("save %s: write failed", item.Name)
	}
	stored, ok := m.items[item.Name]
	if !ok || stored.ID != item.ID || stored.Payload != expectedPayload {
		return false, nil
	}
	item.UpdatedAt = time.Now()
	updated := *item
	m.items[item.Name] = &updated
	m.saves++
	return true, nil
}

func (m *mockSecretRepository) FindByName(ctx context.Context, name string) (*domain.SecretItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	item, ok := m.items[name]
	if !ok {
		return nil, nil
	}
	found := *item
	return &found, nil
}

func (m *mockSecretRepository) FindAll(ctx context.Context) ([]*domain.SecretItem, error) {
	return m.filter(func(*domain.SecretItem) bool { return true })
}

func (m *mockSecretRepository) FindLegacy(ctx context.Context) ([]*domain.SecretItem, error) {
	return m.filter(func(item *domain.SecretItem) bool { return item.IsLegacy })
}

func (m *mockSecretRepository) FindNotOnKEKVersion(ctx context.Context, kekVersion string) ([]*domain.SecretItem, error) {
	return m.filter(func(item *domain.SecretItem) bool {
		return !item.IsLegacy && item.KEKVersion != kekVersion
	})
}

func (m *mockSecretRepository) CountByKEKVersion(ctx context.Context, kekVersion string) (int64, error) {
	items, err := m.filter(func(item *domain.SecretItem) bool { return item.KEKVersion == kekVersion })
	return int64(len(items)), err
}

func (m *mockSecretRepository) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[name]
	delete(m.items, name)
	return ok, nil
}

func (m *mockSecretRepository) filter(keep func(*domain.SecretItem) bool) ([]*domain.SecretItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var result []*domain.SecretItem
	for _, item := range m.items {
		if keep(item) {
			found := *item
			result = append(result, &found)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// mockKeyProvider は鍵素材をメモリに持つKeyProvider。
type mockKeyProvider struct {
	mu          sync.Mutex
	keys        map[string][]byte
	legacy      map[string][]byte // レガシー値 → 平文
	clock       time.Time
	generateErr error
	wrapErr     error
	deleted     []string
}

func newMockKeyProvider() *mockKeyProvider {
	return &mockKeyProvider{
		keys:   make(map[string][]byte),
		legacy: make(map[string][]byte),
		clock:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockKeyProvider) GenerateKeyVersion(ctx context.Context) (domain.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generateErr != nil {
		return domain.KeyVersion{}, m.generateErr
	}
	m.clock = m.clock.Add(24 * time.Hour)
	kv := domain.NewKeyVersion(m.clock, "")
	kv.PlatformKeyID = "kek/" + kv.ID
	key, err := cryptoutil.GenerateDEK()
	if err != nil {
		return domain.KeyVersion{}, err
	}
	m.keys[kv.ID] = key
	return kv, nil
}

func (m *mockKeyProvider) WrapDEK(ctx context.Context, kv domain.KeyVersion, dek []byte) ([]byte, error) {
	if m.wrapErr != nil {
		return nil, m.wrapErr
	}
	key, err := m.key(kv.ID)
	if err != nil {
		return nil, err
	}
	return cryptoutil.EncryptWithAAD(domain.AlgorithmAES256GCM, key, dek, []byte(kv.ID))
}

func (m *mockKeyProvider) UnwrapDEK(ctx context.Context, kv domain.KeyVersion, wrapped []byte) ([]byte, error) {
	key, err := m.key(kv.ID)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptWithAAD(domain.AlgorithmAES256GCM, key, wrapped, []byte(kv.ID))
}

func (m *mockKeyProvider) DeleteKeyVersion(ctx context.Context, kv domain.KeyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, kv.ID)
	m.deleted = append(m.deleted, kv.ID)
	return nil
}

func (m *mockKeyProvider) DecryptLegacy(ctx context.Context, value string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plaintext, ok := m.legacy[value]
	if !ok {
		return nil, errors.New("legacy value cannot be decrypted")
	}
	return slices.Clone(plaintext), nil
}

func (m *mockKeyProvider) key(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, fmt.Errorf("key material for %s not found", id)
	}
	return key, nil
}

func (m *mockKeyProvider) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[id]
	return ok
}

// mockKeyVersionRepository はテスト用のモック。
type mockKeyVersionRepository struct {
	mu       sync.Mutex
	state    *domain.RotationState
	versions map[string]domain.KeyVersion
	loadErr  error
	saveErr  error
	saves    int
}

func newMockKeyVersionRepository() *mockKeyVersionRepository {
	return &mockKeyVersionRepository{versions: make(map[string]domain.KeyVersion)}
}

func (m *mockKeyVersionRepository) LoadState(ctx context.Context) (*domain.RotationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.state, nil
}

func (m *mockKeyVersionRepository) SaveState(ctx context.Context, state *domain.RotationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	saved := *state
	saved.Available = slices.Clone(state.Available)
	m.state = &saved
	if state.Current != nil {
		m.versions[state.Current.ID] = *state.Current
	}
	for _, kv := range state.Available {
		m.versions[kv.ID] = kv
	}
	m.saves++
	return nil
}

func (m *mockKeyVersionRepository) Find(ctx context.Context, id string) (*domain.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv, ok := m.versions[id]
	if !ok {
		return nil, nil
	}
	return &kv, nil
}

func (m *mockKeyVersionRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, id)
	return nil
}

// mockAuditRepository はテスト用のモック。
type mockAuditRepository struct {
	mu        sync.Mutex
	entries   []domain.AuditEntry
	appendErr error
}

func (m *mockAuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockAuditRepository) Find(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.AuditEntry
	for _, e := range m.entries {
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// testEnv はサービスのテストで使う依存一式。
type testEnv struct {
	manager   *RotationManager
	provider  *mockKeyProvider
	secrets   *mockSecretRepository
	states    *mockKeyVersionRepository
	audits    *mockAuditRepository
	secretSvc *SecretService
	rotation  *RotationService
	migration *MigrationService
}

func newTestEnv(opts ...ManagerOption) *testEnv {
	env := &testEnv{
		provider: newMockKeyProvider(),
		secrets:  newMockSecretRepository(),
		states:   newMockKeyVersionRepository(),
		audits:   &mockAuditRepository{},
	}
	opts = append(opts, WithAuditSink(NewAuditRepositorySink(env.audits)))
	env.manager = NewRotationManager(opts...)
	env.secretSvc = NewSecretService(env.secrets, env.provider, env.manager, domain.AlgorithmAES256GCM)
	env.rotation = NewRotationService(env.manager, env.provider, env.secretSvc, env.secrets, env.states, env.audits, 4)
	env.migration = NewMigrationService(env.secrets, env.secretSvc, env.provider, env.manager)
	return env
}
