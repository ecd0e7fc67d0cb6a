package usecase

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"secure-storage-service/internal/domain"
)

// StartOptions はローテーション開始時のオプション。
type StartOptions struct {
	// Force は手動ローテーションが無効なポリシーでも開始を許可する。
	Force bool
}

type managerOptions struct {
	policy         domain.RotationPolicy
	now            func() time.Time
	handlerTimeout time.Duration
	auditCapacity  int
	auditSink      AuditSink
}

// ManagerOption はRotationManagerの構築オプション。
type ManagerOption func(*managerOptions)

// WithPolicy は初期ポリシーを設定する。
func WithPolicy(p domain.RotationPolicy) ManagerOption {
	return func(o *managerOptions) { o.policy = p }
}

// WithClock は時刻の取得元を差し替える。
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

// WithHandlerTimeout はイベントハンドラ1件あたりのタイムアウトを設定する。
func WithHandlerTimeout(d time.Duration) ManagerOption {
	return func(o *managerOptions) { o.handlerTimeout = d }
}

// WithAuditCapacity は監査ログの保持件数を設定する。
func WithAuditCapacity(n int) ManagerOption {
	return func(o *managerOptions) { o.auditCapacity = n }
}

// WithAuditSink は監査エントリの転送先を設定する。
func WithAuditSink(s AuditSink) ManagerOption {
	return func(o *managerOptions) { o.auditSink = s }
}

// RotationManager はKEKバージョンのライフサイクルを管理するステートマシン。
//
// 状態は Uninitialized → Idle ⇄ Rotating の3つ。状態遷移はすべてミューテックスの
// 内側で行い、イベントハンドラの呼び出しはロックを解放してから行う。
// そのためハンドラからマネージャのメソッドを呼び出してもデッドロックしない。
type RotationManager struct {
	mu             sync.Mutex
	policy         domain.RotationPolicy
	current        *domain.KeyVersion
	available      []domain.KeyVersion
	lastRotationAt time.Time
	rotating       bool
	pending        *domain.KeyVersion
	evictionHolds  int

	events *EventDispatcher
	audit  *AuditLog
	now    func() time.Time
}

// NewRotationManager は新しいRotationManagerを生成する。
func NewRotationManager(opts ...ManagerOption) *RotationManager {
	o := managerOptions{
		policy:        domain.DefaultRotationPolicy(),
		now:           time.Now,
		auditCapacity: domain.DefaultAuditCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &RotationManager{
		policy: o.policy,
		events: NewEventDispatcher(o.handlerTimeout),
		audit:  NewAuditLog(o.auditCapacity, o.auditSink, o.now),
		now:    o.now,
	}
}

// Initialize は現在のキーバージョンと復号可能なバージョン一覧を設定する。
// lastRotationAt がゼロ値の場合は時間ベースのローテーションが判定されない。
func (m *RotationManager) Initialize(ctx context.Context, current domain.KeyVersion, available []domain.KeyVersion, lastRotationAt time.Time) {
	m.mu.Lock()
	cur := current
	m.current = &cur
	m.available = slices.Clone(available)
	domain.SortKeyVersions(m.available)
	m.lastRotationAt = lastRotationAt
	m.rotating = false
	m.pending = nil
	m.mu.Unlock()

	m.audit.Append(ctx, domain.AuditEntry{
		EventType:  domain.AuditKeyGenerated,
		KeyVersion: current.ID,
	})
}

// ShouldRotate は指定した理由でローテーションが必要かを判定する。
func (m *RotationManager) ShouldRotate(reason domain.RotationReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.policy.Enabled || m.current == nil || m.lastRotationAt.IsZero() {
		return false
	}

	switch reason {
	case domain.RotationReasonTimeBased:
		return m.now().Sub(m.lastRotationAt) > m.policy.RotationInterval
	case domain.RotationReasonBiometricChange:
		return m.policy.RotateOnBiometricChange
	case domain.RotationReasonCredentialChange:
		return m.policy.RotateOnCredentialChange
	default:
		return false
	}
}

// StartRotation はローテーションを開始し、Rotating 状態へ遷移する。
// ハンドラが失敗しても遷移は確定しており、ErrEventHandler でラップしたエラーを返す。
func (m *RotationManager) StartRotation(ctx context.Context, next domain.KeyVersion, reason domain.RotationReason, opts StartOptions) error {
	m.mu.Lock()
	if m.rotating {
		m.mu.Unlock()
		return domain.ErrRotationInProgress
	}
	if m.current == nil {
		m.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if reason == domain.RotationReasonManual && !m.policy.ManualRotationEnabled && !opts.Force {
		m.mu.Unlock()
		return domain.ErrManualRotationDisabled
	}
	pending := next
	m.rotating = true
	m.pending = &pending
	previous := m.current.ID
	m.mu.Unlock()

	err := m.events.Emit(ctx, domain.RotationStartedEvent{
		Timestamp:          m.now().UTC(),
		Reason:             reason,
		PreviousKeyVersion: previous,
		NewKeyVersion:      next.ID,
	})
	m.audit.Append(ctx, domain.AuditEntry{
		EventType:          domain.AuditKeyRotated,
		KeyVersion:         next.ID,
		PreviousKeyVersion: previous,
		Reason:             reason,
	})
	return handlerError(err)
}

// CompleteRotation は新しいキーバージョンを現在のキーにしてローテーションを終える。
// 旧キーは復号用に残し、MaxKeyVersions を超えた古いバージョンは一覧から外す。
// HoldEviction で保留中の場合は一覧から外さない。
func (m *RotationManager) CompleteRotation(ctx context.Context, next domain.KeyVersion, itemsReEncrypted int, duration time.Duration) error {
	m.mu.Lock()
	if !m.rotating {
		m.mu.Unlock()
		return domain.ErrNoRotationInProgress
	}
	if m.current == nil {
		m.mu.Unlock()
		return domain.ErrNotInitialized
	}
	outgoing := *m.current
	cur := next
	m.current = &cur
	limit := m.policy.MaxKeyVersions
	if m.evictionHolds > 0 {
		limit = 0
	}
	m.available = rebuildAvailable(next, outgoing, m.available, limit)
	m.lastRotationAt = m.now()
	m.rotating = false
	m.pending = nil
	m.mu.Unlock()

	err := m.events.Emit(ctx, domain.RotationCompletedEvent{
		Timestamp:          m.now().UTC(),
		PreviousKeyVersion: outgoing.ID,
		NewKeyVersion:      next.ID,
		ItemsReEncrypted:   itemsReEncrypted,
		Duration:           duration,
	})
	m.audit.Append(ctx, domain.AuditEntry{
		EventType:          domain.AuditMigrationCompleted,
		KeyVersion:         next.ID,
		PreviousKeyVersion: outgoing.ID,
		ItemsAffected:      itemsReEncrypted,
	})
	return handlerError(err)
}

// FailRotation は進行中のローテーションを中断する。キーは切り替わらない。
// ローテーション中でなければ何もしない。
func (m *RotationManager) FailRotation(ctx context.Context, cause error, recoverable bool) error {
	m.mu.Lock()
	if !m.rotating {
		m.mu.Unlock()
		return nil
	}
	var keyVersion string
	if m.pending != nil {
		keyVersion = m.pending.ID
	}
	m.rotating = false
	m.pending = nil
	m.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	err := m.events.Emit(ctx, domain.RotationFailedEvent{
		Timestamp:   m.now().UTC(),
		KeyVersion:  keyVersion,
		Err:         cause,
		Recoverable: recoverable,
	})
	m.audit.Append(ctx, domain.AuditEntry{
		EventType:  domain.AuditRotationFailed,
		KeyVersion: keyVersion,
		Error:      msg,
		Details:    map[string]string{"recoverable": strconv.FormatBool(recoverable)},
	})
	return handlerError(err)
}

// HandleBiometricChange は生体認証の変更を通知する。
// ポリシーで無効な場合は何もしない。ローテーション自体は開始しない。
func (m *RotationManager) HandleBiometricChange(ctx context.Context, platform string) error {
	return m.handleEnvironmentChange(ctx, domain.EventBiometricChange, platform)
}

// HandleCredentialChange は端末の認証情報の変更を通知する。
func (m *RotationManager) HandleCredentialChange(ctx context.Context, platform string) error {
	return m.handleEnvironmentChange(ctx, domain.EventCredentialChange, platform)
}

func (m *RotationManager) handleEnvironmentChange(ctx context.Context, kind domain.EventKind, platform string) error {
	m.mu.Lock()
	var enabled bool
	var auditType domain.AuditEventType
	switch kind {
	case domain.EventBiometricChange:
		enabled = m.policy.RotateOnBiometricChange
		auditType = domain.AuditBiometricChange
	case domain.EventCredentialChange:
		enabled = m.policy.RotateOnCredentialChange
		auditType = domain.AuditCredentialChange
	}
	m.mu.Unlock()

	if !enabled {
		return nil
	}

	err := m.events.Emit(ctx, domain.EnvironmentChangeEvent{
		Timestamp:      m.now().UTC(),
		Change:         kind,
		Platform:       platform,
		ActionRequired: true,
	})
	m.audit.Append(ctx, domain.AuditEntry{
		EventType: auditType,
		Platform:  platform,
	})
	return handlerError(err)
}

// AddKeyVersion は復号可能なキーバージョンを追加する。同じIDがあれば何もしない。
func (m *RotationManager) AddKeyVersion(kv domain.KeyVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slices.ContainsFunc(m.available, func(v domain.KeyVersion) bool { return v.ID == kv.ID }) {
		return
	}
	m.available = append(m.available, kv)
	domain.SortKeyVersions(m.available)
}

// RemoveKeyVersion はキーバージョンを一覧から外し、key_deleted を監査ログに残す。
// 該当するバージョンがなくても監査ログは残る。
func (m *RotationManager) RemoveKeyVersion(ctx context.Context, id string) bool {
	m.mu.Lock()
	before := len(m.available)
	m.available = slices.DeleteFunc(m.available, func(v domain.KeyVersion) bool { return v.ID == id })
	removed := len(m.available) != before
	m.mu.Unlock()

	m.audit.Append(ctx, domain.AuditEntry{
		EventType:  domain.AuditKeyDeleted,
		KeyVersion: id,
	})
	return removed
}

// HoldEviction は ReleaseEviction が呼ばれるまで、復号可能な一覧を
// MaxKeyVersions で切り詰めないようにする。呼び出しは入れ子にできる。
func (m *RotationManager) HoldEviction() {
	m.mu.Lock()
	m.evictionHolds++
	m.mu.Unlock()
}

// ReleaseEviction は HoldEviction を1つ解除する。保留がなくなった場合は一覧を
// MaxKeyVersions まで切り詰め、外したバージョンを返す。現在のキーと keep に含まれる
// バージョンは上限を超えても残す。
func (m *RotationManager) ReleaseEviction(keep map[string]bool) []domain.KeyVersion {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.evictionHolds > 0 {
		m.evictionHolds--
	}
	limit := m.policy.MaxKeyVersions
	if m.evictionHolds > 0 || limit <= 0 || len(m.available) <= limit {
		return nil
	}

	kept := make([]domain.KeyVersion, 0, len(m.available))
	var evicted []domain.KeyVersion
	for _, v := range m.available {
		isCurrent := m.current != nil && m.current.ID == v.ID
		if len(kept) < limit || isCurrent || keep[v.ID] {
			kept = append(kept, v)
			continue
		}
		evicted = append(evicted, v)
	}
	m.available = kept
	return evicted
}

// GetAvailableKeyVersions は復号可能なキーバージョンのコピーを返す。
func (m *RotationManager) GetAvailableKeyVersions() []domain.KeyVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.available)
}

// GetCurrentKeyVersion は現在のキーバージョンを返す。初期化前は nil。
func (m *RotationManager) GetCurrentKeyVersion() *domain.KeyVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cur := *m.current
	return &cur
}

// FindKeyVersionForDecryption は復号に使うキーバージョンを探す。
// 現在のキーを優先し、次に復号可能な一覧を探す。見つからなければ nil。
func (m *RotationManager) FindKeyVersionForDecryption(id string) *domain.KeyVersion {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.ID == id {
		cur := *m.current
		return &cur
	}
	for _, v := range m.available {
		if v.ID == id {
			found := v
			return &found
		}
	}
	return nil
}

// GetRotationStatus は現在のローテーション状態を返す。
func (m *RotationManager) GetRotationStatus() domain.RotationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := domain.RotationStatus{
		IsRotating:           m.rotating,
		LastRotationAt:       m.lastRotationAt,
		AvailableKeyVersions: len(m.available),
	}
	if m.current != nil {
		cur := *m.current
		status.CurrentKeyVersion = &cur
	}
	if !m.lastRotationAt.IsZero() && m.policy.Enabled {
		status.NextRotationDue = m.lastRotationAt.Add(m.policy.RotationInterval)
	}
	return status
}

// GetPolicy は現在のポリシーを返す。
func (m *RotationManager) GetPolicy() domain.RotationPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// UpdatePolicy は指定されたフィールドだけをポリシーに反映する。
func (m *RotationManager) UpdatePolicy(update domain.RotationPolicyUpdate) domain.RotationPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = update.Apply(m.policy)
	return m.policy
}

// On はイベントハンドラを登録する。
func (m *RotationManager) On(kind domain.EventKind, fn EventHandler) HandlerID {
	return m.events.On(kind, fn)
}

// Off はイベントハンドラの登録を解除する。
func (m *RotationManager) Off(kind domain.EventKind, id HandlerID) bool {
	return m.events.Off(kind, id)
}

// GetAuditLog は条件に一致する監査エントリを返す。
func (m *RotationManager) GetAuditLog(q domain.AuditQuery) []domain.AuditEntry {
	return m.audit.Query(q)
}

// RecordAudit は任意の監査エントリを追記する。
func (m *RotationManager) RecordAudit(ctx context.Context, entry domain.AuditEntry) domain.AuditEntry {
	return m.audit.Append(ctx, entry)
}

func rebuildAvailable(next, outgoing domain.KeyVersion, previous []domain.KeyVersion, limit int) []domain.KeyVersion {
	out := make([]domain.KeyVersion, 0, len(previous)+2)
	out = append(out, next)
	if outgoing.ID != next.ID {
		out = append(out, outgoing)
	}
	for _, v := range previous {
		if v.ID == next.ID || v.ID == outgoing.ID {
			continue
		}
		out = append(out, v)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func handlerError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrEventHandler, err)
}
