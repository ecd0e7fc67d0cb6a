package usecase

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"secure-storage-service/internal/domain"
)

// AuditSink は監査エントリの永続化先。失敗は実装側で処理する。
type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry)
}

// AuditSinkFunc は関数をAuditSinkとして扱う。
type AuditSinkFunc func(ctx context.Context, entry domain.AuditEntry)

// Record は AuditSink を実装する。
func (f AuditSinkFunc) Record(ctx context.Context, entry domain.AuditEntry) {
	f(ctx, entry)
}

// AuditLog は上限付きの追記専用監査ログ。上限を超えると古いものから破棄する。
type AuditLog struct {
	mu       sync.RWMutex
	entries  []domain.AuditEntry
	capacity int
	sink     AuditSink
	now      func() time.Time
}

// NewAuditLog は新しいAuditLogを生成する。
func NewAuditLog(capacity int, sink AuditSink, now func() time.Time) *AuditLog {
	if capacity <= 0 {
		capacity = domain.DefaultAuditCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &AuditLog{
		entries:  make([]domain.AuditEntry, 0, capacity),
		capacity: capacity,
		sink:     sink,
		now:      now,
	}
}

// Append はエントリを追加し、IDと時刻を補完したエントリを返す。
func (l *AuditLog) Append(ctx context.Context, entry domain.AuditEntry) domain.AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	entry.Details = maps.Clone(entry.Details)

	l.mu.Lock()
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.capacity-1]
	}
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.Record(ctx, entry)
	}
	return entry
}

// Query は条件に一致するエントリを古い順に返す。
// Limit はほかの条件を適用した後の最新N件。
func (l *AuditLog) Query(q domain.AuditQuery) []domain.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.AuditEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		result = append(result, e)
	}
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[len(result)-q.Limit:]
	}
	return result
}

// Len は保持しているエントリ数を返す。
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
