package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"secure-storage-service/internal/domain"
)

// EventHandler はローテーションイベントのハンドラ。
type EventHandler func(ctx context.Context, event domain.RotationEvent) error

// HandlerID は登録済みハンドラの識別子。Off で登録解除に使う。
type HandlerID uint64

type registeredHandler struct {
	id HandlerID
	fn EventHandler
}

// EventDispatcher はイベント種別ごとにハンドラを保持し、登録順に同期実行する。
// 1つのハンドラが失敗しても残りのハンドラは実行され、エラーはまとめて返される。
type EventDispatcher struct {
	mu       sync.RWMutex
	nextID   HandlerID
	handlers map[domain.EventKind][]registeredHandler
	timeout  time.Duration
}

// NewEventDispatcher は新しいEventDispatcherを生成する。timeout が0以下の場合は無制限。
func NewEventDispatcher(timeout time.Duration) *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[domain.EventKind][]registeredHandler),
		timeout:  timeout,
	}
}

// On はハンドラを登録する。
func (d *EventDispatcher) On(kind domain.EventKind, fn EventHandler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[kind] = append(d.handlers[kind], registeredHandler{id: d.nextID, fn: fn})
	return d.nextID
}

// Off はハンドラの登録を解除する。
func (d *EventDispatcher) Off(kind domain.EventKind, id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[kind]
	for i, h := range list {
		if h.id == id {
			d.handlers[kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Emit はイベントを登録済みの全ハンドラへ順に配送する。
func (d *EventDispatcher) Emit(ctx context.Context, event domain.RotationEvent) error {
	d.mu.RLock()
	handlers := append([]registeredHandler(nil), d.handlers[event.Kind()]...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := d.invoke(ctx, h.fn, event); err != nil {
			errs = append(errs, fmt.Errorf("%s handler #%d: %w", event.Kind(), h.id, err))
		}
	}
	return errors.Join(errs...)
}

func (d *EventDispatcher) invoke(ctx context.Context, fn EventHandler, event domain.RotationEvent) error {
	if d.timeout <= 0 {
		return callHandler(ctx, fn, event)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- callHandler(ctx, fn, event)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// ハンドラのゴルーチンは放置される。結果はバッファ付きチャネルに捨てられる
		return fmt.Errorf("handler did not return: %w", ctx.Err())
	}
}

func callHandler(ctx context.Context, fn EventHandler, event domain.RotationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, event)
}
