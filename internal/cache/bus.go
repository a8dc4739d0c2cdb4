package cache

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event 是一次失效广播。Keys 为空表示“全部失效”。
type Event struct {
	Keys []string
}

// Matches 判断事件是否覆盖 key：精确匹配，或事件未携带任何 key。
func (e Event) Matches(key string) bool {
	if len(e.Keys) == 0 {
		return true
	}
	for _, k := range e.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Bus 是进程内的失效广播通道。生产者调用 Invalidate，消费者通过 Subscribe 自行过滤，
// 双方互不感知；Bus 本身只认识字符串集合，不理解主题。
type Bus struct {
	store  *Store
	logger logrus.FieldLogger

	mu     sync.Mutex
	subs   []subscription
	nextID uint64
}

type subscription struct {
	id      uint64
	handler func(Event)
}

// NewBus 构建绑定到 store 的失效总线。
func NewBus(store *Store, logger logrus.FieldLogger) *Bus {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &Bus{store: store, logger: logger}
}

// Invalidate 先从 Store 删除 keys，再按订阅顺序同步广播事件。即使某些 key 从未被缓存也会广播。
// 不带参数调用时清空 Store 并广播“全部失效”。
func (b *Bus) Invalidate(keys ...string) {
	if b.store != nil {
		if len(keys) == 0 {
			b.store.Clear()
		} else {
			b.store.Drop(keys...)
		}
	}

	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	event := Event{Keys: append([]string(nil), keys...)}
	b.logger.WithFields(logrus.Fields{
		"action":      "cache_invalidate",
		"keys":        event.Keys,
		"subscribers": len(subs),
	}).Debug("cache invalidated")

	for _, sub := range subs {
		b.dispatch(sub, event)
	}
}

// Subscribe 注册 handler，返回的函数用于撤销订阅（可重复调用）。
func (b *Bus) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

// Subscribers 返回当前订阅数量。
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close 丢弃全部订阅。
func (b *Bus) Close() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// dispatch 隔离单个 handler 的 panic，保证其余订阅者仍能收到事件。
func (b *Bus) dispatch(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"action":     "cache_invalidate",
				"subscriber": sub.id,
			}).Error(fmt.Sprintf("invalidation handler panic: %v", r))
		}
	}()
	sub.handler(event)
}
