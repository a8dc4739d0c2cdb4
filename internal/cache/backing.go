package cache

import (
	"errors"
	"sort"
	"sync"
)

// Backing 是持久层（durable tier）的最小 KV 契约。实现可以返回错误，也可以静默失败，
// Store 会把所有错误视为“不可用”而不是向外传播。
type Backing interface {
	// Get 返回 key 对应的原始字节，不存在时返回 ErrNotFound。
	Get(key string) ([]byte, error)
	// Set 覆盖写入 key。配额不足时实现应返回 ErrQuotaExceeded。
	Set(key string, value []byte) error
	// Remove 删除 key，对不存在的 key 必须是幂等的。
	Remove(key string) error
	// Keys 枚举当前全部 key，供命名空间扫描使用。
	Keys() ([]string, error)
}

var (
	// ErrNotFound 表示持久层中不存在该条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrQuotaExceeded 表示持久层容量已满。
	ErrQuotaExceeded = errors.New("backing store quota exceeded")
	// ErrBackingUnavailable 表示持久层被禁用或无法访问。
	ErrBackingUnavailable = errors.New("backing store unavailable")
)

// MemoryBacking 是进程内的持久层替身，用于没有磁盘的环境与测试。
type MemoryBacking struct {
	mu    sync.Mutex
	data  map[string][]byte
	quota int
	used  int
}

// NewMemoryBacking 创建内存持久层；quota > 0 时限制所有值的总字节数。
func NewMemoryBacking(quota int) *MemoryBacking {
	return &MemoryBacking{
		data:  make(map[string][]byte),
		quota: quota,
	}
}

func (m *MemoryBacking) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryBacking) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.used - len(m.data[key]) + len(value)
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}
	m.data[key] = append([]byte(nil), value...)
	m.used = next
	return nil
}

func (m *MemoryBacking) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value, ok := m.data[key]; ok {
		m.used -= len(value)
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryBacking) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// NopBacking 模拟被禁用的持久层（例如隐私模式），所有操作都失败。
type NopBacking struct{}

func (NopBacking) Get(string) ([]byte, error) { return nil, ErrBackingUnavailable }
func (NopBacking) Set(string, []byte) error   { return ErrBackingUnavailable }
func (NopBacking) Remove(string) error        { return ErrBackingUnavailable }
func (NopBacking) Keys() ([]string, error)    { return nil, ErrBackingUnavailable }
