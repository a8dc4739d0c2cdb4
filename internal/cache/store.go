package cache

import (
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultNamespace 是持久层中本 Store 独占的 key 前缀。
	DefaultNamespace = "linkdeck:cache:"
	// DefaultCapacity 是内存层的条目上限。
	DefaultCapacity = 100
)

// StoreOptions 控制 Store 的命名空间、容量、时钟与日志。
type StoreOptions struct {
	Namespace string
	Capacity  int
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

// Store 是两级缓存：内存 map + 持久层 Backing。内存层写入时同步写穿到持久层，
// 内存未命中时从持久层回填（hydrate）。任何存储错误都降级为“未命中”，不会向外传播。
type Store struct {
	backing   Backing
	namespace string
	capacity  int
	now       func() time.Time
	logger    logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

type entry struct {
	// value 是调用方写入的值；从持久层回填的条目在被 Lookup 解码前保存为 json.RawMessage。
	value     any
	writtenAt time.Time
	seq       uint64
}

// envelope 是持久层中的记录格式。
type envelope struct {
	Value     json.RawMessage `json:"v"`
	WrittenAt int64           `json:"t"`
}

// Stats 汇总 Store 的当前状态，供诊断接口输出。
type Stats struct {
	Namespace string   `json:"namespace"`
	Capacity  int      `json:"capacity"`
	Resident  int      `json:"resident"`
	Keys      []string `json:"keys"`
}

// NewStore 构建 Store；backing 为 nil 时仅使用内存层。
func NewStore(backing Backing, opts StoreOptions) *Store {
	if backing == nil {
		backing = NopBacking{}
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		opts.Logger = discard
	}
	return &Store{
		backing:   backing,
		namespace: opts.Namespace,
		capacity:  opts.Capacity,
		now:       opts.Now,
		logger:    opts.Logger,
		entries:   make(map[string]*entry),
	}
}

// Get 返回内存层的值；未命中时尝试从持久层回填。尚未被 Lookup 解码的回填值
// 按通用 JSON 形态（map[string]any、[]any 等）解码后返回，但不替换内存层的原始数据，
// 以便后续 Lookup 仍能解码为具体类型。
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.load(key)
	if e == nil {
		return nil, false
	}
	raw, ok := e.value.(json.RawMessage)
	if !ok {
		return e.value, true
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		s.logger.WithError(err).WithField("key", key).Debug("cache_decode_failed")
		return nil, false
	}
	return decoded, true
}

// WrittenAt 返回 key 的写入时间；回填条目保留持久层记录的原始时间。
func (s *Store) WrittenAt(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.load(key)
	if e == nil {
		return time.Time{}, false
	}
	return e.writtenAt, true
}

// Now 返回 Store 使用的时钟读数。
func (s *Store) Now() time.Time {
	return s.now()
}

// Lookup 以类型 V 读取 key。持久层回填的 JSON 在首次读取时解码；V 为具体类型时
// 解码结果替换内存层的值（保留原 writtenAt），V 为接口类型时不替换。
// 类型不匹配或解码失败视为未命中。
func Lookup[V any](s *Store, key string) (V, bool) {
	var zero V
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.load(key)
	if e == nil {
		return zero, false
	}
	if raw, ok := e.value.(json.RawMessage); ok {
		var decoded V
		if err := json.Unmarshal(raw, &decoded); err != nil {
			s.logger.WithError(err).WithField("key", key).Debug("cache_decode_failed")
			return zero, false
		}
		if reflect.TypeFor[V]().Kind() != reflect.Interface {
			e.value = decoded
		}
		return decoded, true
	}
	v, ok := e.value.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set 先做淘汰检查，再以当前时间写入内存层与持久层。持久层写入失败只记录日志。
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists {
		s.evictLocked()
	}

	now := s.now()
	s.seq++
	s.entries[key] = &entry{value: value, writtenAt: now, seq: s.seq}

	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("cache_encode_failed")
		return
	}
	record, err := json.Marshal(envelope{Value: raw, WrittenAt: now.UnixMilli()})
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("cache_encode_failed")
		return
	}
	if err := s.backing.Set(s.namespace+key, record); err != nil {
		s.logger.WithError(err).WithField("key", key).Debug("cache_persist_failed")
	}
}

// Has 判断 key 是否在内存层，或可以从持久层回填。
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key) != nil
}

// IsStale 在未知写入时间时返回 true（宁可重新拉取），否则比较 now - writtenAt 与 maxAge。
func (s *Store) IsStale(key string, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.load(key)
	if e == nil {
		return true
	}
	return s.now().Sub(e.writtenAt) > maxAge
}

// Drop 从两级缓存中删除给定 key，对不存在的 key 幂等。
func (s *Store) Drop(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.removeLocked(key)
	}
}

// DropByPrefix 同时扫描内存层与持久层：某些 key 可能只存在于持久层（本次会话从未回填）。
func (s *Store) DropByPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.removeLocked(key)
		}
	}
	for _, key := range s.durableKeysLocked() {
		if strings.HasPrefix(key, prefix) {
			s.removeLocked(key)
		}
	}
}

// Clear 删除本 Store 拥有的全部状态，不触碰命名空间之外的持久层 key。
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.durableKeysLocked() {
		if err := s.backing.Remove(s.namespace + key); err != nil {
			s.logger.WithError(err).WithField("key", key).Debug("cache_remove_failed")
		}
	}
	s.entries = make(map[string]*entry)
}

// Keys 返回内存层常驻的 key，按字典序排列。
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len 返回内存层常驻条目数。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats 返回诊断快照。
func (s *Store) Stats() Stats {
	keys := s.Keys()
	return Stats{
		Namespace: s.namespace,
		Capacity:  s.capacity,
		Resident:  len(keys),
		Keys:      keys,
	}
}

// Close 释放内存层；持久层保持不变，供下次启动回填。
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// load 返回内存条目，未命中时从持久层回填。调用方必须持有 s.mu。
func (s *Store) load(key string) *entry {
	if e, ok := s.entries[key]; ok {
		return e
	}

	raw, err := s.backing.Get(s.namespace + key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.WithError(err).WithField("key", key).Debug("cache_hydrate_failed")
		}
		return nil
	}
	var record envelope
	if err := json.Unmarshal(raw, &record); err != nil || len(record.Value) == 0 {
		s.logger.WithField("key", key).Debug("cache_record_corrupt")
		return nil
	}

	s.evictLocked()
	s.seq++
	e := &entry{
		value:     record.Value,
		writtenAt: time.UnixMilli(record.WrittenAt),
		seq:       s.seq,
	}
	s.entries[key] = e
	return e
}

// evictLocked 在内存层达到容量时按 writtenAt 升序批量淘汰最旧的 1/4，
// 避免每次插入都触发淘汰。
func (s *Store) evictLocked() {
	if len(s.entries) < s.capacity {
		return
	}

	type candidate struct {
		key string
		at  time.Time
		seq uint64
	}
	candidates := make([]candidate, 0, len(s.entries))
	for key, e := range s.entries {
		candidates = append(candidates, candidate{key: key, at: e.writtenAt, seq: e.seq})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].seq < candidates[j].seq
		}
		return candidates[i].at.Before(candidates[j].at)
	})

	n := s.capacity / 4
	if n < 1 {
		n = 1
	}
	evicted := make([]string, 0, n)
	for _, c := range candidates[:n] {
		s.removeLocked(c.key)
		evicted = append(evicted, c.key)
	}
	s.logger.WithFields(logrus.Fields{
		"action":  "cache_evict",
		"evicted": len(evicted),
		"keys":    evicted,
	}).Debug("cache eviction")
}

func (s *Store) removeLocked(key string) {
	delete(s.entries, key)
	if err := s.backing.Remove(s.namespace + key); err != nil {
		s.logger.WithError(err).WithField("key", key).Debug("cache_remove_failed")
	}
}

// durableKeysLocked 返回持久层中属于本命名空间的 key（已去掉前缀）。
func (s *Store) durableKeysLocked() []string {
	all, err := s.backing.Keys()
	if err != nil {
		s.logger.WithError(err).Debug("cache_list_failed")
		return nil
	}
	keys := make([]string, 0, len(all))
	for _, key := range all {
		if strings.HasPrefix(key, s.namespace) {
			keys = append(keys, strings.TrimPrefix(key, s.namespace))
		}
	}
	return keys
}
