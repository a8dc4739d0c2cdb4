package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// 逻辑缓存键。新增缓存资源时只需在这里追加一项，Store 本身对键无感知。
const (
	KeyOverview = "overview"
	KeyHome     = "home"
	KeyFolders  = "folders"
	KeyMyFiles  = "myfiles"
	KeyTags     = "tags"

	// PrefixCollection 是按文件夹 ID 派生的层级键前缀。
	PrefixCollection = "collection:"
)

// DefaultStaleTime 是目录中找不到任何匹配项时使用的兜底阈值。
const DefaultStaleTime = time.Minute

// CollectionKey 返回单个收藏夹视图的缓存键，例如 collection:42。
func CollectionKey(id string) string {
	return PrefixCollection + id
}

// Catalog 是逻辑键与默认过期阈值的静态目录。以 ":" 结尾的键视为前缀项。
type Catalog struct {
	entries map[string]time.Duration
}

// DefaultCatalog 返回内置的键目录。
func DefaultCatalog() Catalog {
	return Catalog{entries: map[string]time.Duration{
		KeyOverview:      60 * time.Second,
		KeyHome:          60 * time.Second,
		KeyFolders:       300 * time.Second,
		KeyMyFiles:       120 * time.Second,
		KeyTags:          600 * time.Second,
		PrefixCollection: 120 * time.Second,
	}}
}

// Known 判断 key 是否是目录中声明过的键（精确键或前缀项本身）。
func (c Catalog) Known(key string) bool {
	_, ok := c.entries[key]
	return ok
}

// Keys 返回目录中的全部键，按字典序排列。
func (c Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// StaleTime 先匹配精确键，再匹配最长前缀项，最后回退到 DefaultStaleTime。
func (c Catalog) StaleTime(key string) time.Duration {
	if ttl, ok := c.entries[key]; ok {
		return ttl
	}
	best := ""
	for entry := range c.entries {
		if !strings.HasSuffix(entry, ":") || !strings.HasPrefix(key, entry) {
			continue
		}
		if len(entry) > len(best) {
			best = entry
		}
	}
	if best != "" {
		return c.entries[best]
	}
	return DefaultStaleTime
}

// WithOverrides 返回应用了覆盖项的目录副本，未知键会返回错误。
func (c Catalog) WithOverrides(overrides map[string]time.Duration) (Catalog, error) {
	out := Catalog{entries: make(map[string]time.Duration, len(c.entries))}
	for key, ttl := range c.entries {
		out.entries[key] = ttl
	}
	for key, ttl := range overrides {
		if !c.Known(key) {
			return Catalog{}, fmt.Errorf("unknown cache key %q", key)
		}
		if ttl <= 0 {
			return Catalog{}, fmt.Errorf("stale time for %q must be positive", key)
		}
		out.entries[key] = ttl
	}
	return out, nil
}
