package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/linkdeck/linkdeck/internal/cache"
)

const supportedStorageModes = "file|memory|none"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StorageMode {
	case StorageModeFile:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "file 模式下不能为空")
		}
	case StorageModeMemory:
		if g.StorageQuota <= 0 {
			return newFieldError("Global.StorageQuota", "memory 模式下必须大于 0")
		}
	case StorageModeNone:
	default:
		return newFieldError("Global.StorageMode", "仅支持 "+supportedStorageModes)
	}
	if g.CacheNamespace == "" {
		return newFieldError("Global.CacheNamespace", "不能为空")
	}
	if g.CacheCapacity <= 0 {
		return newFieldError("Global.CacheCapacity", "必须大于 0")
	}
	if err := validateBaseURL(g.APIBaseURL); err != nil {
		return fmt.Errorf("Global.APIBaseURL: %w", err)
	}
	if g.APITimeout.DurationValue() <= 0 {
		return newFieldError("Global.APITimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}

	catalog := cache.DefaultCatalog()
	seen := map[string]struct{}{}
	for _, res := range c.Resources {
		if res.Key == "" {
			return newFieldError("Resource[].Key", "不能为空")
		}
		if _, exists := seen[res.Key]; exists {
			return newFieldError(resourceField(res.Key, "Key"), "重复")
		}
		seen[res.Key] = struct{}{}
		if !catalog.Known(res.Key) {
			return newFieldError(resourceField(res.Key, "Key"), "未知的缓存键")
		}
		if res.StaleTime.DurationValue() <= 0 {
			return newFieldError(resourceField(res.Key, "StaleTime"), "必须大于 0")
		}
	}

	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("缺少远端 API 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
