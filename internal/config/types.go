package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 持久层模式。
const (
	StorageModeFile   = "file"
	StorageModeMemory = "memory"
	StorageModeNone   = "none"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述网关进程级参数：监听、日志、缓存持久层与远端 API。
type GlobalConfig struct {
	ListenPort     int      `mapstructure:"ListenPort"`
	LogLevel       string   `mapstructure:"LogLevel"`
	LogFilePath    string   `mapstructure:"LogFilePath"`
	LogMaxSize     int      `mapstructure:"LogMaxSize"`
	LogMaxBackups  int      `mapstructure:"LogMaxBackups"`
	LogCompress    bool     `mapstructure:"LogCompress"`
	StorageMode    string   `mapstructure:"StorageMode"`
	StoragePath    string   `mapstructure:"StoragePath"`
	StorageQuota   int      `mapstructure:"StorageQuota"`
	CacheNamespace string   `mapstructure:"CacheNamespace"`
	CacheCapacity  int      `mapstructure:"CacheCapacity"`
	APIBaseURL     string   `mapstructure:"APIBaseURL"`
	APIToken       string   `mapstructure:"APIToken"`
	APITimeout     Duration `mapstructure:"APITimeout"`
	MaxRetries     int      `mapstructure:"MaxRetries"`
	InitialBackoff Duration `mapstructure:"InitialBackoff"`
}

// ResourceConfig 覆盖单个缓存键（或 "collection:" 这类前缀项）的过期阈值。
type ResourceConfig struct {
	Key       string   `mapstructure:"Key"`
	StaleTime Duration `mapstructure:"StaleTime"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	Resources []ResourceConfig `mapstructure:"Resource"`
}

// StaleTimeOverrides 把 [[Resource]] 表转换为 cache.Catalog 可接受的覆盖项。
func (c *Config) StaleTimeOverrides() map[string]time.Duration {
	if len(c.Resources) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.Resources))
	for _, res := range c.Resources {
		out[res.Key] = res.StaleTime.DurationValue()
	}
	return out
}

// HasToken 表示是否配置了远端 API 令牌，供日志字段使用。
func (g GlobalConfig) HasToken() bool {
	return g.APIToken != ""
}
