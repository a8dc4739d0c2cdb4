package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/linkdeck/linkdeck/internal/cache"
)

// EnvAPIToken 允许通过环境变量注入 API 令牌，避免把凭证写进配置文件。
const EnvAPIToken = "LINKDECK_API_TOKEN"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.BindEnv("APIToken", EnvAPIToken); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Resources {
		cfg.Resources[i].Key = strings.TrimSpace(cfg.Resources[i].Key)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageMode == StorageModeFile {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageMode", StorageModeFile)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageQuota", 5*1024*1024)
	v.SetDefault("CacheNamespace", cache.DefaultNamespace)
	v.SetDefault("CacheCapacity", cache.DefaultCapacity)
	v.SetDefault("APITimeout", "15s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "500ms")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageMode = strings.ToLower(strings.TrimSpace(g.StorageMode))
	if g.StorageMode == "" {
		g.StorageMode = StorageModeFile
	}
	if g.CacheNamespace == "" {
		g.CacheNamespace = cache.DefaultNamespace
	}
	if g.CacheCapacity == 0 {
		g.CacheCapacity = cache.DefaultCapacity
	}
	g.APIBaseURL = strings.TrimRight(strings.TrimSpace(g.APIBaseURL), "/")
	if g.APITimeout.DurationValue() == 0 {
		g.APITimeout = Duration(15 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(500 * time.Millisecond)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
