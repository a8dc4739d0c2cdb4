package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 描述一次缓存层事件，例如 hit/miss/evict/invalidate。
func CacheFields(key, event string) logrus.Fields {
	return logrus.Fields{
		"action": "cache_" + event,
		"key":    key,
	}
}

// RequestFields 提供网关请求日志的公共字段。
func RequestFields(method, path string, status int, requestID string, latency time.Duration) logrus.Fields {
	return logrus.Fields{
		"action":     "http_request",
		"method":     method,
		"path":       path,
		"status":     status,
		"request_id": requestID,
		"latency_ms": latency.Milliseconds(),
	}
}
