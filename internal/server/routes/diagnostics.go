package routes

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/linkdeck/linkdeck/internal/cache"
	"github.com/linkdeck/linkdeck/internal/logging"
	"github.com/linkdeck/linkdeck/internal/server"
	"github.com/linkdeck/linkdeck/internal/version"
)

type cachePayload struct {
	cache.Stats
	Subscribers int `json:"subscribers"`
}

type invalidateRequest struct {
	Keys []string `json:"keys"`
}

// RegisterDiagnostics 暴露 /-/ 下的诊断接口：缓存快照、手动失效与健康检查。
func RegisterDiagnostics(app *fiber.App, store *cache.Store, bus *cache.Bus, logger logrus.FieldLogger) {
	if app == nil || store == nil || bus == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		return c.JSON(cachePayload{
			Stats:       store.Stats(),
			Subscribers: bus.Subscribers(),
		})
	})

	app.Post("/-/invalidate", func(c fiber.Ctx) error {
		var req invalidateRequest
		if body := c.Body(); len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error":   "invalid_body",
					"message": err.Error(),
				})
			}
		}
		keys := normalizeKeys(req.Keys)
		if len(keys) == 0 {
			logger.WithFields(logging.CacheFields("*", "invalidate")).
				WithField("request_id", server.RequestID(c)).
				Info("manual invalidation of every key")
			bus.Invalidate()
			return c.JSON(fiber.Map{"invalidated": "everything"})
		}
		for _, key := range keys {
			logger.WithFields(logging.CacheFields(key, "invalidate")).
				WithField("request_id", server.RequestID(c)).
				Info("manual invalidation")
		}
		bus.Invalidate(keys...)
		return c.JSON(fiber.Map{"invalidated": keys})
	})
}

// normalizeKeys 去除空白与重复项，保持原有顺序。
func normalizeKeys(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, key := range raw {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
