package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/linkdeck/linkdeck/internal/cache"
	"github.com/linkdeck/linkdeck/internal/dashboard"
	"github.com/linkdeck/linkdeck/internal/folders"
)

type handlers struct {
	logger      *logrus.Logger
	dash        *dashboard.Dashboard
	folders     *folders.Controller
	loadTimeout time.Duration
}

// stateBody 是所有缓存视图共享的响应信封。
type stateBody struct {
	Data         any          `json:"data"`
	Loading      bool         `json:"loading"`
	Revalidating bool         `json:"revalidating"`
	Error        string       `json:"error,omitempty"`
	Status       cache.Status `json:"status"`
	UpdatedAt    *time.Time   `json:"updatedAt,omitempty"`
}

type toggleRequest struct {
	Value *bool `json:"value"`
}

type moveRequest struct {
	ParentID string `json:"parentId"`
}

type nameRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId"`
}

func (h *handlers) register(app *fiber.App) {
	api := app.Group("/api")

	api.Get("/overview", func(c fiber.Ctx) error { return renderResource(c, h, h.dash.Overview()) })
	api.Get("/home", func(c fiber.Ctx) error { return renderResource(c, h, h.dash.Home()) })
	api.Get("/myfiles", func(c fiber.Ctx) error { return renderResource(c, h, h.dash.MyFiles()) })
	api.Get("/tags", func(c fiber.Ctx) error { return renderResource(c, h, h.dash.Tags()) })
	api.Get("/folders", func(c fiber.Ctx) error { return renderResource(c, h, h.folders.Resource()) })
	api.Get("/collections/:id", h.collection)
	api.Post("/refetch/:resource", h.refetch)

	api.Post("/folders", h.createFolder)
	api.Delete("/folders/:id", func(c fiber.Ctx) error {
		return h.mutation(c, h.folders.Delete(c.Context(), c.Params("id")))
	})
	api.Post("/folders/:id/pin", h.toggle(h.folders.Pin))
	api.Post("/folders/:id/star", h.toggle(h.folders.Star))
	api.Post("/folders/:id/archive", h.toggle(h.folders.Archive))
	api.Post("/folders/:id/move", h.moveFolder)
	api.Post("/folders/:id/rename", h.renameFolder)
}

// renderResource 在首次加载期间等待（受 LoadTimeout 约束），随后输出当前快照；
// 后台刷新不会阻塞响应。
func renderResource[V any](c fiber.Ctx, h *handlers, res *cache.Resource[V]) error {
	return renderState(c, awaitState(c, h, res))
}

func awaitState[V any](c fiber.Ctx, h *handlers, res *cache.Resource[V]) cache.State[V] {
	ctx, cancel := context.WithTimeout(c.Context(), h.loadTimeout)
	defer cancel()
	state, _ := res.Await(ctx)
	return state
}

func renderState[V any](c fiber.Ctx, state cache.State[V]) error {
	body := stateBody{
		Loading:      state.Loading,
		Revalidating: state.Revalidating,
		Status:       state.Status,
	}
	if state.HasData {
		body.Data = state.Data
	}
	if state.Err != nil {
		body.Error = state.Err.Error()
	}
	if !state.UpdatedAt.IsZero() {
		updated := state.UpdatedAt
		body.UpdatedAt = &updated
	}
	return c.JSON(body)
}

func (h *handlers) collection(c fiber.Ctx) error {
	res, err := h.dash.Collection(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "collection_unavailable",
			"message": err.Error(),
		})
	}
	state := awaitState(c, h, res)
	if errors.Is(state.Err, dashboard.ErrCollectionNotFound) {
		c.Status(fiber.StatusNotFound)
	}
	return renderState(c, state)
}

func (h *handlers) refetch(c fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("resource"))
	switch {
	case name == cache.KeyOverview:
		h.dash.Overview().Refetch()
	case name == cache.KeyHome:
		h.dash.Home().Refetch()
	case name == cache.KeyMyFiles:
		h.dash.MyFiles().Refetch()
	case name == cache.KeyTags:
		h.dash.Tags().Refetch()
	case name == cache.KeyFolders:
		h.folders.Refetch()
	case strings.HasPrefix(name, cache.PrefixCollection):
		res, err := h.dash.Collection(strings.TrimPrefix(name, cache.PrefixCollection))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "collection_unavailable",
				"message": err.Error(),
			})
		}
		res.Refetch()
	default:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "resource_not_found"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"refetching": name})
}

func (h *handlers) createFolder(c fiber.Ctx) error {
	var req nameRequest
	if err := decodeBody(c, &req); err != nil {
		return renderBadBody(c, err)
	}
	created, err := h.folders.Create(c.Context(), req.Name, req.ParentID)
	if err != nil {
		return h.mutation(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"folder": created,
		"data":   h.folders.State().Data,
	})
}

func (h *handlers) toggle(op func(context.Context, string, bool) error) fiber.Handler {
	return func(c fiber.Ctx) error {
		var req toggleRequest
		if err := decodeBody(c, &req); err != nil {
			return renderBadBody(c, err)
		}
		value := true
		if req.Value != nil {
			value = *req.Value
		}
		return h.mutation(c, op(c.Context(), c.Params("id"), value))
	}
}

func (h *handlers) moveFolder(c fiber.Ctx) error {
	var req moveRequest
	if err := decodeBody(c, &req); err != nil {
		return renderBadBody(c, err)
	}
	return h.mutation(c, h.folders.Move(c.Context(), c.Params("id"), req.ParentID))
}

func (h *handlers) renameFolder(c fiber.Ctx) error {
	var req nameRequest
	if err := decodeBody(c, &req); err != nil {
		return renderBadBody(c, err)
	}
	return h.mutation(c, h.folders.Rename(c.Context(), c.Params("id"), req.Name))
}

// mutation 把控制器返回的错误映射为 HTTP 状态；成功时返回当前（已乐观更新的）列表。
func (h *handlers) mutation(c fiber.Ctx, err error) error {
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"data": h.folders.State().Data})
	case errors.Is(err, folders.ErrFolderNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "folder_not_found"})
	case errors.Is(err, folders.ErrInvalidMutation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_mutation",
			"message": err.Error(),
		})
	default:
		h.logger.WithError(err).WithField("request_id", RequestID(c)).Warn("folder mutation failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "mutation_failed",
			"message": err.Error(),
		})
	}
}

// decodeBody 允许空请求体，其余情况必须是合法 JSON。
func decodeBody(c fiber.Ctx, out any) error {
	body := c.Body()
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func renderBadBody(c fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   "invalid_body",
		"message": err.Error(),
	})
}
