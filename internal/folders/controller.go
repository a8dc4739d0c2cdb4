package folders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/linkdeck/linkdeck/internal/api"
	"github.com/linkdeck/linkdeck/internal/cache"
)

// API 是控制器依赖的远端写入能力，*api.Client 满足该接口，测试中可注入假实现。
type API interface {
	ListFolders(ctx context.Context) ([]api.Folder, error)
	CreateFolder(ctx context.Context, name, parentID string) (api.Folder, error)
	UpdateFolder(ctx context.Context, id string, patch api.FolderPatch) error
	DeleteFolder(ctx context.Context, id string) error
}

// ErrFolderNotFound 表示本地列表中不存在该文件夹，此时不会发起远端写入。
var ErrFolderNotFound = errors.New("folder not found")

// ErrInvalidMutation 表示请求本身不合法（例如空名称），不会触达本地状态或远端。
var ErrInvalidMutation = errors.New("invalid folder mutation")

// tempIDPrefix 标记乐观创建阶段的占位 ID。
const tempIDPrefix = "tmp-"

// MutationError 在远端写入失败且本地状态已回滚后返回给调用方。
type MutationError struct {
	Op       string
	FolderID string
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s folder %s: %v", e.Op, e.FolderID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Options 注入远端 API 与缓存基础设施。
type Options struct {
	API     API
	Store   *cache.Store
	Bus     *cache.Bus
	Catalog *cache.Catalog
	Logger  logrus.FieldLogger
}

// Controller 管理 folders 列表：读取走 cache.Resource（stale-while-revalidate），
// 每个变更操作先改本地状态，再写远端，失败整体回滚，成功后按操作类型广播失效。
type Controller struct {
	res    *cache.Resource[[]api.Folder]
	api    API
	logger logrus.FieldLogger
}

// New 构建控制器，构建后需要调用 Activate。
func New(opts Options) (*Controller, error) {
	if opts.API == nil {
		return nil, errors.New("folders api required")
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	res, err := cache.NewResource(cache.ResourceOptions[[]api.Folder]{
		Key:     cache.KeyFolders,
		Fetch:   opts.API.ListFolders,
		Catalog: opts.Catalog,
		Store:   opts.Store,
		Bus:     opts.Bus,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &Controller{res: res, api: opts.API, logger: logger}, nil
}

// Resource 暴露底层缓存资源，供 HTTP 层读取状态。
func (c *Controller) Resource() *cache.Resource[[]api.Folder] {
	return c.res
}

func (c *Controller) Activate(ctx context.Context) { c.res.Activate(ctx) }
func (c *Controller) Deactivate()                  { c.res.Deactivate() }
func (c *Controller) Refetch()                     { c.res.Refetch() }

// State 返回当前文件夹列表快照。
func (c *Controller) State() cache.State[[]api.Folder] {
	return c.res.State()
}

// Pin 切换置顶状态。置顶影响 overview/home 中的置顶区块。
func (c *Controller) Pin(ctx context.Context, id string, pinned bool) error {
	if _, ok := c.find(id); !ok {
		return ErrFolderNotFound
	}
	return c.mutate(ctx, "pin", id,
		updateOne(id, func(f *api.Folder) { f.Pinned = pinned }),
		func(ctx context.Context) error {
			return c.api.UpdateFolder(ctx, id, api.FolderPatch{Pinned: &pinned})
		},
		nil,
		[]string{cache.KeyFolders, cache.KeyOverview, cache.KeyHome},
	)
}

// Star 切换星标状态。
func (c *Controller) Star(ctx context.Context, id string, starred bool) error {
	if _, ok := c.find(id); !ok {
		return ErrFolderNotFound
	}
	return c.mutate(ctx, "star", id,
		updateOne(id, func(f *api.Folder) { f.Starred = starred }),
		func(ctx context.Context) error {
			return c.api.UpdateFolder(ctx, id, api.FolderPatch{Starred: &starred})
		},
		nil,
		[]string{cache.KeyFolders, cache.KeyOverview, cache.KeyHome},
	)
}

// Archive 切换归档状态；归档的文件夹同时从“我的文件”聚合中消失。
func (c *Controller) Archive(ctx context.Context, id string, archived bool) error {
	if _, ok := c.find(id); !ok {
		return ErrFolderNotFound
	}
	return c.mutate(ctx, "archive", id,
		updateOne(id, func(f *api.Folder) { f.Archived = archived }),
		func(ctx context.Context) error {
			return c.api.UpdateFolder(ctx, id, api.FolderPatch{Archived: &archived})
		},
		nil,
		[]string{cache.KeyFolders, cache.KeyOverview, cache.KeyHome, cache.KeyMyFiles},
	)
}

// Delete 从列表中移除文件夹，并失效其集合视图。
func (c *Controller) Delete(ctx context.Context, id string) error {
	if _, ok := c.find(id); !ok {
		return ErrFolderNotFound
	}
	return c.mutate(ctx, "delete", id,
		func(list []api.Folder) []api.Folder {
			return slices.DeleteFunc(slices.Clone(list), func(f api.Folder) bool { return f.ID == id })
		},
		func(ctx context.Context) error {
			return c.api.DeleteFolder(ctx, id)
		},
		nil,
		[]string{
			cache.KeyFolders, cache.KeyOverview, cache.KeyHome, cache.KeyMyFiles,
			cache.CollectionKey(id),
		},
	)
}

// Move 修改父文件夹；新旧父集合视图都会失效。
func (c *Controller) Move(ctx context.Context, id, parentID string) error {
	current, ok := c.find(id)
	if !ok {
		return ErrFolderNotFound
	}
	if parentID == id {
		return &MutationError{Op: "move", FolderID: id, Err: fmt.Errorf("%w: folder cannot contain itself", ErrInvalidMutation)}
	}
	keys := []string{cache.KeyFolders, cache.KeyOverview}
	for _, parent := range []string{current.ParentID, parentID} {
		if parent != "" && !slices.Contains(keys, cache.CollectionKey(parent)) {
			keys = append(keys, cache.CollectionKey(parent))
		}
	}
	return c.mutate(ctx, "move", id,
		updateOne(id, func(f *api.Folder) { f.ParentID = parentID }),
		func(ctx context.Context) error {
			return c.api.UpdateFolder(ctx, id, api.FolderPatch{ParentID: &parentID})
		},
		nil,
		keys,
	)
}

// Rename 修改文件夹名称。
func (c *Controller) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &MutationError{Op: "rename", FolderID: id, Err: fmt.Errorf("%w: name required", ErrInvalidMutation)}
	}
	if _, ok := c.find(id); !ok {
		return ErrFolderNotFound
	}
	return c.mutate(ctx, "rename", id,
		updateOne(id, func(f *api.Folder) { f.Name = name }),
		func(ctx context.Context) error {
			return c.api.UpdateFolder(ctx, id, api.FolderPatch{Name: &name})
		},
		nil,
		[]string{cache.KeyFolders, cache.KeyOverview, cache.KeyHome, cache.CollectionKey(id)},
	)
}

// Create 先追加带临时 ID 的占位记录，远端成功后替换为服务端返回的记录。
func (c *Controller) Create(ctx context.Context, name, parentID string) (api.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return api.Folder{}, &MutationError{Op: "create", Err: fmt.Errorf("%w: name required", ErrInvalidMutation)}
	}
	tempID := tempIDPrefix + uuid.NewString()
	placeholder := api.Folder{ID: tempID, Name: name, ParentID: parentID}

	var created api.Folder
	err := c.mutate(ctx, "create", tempID,
		func(list []api.Folder) []api.Folder {
			return append(slices.Clone(list), placeholder)
		},
		func(ctx context.Context) error {
			folder, err := c.api.CreateFolder(ctx, name, parentID)
			if err != nil {
				return err
			}
			created = folder
			return nil
		},
		func(list []api.Folder) []api.Folder {
			out := slices.Clone(list)
			for i := range out {
				if out[i].ID == tempID {
					out[i] = created
				}
			}
			return out
		},
		[]string{cache.KeyFolders, cache.KeyOverview, cache.KeyHome},
	)
	if err != nil {
		return api.Folder{}, err
	}
	return created, nil
}

func (c *Controller) mutate(
	ctx context.Context,
	op, id string,
	apply func([]api.Folder) []api.Folder,
	remote func(context.Context) error,
	reconcile func([]api.Folder) []api.Folder,
	invalidate []string,
) error {
	fields := logrus.Fields{
		"action":    "folder_" + op,
		"folder_id": id,
	}
	err := c.res.Optimistic(ctx, cache.Mutation[[]api.Folder]{
		Apply:      apply,
		Remote:     remote,
		Reconcile:  reconcile,
		Invalidate: invalidate,
	})
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("folder mutation failed")
		return &MutationError{Op: op, FolderID: id, Err: err}
	}
	fields["invalidated"] = invalidate
	c.logger.WithFields(fields).Info("folder mutation confirmed")
	return nil
}

func (c *Controller) find(id string) (api.Folder, bool) {
	for _, f := range c.res.State().Data {
		if f.ID == id {
			return f, true
		}
	}
	return api.Folder{}, false
}

// updateOne 返回修改单个文件夹的 Apply 函数，总是在副本上修改。
func updateOne(id string, fn func(*api.Folder)) func([]api.Folder) []api.Folder {
	return func(list []api.Folder) []api.Folder {
		out := slices.Clone(list)
		for i := range out {
			if out[i].ID == id {
				fn(&out[i])
			}
		}
		return out
	}
}
