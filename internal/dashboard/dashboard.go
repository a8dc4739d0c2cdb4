package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/linkdeck/linkdeck/internal/api"
	"github.com/linkdeck/linkdeck/internal/cache"
)

const (
	defaultRecentLimit    = 20
	defaultTopTags        = 10
	defaultMaxCollections = 32
)

// ErrCollectionNotFound 表示远端文件夹列表中不存在请求的集合。
var ErrCollectionNotFound = errors.New("collection not found")

// Source 是各视图依赖的远端只读能力，*api.Client 满足该接口。
type Source interface {
	ListFolders(ctx context.Context) ([]api.Folder, error)
	RecentLinks(ctx context.Context, limit int) ([]api.Link, error)
	FolderLinks(ctx context.Context, folderID string) ([]api.Link, error)
	ListTags(ctx context.Context) ([]api.Tag, error)
	ListFiles(ctx context.Context) ([]api.File, error)
}

// Counts 是总览页顶部的计数区块。
type Counts struct {
	Folders int `json:"folders"`
	Links   int `json:"links"`
	Tags    int `json:"tags"`
}

// Overview 聚合总览页需要的全部数据。
type Overview struct {
	PinnedFolders  []api.Folder `json:"pinnedFolders"`
	StarredFolders []api.Folder `json:"starredFolders"`
	RecentLinks    []api.Link   `json:"recentLinks"`
	TopTags        []api.Tag    `json:"topTags"`
	Counts         Counts       `json:"counts"`
}

// Home 是首页视图。
type Home struct {
	RecentLinks    []api.Link   `json:"recentLinks"`
	StarredFolders []api.Folder `json:"starredFolders"`
}

// Collection 是单个文件夹的详情视图。
type Collection struct {
	Folder     api.Folder   `json:"folder"`
	Subfolders []api.Folder `json:"subfolders"`
	Links      []api.Link   `json:"links"`
}

// Options 注入远端数据源与缓存基础设施。
type Options struct {
	Source      Source
	Store       *cache.Store
	Bus         *cache.Bus
	Catalog     *cache.Catalog
	Logger      logrus.FieldLogger
	RecentLimit int
	TopTags     int
	// MaxCollections 是同时保持激活的集合视图上限，超出时卸载最久未访问的一个。
	MaxCollections int
}

// collectionView 是一个已激活的集合视图；missing 记录最近一次拉取是否发现文件夹已不存在。
type collectionView struct {
	id      string
	res     *cache.Resource[Collection]
	missing atomic.Bool
}

// Dashboard 持有全部只读视图。集合视图按 ID 懒加载，数量受 MaxCollections 约束；
// 文件夹不存在的集合视图在拉取结束后立即卸载。
type Dashboard struct {
	opts   Options
	logger logrus.FieldLogger

	overview *cache.Resource[Overview]
	home     *cache.Resource[Home]
	myFiles  *cache.Resource[[]api.File]
	tags     *cache.Resource[[]api.Tag]

	mu          sync.Mutex
	ctx         context.Context
	closed      bool
	collections map[string]*collectionView
	// order 按最近访问排序，末尾最新。
	order []string
	// retired 保存已卸载但可能仍有拉取在途的集合视图，由 Wait 清空。
	retired []*collectionView
}

// New 构建全部固定视图，但不激活；调用 Activate 后才会读取缓存与发起拉取。
func New(opts Options) (*Dashboard, error) {
	if opts.Source == nil {
		return nil, errors.New("dashboard source required")
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = defaultRecentLimit
	}
	if opts.TopTags <= 0 {
		opts.TopTags = defaultTopTags
	}
	if opts.MaxCollections <= 0 {
		opts.MaxCollections = defaultMaxCollections
	}
	if opts.Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		opts.Logger = discard
	}
	d := &Dashboard{
		opts:        opts,
		logger:      opts.Logger,
		ctx:         context.Background(),
		collections: make(map[string]*collectionView),
	}

	var err error
	if d.overview, err = newResource[Overview](d, cache.KeyOverview, d.fetchOverview); err != nil {
		return nil, err
	}
	if d.home, err = newResource[Home](d, cache.KeyHome, d.fetchHome); err != nil {
		return nil, err
	}
	if d.myFiles, err = newResource[[]api.File](d, cache.KeyMyFiles, opts.Source.ListFiles); err != nil {
		return nil, err
	}
	if d.tags, err = newResource[[]api.Tag](d, cache.KeyTags, opts.Source.ListTags); err != nil {
		return nil, err
	}
	return d, nil
}

func newResource[V any](d *Dashboard, key string, fetch cache.Fetcher[V]) (*cache.Resource[V], error) {
	return newResourceWithHook(d, key, fetch, nil)
}

func newResourceWithHook[V any](d *Dashboard, key string, fetch cache.Fetcher[V], onChange func(cache.State[V])) (*cache.Resource[V], error) {
	return cache.NewResource(cache.ResourceOptions[V]{
		Key:      key,
		Fetch:    fetch,
		Catalog:  d.opts.Catalog,
		Store:    d.opts.Store,
		Bus:      d.opts.Bus,
		Logger:   d.logger,
		OnChange: onChange,
	})
}

func (d *Dashboard) Overview() *cache.Resource[Overview]  { return d.overview }
func (d *Dashboard) Home() *cache.Resource[Home]          { return d.home }
func (d *Dashboard) MyFiles() *cache.Resource[[]api.File] { return d.myFiles }
func (d *Dashboard) Tags() *cache.Resource[[]api.Tag]     { return d.tags }

// Activate 激活固定视图。ctx 同时作为之后懒加载集合视图的父上下文。
func (d *Dashboard) Activate(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.closed = false
	d.mu.Unlock()

	d.overview.Activate(ctx)
	d.home.Activate(ctx)
	d.myFiles.Activate(ctx)
	d.tags.Activate(ctx)
}

// Collection 返回文件夹 id 的集合视图，首次访问时创建并激活。
// 激活数量达到 MaxCollections 时先卸载最久未访问的集合视图。
func (d *Dashboard) Collection(id string) (*cache.Resource[Collection], error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("collection id required")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("dashboard closed")
	}
	if view, ok := d.collections[id]; ok {
		d.touchLocked(id)
		d.mu.Unlock()
		return view.res, nil
	}

	view := &collectionView{id: id}
	res, err := newResourceWithHook[Collection](d, cache.CollectionKey(id), func(ctx context.Context) (Collection, error) {
		c, err := d.fetchCollection(ctx, id)
		view.missing.Store(errors.Is(err, ErrCollectionNotFound))
		return c, err
	}, func(state cache.State[Collection]) {
		if state.Loading || state.Revalidating || !view.missing.Load() {
			return
		}
		d.release(view, "collection_missing")
	})
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	view.res = res

	var evicted []*collectionView
	for len(d.order) >= d.opts.MaxCollections {
		oldest := d.collections[d.order[0]]
		d.removeLocked(oldest)
		evicted = append(evicted, oldest)
	}
	d.collections[id] = view
	d.order = append(d.order, id)
	ctx := d.ctx
	d.mu.Unlock()

	for _, old := range evicted {
		d.logger.WithFields(logrus.Fields{
			"action":     "collection_evict",
			"collection": old.id,
		}).Debug("collection view unmounted")
		old.res.Deactivate()
	}
	res.Activate(ctx)

	// Close 可能发生在解锁与 Activate 之间
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		res.Deactivate()
	}
	return res, nil
}

// Collections 返回当前已激活的集合 ID，按字典序排列。
func (d *Dashboard) Collections() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.collections))
	for id := range d.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close 卸载全部视图，未完成的拉取结果会被丢弃。Close 之后 Wait 仍会等待这些拉取结束。
func (d *Dashboard) Close() {
	d.mu.Lock()
	d.closed = true
	views := make([]*collectionView, 0, len(d.collections))
	for _, view := range d.collections {
		views = append(views, view)
	}
	for _, view := range views {
		d.removeLocked(view)
	}
	d.mu.Unlock()

	d.overview.Deactivate()
	d.home.Deactivate()
	d.myFiles.Deactivate()
	d.tags.Deactivate()
	for _, view := range views {
		view.res.Deactivate()
	}
}

// Wait 等待全部视图（包括已卸载的集合视图）当前在途的拉取结束，供测试与优雅退出使用。
func (d *Dashboard) Wait() {
	d.overview.Wait()
	d.home.Wait()
	d.myFiles.Wait()
	d.tags.Wait()

	for {
		d.mu.Lock()
		views := make([]*collectionView, 0, len(d.collections)+len(d.retired))
		for _, view := range d.collections {
			views = append(views, view)
		}
		retired := d.retired
		d.retired = nil
		views = append(views, retired...)
		d.mu.Unlock()

		for _, view := range views {
			view.res.Wait()
		}
		if len(retired) == 0 {
			return
		}
	}
}

// release 卸载仍处于激活集合中的 view；已被淘汰或 Close 移除的 view 忽略。
func (d *Dashboard) release(view *collectionView, reason string) {
	d.mu.Lock()
	if d.collections[view.id] != view {
		d.mu.Unlock()
		return
	}
	d.removeLocked(view)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"action":     reason,
		"collection": view.id,
	}).Debug("collection view unmounted")
	view.res.Deactivate()
}

// removeLocked 把 view 移出激活集合并登记到 retired，同时丢弃已没有在途拉取的旧登记。
// 调用方必须持有 d.mu。
func (d *Dashboard) removeLocked(view *collectionView) {
	delete(d.collections, view.id)
	if idx := slices.Index(d.order, view.id); idx >= 0 {
		d.order = slices.Delete(d.order, idx, idx+1)
	}
	d.retired = slices.DeleteFunc(d.retired, func(v *collectionView) bool {
		return v.res.Pending() == 0
	})
	d.retired = append(d.retired, view)
}

func (d *Dashboard) touchLocked(id string) {
	if idx := slices.Index(d.order, id); idx >= 0 {
		d.order = append(slices.Delete(d.order, idx, idx+1), id)
	}
}

func (d *Dashboard) fetchOverview(ctx context.Context) (Overview, error) {
	var (
		folders []api.Folder
		links   []api.Link
		tags    []api.Tag
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		folders, err = d.opts.Source.ListFolders(gctx)
		return err
	})
	g.Go(func() (err error) {
		links, err = d.opts.Source.RecentLinks(gctx, d.opts.RecentLimit)
		return err
	})
	g.Go(func() (err error) {
		tags, err = d.opts.Source.ListTags(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Overview{}, fmt.Errorf("load overview: %w", err)
	}

	active := activeFolders(folders)
	out := Overview{
		PinnedFolders:  filterFolders(active, func(f api.Folder) bool { return f.Pinned }),
		StarredFolders: filterFolders(active, func(f api.Folder) bool { return f.Starred }),
		RecentLinks:    links,
		TopTags:        topTags(tags, d.opts.TopTags),
		Counts: Counts{
			Folders: len(active),
			Tags:    len(tags),
		},
	}
	for _, f := range active {
		out.Counts.Links += f.LinkCount
	}
	return out, nil
}

func (d *Dashboard) fetchHome(ctx context.Context) (Home, error) {
	var (
		folders []api.Folder
		links   []api.Link
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		folders, err = d.opts.Source.ListFolders(gctx)
		return err
	})
	g.Go(func() (err error) {
		links, err = d.opts.Source.RecentLinks(gctx, d.opts.RecentLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return Home{}, fmt.Errorf("load home: %w", err)
	}
	return Home{
		RecentLinks:    links,
		StarredFolders: filterFolders(activeFolders(folders), func(f api.Folder) bool { return f.Starred }),
	}, nil
}

func (d *Dashboard) fetchCollection(ctx context.Context, id string) (Collection, error) {
	var (
		folders []api.Folder
		links   []api.Link
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		folders, err = d.opts.Source.ListFolders(gctx)
		return err
	})
	g.Go(func() (err error) {
		links, err = d.opts.Source.FolderLinks(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return Collection{}, fmt.Errorf("load collection %s: %w", id, ErrCollectionNotFound)
		}
		return Collection{}, fmt.Errorf("load collection %s: %w", id, err)
	}

	idx := slices.IndexFunc(folders, func(f api.Folder) bool { return f.ID == id })
	if idx < 0 {
		return Collection{}, fmt.Errorf("load collection %s: %w", id, ErrCollectionNotFound)
	}
	return Collection{
		Folder:     folders[idx],
		Subfolders: filterFolders(activeFolders(folders), func(f api.Folder) bool { return f.ParentID == id }),
		Links:      links,
	}, nil
}

// activeFolders 过滤掉已归档的文件夹。
func activeFolders(folders []api.Folder) []api.Folder {
	return filterFolders(folders, func(f api.Folder) bool { return !f.Archived })
}

func filterFolders(folders []api.Folder, keep func(api.Folder) bool) []api.Folder {
	out := make([]api.Folder, 0, len(folders))
	for _, f := range folders {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

// topTags 按使用次数降序取前 n 个，次数相同时按名称排序。
func topTags(tags []api.Tag, n int) []api.Tag {
	out := slices.Clone(tags)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
