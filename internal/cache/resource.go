package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Status 描述单个 Resource 的状态机位置。
type Status string

const (
	StatusIdle         Status = "idle"
	StatusLoading      Status = "loading"
	StatusReady        Status = "ready"
	StatusRevalidating Status = "revalidating"
	StatusError        Status = "error"
)

// Fetcher 拉取资源的最新值，失败时必须返回 error 而不是哨兵值。
type Fetcher[V any] func(ctx context.Context) (V, error)

// State 是暴露给消费者的快照。Data 与内部共享，调用方不得原地修改。
type State[V any] struct {
	Data         V
	HasData      bool
	Loading      bool
	Revalidating bool
	Err          error
	Status       Status
	UpdatedAt    time.Time
}

// ResourceOptions 绑定缓存 key、拉取函数与过期阈值。StaleTime 为 0 时取 Catalog 中的默认值。
type ResourceOptions[V any] struct {
	Key       string
	Fetch     Fetcher[V]
	StaleTime time.Duration
	Catalog   *Catalog
	Store     *Store
	Bus       *Bus
	Logger    logrus.FieldLogger
	// OnChange 在每次状态变化后调用，调用时不持有内部锁。
	OnChange func(State[V])
}

// Resource 实现 stale-while-revalidate：激活时同步读取缓存，命中则立即展示，
// 过期时后台刷新；未命中时前台加载。每次拉取递增序号，只有最新发起的拉取结果会被应用。
type Resource[V any] struct {
	key       string
	fetch     Fetcher[V]
	staleTime time.Duration
	store     *Store
	bus       *Bus
	logger    logrus.FieldLogger
	onChange  func(State[V])

	mu          sync.Mutex
	state       State[V]
	seq         uint64
	mounted     bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	changed     chan struct{}

	inflight sync.WaitGroup
	pending  atomic.Int32
}

// Mutation 描述一次乐观更新：Apply 立即作用于本地状态，Remote 发起远端写入；
// 成功后可选地用 Reconcile 修正本地状态，并广播 Invalidate 中列出的 key。
// Apply/Reconcile 必须返回新值而不是原地修改入参。
type Mutation[V any] struct {
	Apply      func(V) V
	Remote     func(ctx context.Context) error
	Reconcile  func(V) V
	Invalidate []string
}

// NewResource 校验参数并构建 Resource，构建后处于 idle 状态，需要调用 Activate。
func NewResource[V any](opts ResourceOptions[V]) (*Resource[V], error) {
	if opts.Key == "" {
		return nil, errors.New("resource key required")
	}
	if opts.Fetch == nil {
		return nil, errors.New("resource fetcher required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Bus == nil {
		return nil, errors.New("invalidation bus required")
	}
	staleTime := opts.StaleTime
	if staleTime <= 0 {
		catalog := DefaultCatalog()
		if opts.Catalog != nil {
			catalog = *opts.Catalog
		}
		staleTime = catalog.StaleTime(opts.Key)
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &Resource[V]{
		key:       opts.Key,
		fetch:     opts.Fetch,
		staleTime: staleTime,
		store:     opts.Store,
		bus:       opts.Bus,
		logger:    logger.WithField("key", opts.Key),
		onChange:  opts.OnChange,
		state:     State[V]{Status: StatusIdle},
		changed:   make(chan struct{}),
	}, nil
}

// Key 返回绑定的缓存 key。
func (r *Resource[V]) Key() string {
	return r.key
}

// StaleTime 返回生效的过期阈值。
func (r *Resource[V]) StaleTime() time.Duration {
	return r.staleTime
}

// Activate 相当于挂载：同步读取缓存并订阅失效总线。重复调用无副作用。
func (r *Resource[V]) Activate(ctx context.Context) {
	r.update(func() bool {
		if r.mounted {
			return false
		}
		r.mounted = true
		r.ctx, r.cancel = context.WithCancel(ctx)

		if cached, ok := Lookup[V](r.store, r.key); ok {
			r.state.Data = cached
			r.state.HasData = true
			r.state.Loading = false
			r.state.Err = nil
			r.state.Status = StatusReady
			if at, ok := r.store.WrittenAt(r.key); ok {
				r.state.UpdatedAt = at
			}
			if r.store.IsStale(r.key, r.staleTime) {
				r.startFetchLocked("stale")
			}
		} else {
			r.state.Err = nil
			r.startFetchLocked("miss")
		}
		return true
	})

	unsubscribe := r.bus.Subscribe(r.onInvalidate)
	r.mu.Lock()
	if r.mounted && r.unsubscribe == nil {
		r.unsubscribe = unsubscribe
		unsubscribe = nil
	}
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Deactivate 相当于卸载：撤销订阅、取消拉取上下文；尚未完成的拉取结果会被丢弃。
func (r *Resource[V]) Deactivate() {
	var unsubscribe func()
	r.update(func() bool {
		if !r.mounted {
			return false
		}
		r.mounted = false
		r.seq++
		if r.cancel != nil {
			r.cancel()
		}
		unsubscribe, r.unsubscribe = r.unsubscribe, nil
		r.state.Loading = false
		r.state.Revalidating = false
		if !r.state.HasData {
			r.state.Status = StatusIdle
		} else {
			r.state.Status = StatusReady
		}
		return true
	})
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Refetch 无视过期状态，立即触发一次后台刷新。
func (r *Resource[V]) Refetch() {
	r.update(func() bool {
		if !r.mounted {
			return false
		}
		r.startFetchLocked("refetch")
		return true
	})
}

// State 返回当前快照。
func (r *Resource[V]) State() State[V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Await 在前台加载期间阻塞，直到加载结束或 ctx 结束。
func (r *Resource[V]) Await(ctx context.Context) (State[V], error) {
	for {
		r.mu.Lock()
		if !r.state.Loading {
			state := r.state
			r.mu.Unlock()
			return state, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return r.State(), ctx.Err()
		}
	}
}

// Wait 阻塞直到目前已发起的全部拉取都结束（无论结果是否被应用）。
func (r *Resource[V]) Wait() {
	r.inflight.Wait()
}

// Pending 返回仍在执行的拉取数量。
func (r *Resource[V]) Pending() int {
	return int(r.pending.Load())
}

// Optimistic 执行一次乐观更新。捕获 previous 与应用 Apply 在同一把锁内完成，
// 因此后发起的变更总是在前一个变更的乐观结果之上捕获快照。Remote 失败时整体还原 previous
// 并返回错误；成功时应用 Reconcile 并广播失效。
func (r *Resource[V]) Optimistic(ctx context.Context, m Mutation[V]) error {
	var (
		previous V
		had      bool
	)
	r.update(func() bool {
		previous, had = r.state.Data, r.state.HasData
		if m.Apply != nil {
			r.state.Data = m.Apply(previous)
			r.state.HasData = true
		}
		return true
	})

	if m.Remote != nil {
		if err := m.Remote(ctx); err != nil {
			r.update(func() bool {
				r.state.Data = previous
				r.state.HasData = had
				return true
			})
			r.logger.WithError(err).WithField("action", "mutation_rollback").Warn("optimistic mutation rolled back")
			return err
		}
	}

	if m.Reconcile != nil {
		r.update(func() bool {
			r.state.Data = m.Reconcile(r.state.Data)
			return true
		})
	}
	if len(m.Invalidate) > 0 {
		r.bus.Invalidate(m.Invalidate...)
	}
	return nil
}

func (r *Resource[V]) onInvalidate(event Event) {
	if !event.Matches(r.key) {
		return
	}
	r.update(func() bool {
		if !r.mounted {
			return false
		}
		r.startFetchLocked("invalidate")
		return true
	})
}

// startFetchLocked 递增序号并在后台发起拉取。已有数据时不展示 loading；
// 无数据时进入 loading 并清除上一次的错误。调用方必须持有 r.mu。
func (r *Resource[V]) startFetchLocked(reason string) {
	r.seq++
	seq := r.seq
	if r.state.HasData {
		r.state.Revalidating = true
		r.state.Status = StatusRevalidating
	} else {
		r.state.Loading = true
		r.state.Err = nil
		r.state.Status = StatusLoading
	}

	r.logger.WithFields(logrus.Fields{
		"action": "resource_fetch",
		"reason": reason,
		"seq":    seq,
	}).Debug("resource fetch started")

	ctx := r.ctx
	r.inflight.Add(1)
	r.pending.Add(1)
	go r.run(ctx, seq)
}

func (r *Resource[V]) run(ctx context.Context, seq uint64) {
	defer func() {
		r.pending.Add(-1)
		r.inflight.Done()
	}()

	value, err := r.fetch(ctx)

	r.update(func() bool {
		if !r.mounted || seq != r.seq {
			r.logger.WithFields(logrus.Fields{
				"action":  "resource_fetch",
				"seq":     seq,
				"current": r.seq,
				"mounted": r.mounted,
			}).Debug("stale fetch result discarded")
			return false
		}

		r.state.Loading = false
		r.state.Revalidating = false
		if err != nil {
			if r.state.HasData {
				r.state.Status = StatusReady
				r.logger.WithError(err).WithField("action", "resource_revalidate").Warn("background revalidation failed")
			} else {
				r.state.Err = err
				r.state.Status = StatusError
			}
			return true
		}

		r.store.Set(r.key, value)
		r.state.Data = value
		r.state.HasData = true
		r.state.Err = nil
		r.state.Status = StatusReady
		r.state.UpdatedAt = r.store.Now()
		return true
	})
}

// update 在锁内执行 fn；fn 返回 true 时唤醒 Await 并在锁外通知 OnChange。
func (r *Resource[V]) update(fn func() bool) {
	r.mu.Lock()
	if !fn() {
		r.mu.Unlock()
		return
	}
	close(r.changed)
	r.changed = make(chan struct{})
	snapshot := r.state
	notify := r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify(snapshot)
	}
}
