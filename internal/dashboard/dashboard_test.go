package dashboard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/linkdeck/linkdeck/internal/api"
	"github.com/linkdeck/linkdeck/internal/cache"
)

func TestOverviewAggregatesActiveFolders(t *testing.T) {
	env := newTestEnv(t)
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)

	state := await(t, env.dash.Overview())
	if state.Err != nil {
		t.Fatalf("overview failed: %v", state.Err)
	}
	got := state.Data
	if len(got.PinnedFolders) != 1 || got.PinnedFolders[0].ID != "a" {
		t.Fatalf("unexpected pinned folders: %+v", got.PinnedFolders)
	}
	if len(got.StarredFolders) != 1 || got.StarredFolders[0].ID != "b" {
		t.Fatalf("archived folders must not be listed as starred: %+v", got.StarredFolders)
	}
	if got.Counts.Folders != 3 || got.Counts.Links != 6 || got.Counts.Tags != 3 {
		t.Fatalf("unexpected counts: %+v", got.Counts)
	}
	if len(got.TopTags) != 2 || got.TopTags[0].Name != "go" || got.TopTags[1].Name != "cache" {
		t.Fatalf("unexpected top tags: %+v", got.TopTags)
	}
	if env.source.recentLimit() != 5 {
		t.Fatalf("recent limit not forwarded, got %d", env.source.recentLimit())
	}
	if !env.store.Has(cache.KeyOverview) {
		t.Fatalf("overview should be written to the store")
	}
}

func TestOverviewFailsWhenAnyLegFails(t *testing.T) {
	env := newTestEnv(t)
	env.source.tagsErr = errors.New("tags down")
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)

	state := await(t, env.dash.Overview())
	if state.Status != cache.StatusError || state.HasData {
		t.Fatalf("expected error state without data, got %+v", state)
	}
	if state.Err == nil || !errors.Is(state.Err, env.source.tagsErr) {
		t.Fatalf("expected wrapped tags error, got %v", state.Err)
	}
}

func TestHomeUsesCachedValue(t *testing.T) {
	env := newTestEnv(t)
	env.store.Set(cache.KeyHome, Home{RecentLinks: []api.Link{{ID: "cached"}}})
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)

	state := env.dash.Home().State()
	if !state.HasData || len(state.Data.RecentLinks) != 1 || state.Data.RecentLinks[0].ID != "cached" {
		t.Fatalf("fresh cached home should be shown immediately, got %+v", state)
	}
	env.dash.Wait()
	if env.dash.Home().State().Data.RecentLinks[0].ID != "cached" {
		t.Fatalf("fresh cached home must not be refetched")
	}
}

func TestCollectionCreatedLazilyAndReused(t *testing.T) {
	env := newTestEnv(t)
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)

	if ids := env.dash.Collections(); len(ids) != 0 {
		t.Fatalf("no collection should exist before access, got %v", ids)
	}
	first, err := env.dash.Collection("a")
	if err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	second, err := env.dash.Collection(" a ")
	if err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	if first != second {
		t.Fatalf("collection resource should be reused")
	}
	if first.Key() != cache.CollectionKey("a") {
		t.Fatalf("unexpected key %s", first.Key())
	}

	state := await(t, first)
	if state.Err != nil {
		t.Fatalf("collection load failed: %v", state.Err)
	}
	if state.Data.Folder.Name != "Work" || len(state.Data.Links) != 2 {
		t.Fatalf("unexpected collection: %+v", state.Data)
	}
	if len(state.Data.Subfolders) != 1 || state.Data.Subfolders[0].ID != "b" {
		t.Fatalf("unexpected subfolders: %+v", state.Data.Subfolders)
	}
	if _, err := env.dash.Collection(""); err == nil {
		t.Fatalf("empty id should be rejected")
	}
}

func TestCollectionRefetchedOnInvalidation(t *testing.T) {
	env := newTestEnv(t)
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)

	res, err := env.dash.Collection("a")
	if err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	await(t, res)
	env.dash.Wait()
	if got := env.source.folderLinkCalls("a"); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}

	env.bus.Invalidate(cache.CollectionKey("b"))
	env.dash.Wait()
	if got := env.source.folderLinkCalls("a"); got != 1 {
		t.Fatalf("unrelated invalidation refetched collection a")
	}

	env.bus.Invalidate(cache.CollectionKey("a"))
	env.dash.Wait()
	if got := env.source.folderLinkCalls("a"); got != 2 {
		t.Fatalf("expected refetch after invalidation, got %d calls", got)
	}
}

func TestCollectionUnknownFolder(t *testing.T) {
	env := newTestEnv(t)
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)

	res, err := env.dash.Collection("missing")
	if err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	state := await(t, res)
	if !errors.Is(state.Err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", state.Err)
	}
}

func TestMissingCollectionsAreUnmounted(t *testing.T) {
	env := newTestEnv(t)
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)
	fixed := env.bus.Subscribers()

	for i := 0; i < 1000; i++ {
		if _, err := env.dash.Collection(fmt.Sprintf("bogus-%d", i)); err != nil {
			t.Fatalf("collection %d failed: %v", i, err)
		}
	}
	env.dash.Wait()

	if ids := env.dash.Collections(); len(ids) != 0 {
		t.Fatalf("missing collections should be unmounted, got %d left", len(ids))
	}
	if n := env.bus.Subscribers(); n != fixed {
		t.Fatalf("expected %d subscribers, got %d", fixed, n)
	}

	env.bus.Invalidate()
	env.dash.Wait()
	if got := env.source.folderLinkCalls("bogus-7"); got != 1 {
		t.Fatalf("unmounted collection refetched after invalidation, %d calls", got)
	}
}

func TestCollectionsBoundedByLeastRecentUse(t *testing.T) {
	env := newTestEnvWith(t, func(o *Options) { o.MaxCollections = 2 })
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)
	fixed := env.bus.Subscribers()

	for _, id := range []string{"a", "b", "a", "c"} {
		res, err := env.dash.Collection(id)
		if err != nil {
			t.Fatalf("collection %s failed: %v", id, err)
		}
		await(t, res)
	}
	env.dash.Wait()

	if ids := env.dash.Collections(); !slices.Equal(ids, []string{"a", "c"}) {
		t.Fatalf("expected least recently used collection evicted, got %v", ids)
	}
	if n := env.bus.Subscribers(); n != fixed+2 {
		t.Fatalf("expected %d subscribers, got %d", fixed+2, n)
	}

	env.bus.Invalidate(cache.CollectionKey("b"))
	env.dash.Wait()
	if got := env.source.folderLinkCalls("b"); got != 1 {
		t.Fatalf("evicted collection should not refetch, got %d calls", got)
	}
}

func TestDeletedFolderCollectionUnmounted(t *testing.T) {
	env := newTestEnv(t)
	env.dash.Activate(context.Background())
	t.Cleanup(env.dash.Close)

	res, err := env.dash.Collection("c")
	if err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	if state := await(t, res); state.Err != nil {
		t.Fatalf("collection load failed: %v", state.Err)
	}

	env.source.removeFolder("c")
	env.bus.Invalidate(cache.CollectionKey("c"))
	env.dash.Wait()

	if ids := env.dash.Collections(); slices.Contains(ids, "c") {
		t.Fatalf("collection of deleted folder should be unmounted, got %v", ids)
	}
}

func TestWaitCoversCollectionsAfterClose(t *testing.T) {
	env := newTestEnv(t)
	env.dash.Activate(context.Background())
	env.dash.Wait()

	gate := make(chan struct{})
	env.source.setGate(gate)
	if _, err := env.dash.Collection("a"); err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	waitUntil(t, func() bool { return env.source.folderLinkCalls("a") == 1 })

	env.dash.Close()
	done := make(chan struct{})
	go func() {
		env.dash.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("wait returned while a collection fetch was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not return after the fetch finished")
	}
}

func TestCloseDeactivatesEverything(t *testing.T) {
	env := newTestEnv(t)
	env.dash.Activate(context.Background())
	if _, err := env.dash.Collection("a"); err != nil {
		t.Fatalf("collection failed: %v", err)
	}
	env.dash.Wait()
	env.dash.Close()

	if n := env.bus.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers after close, got %d", n)
	}
	if _, err := env.dash.Collection("a"); err == nil {
		t.Fatalf("collection after close should fail")
	}
}

func TestNewRequiresSource(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without source")
	}
}

type testEnv struct {
	dash   *Dashboard
	store  *cache.Store
	bus    *cache.Bus
	source *fakeSource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()
	store := cache.NewStore(cache.NewMemoryBacking(0), cache.StoreOptions{})
	bus := cache.NewBus(store, nil)
	source := newFakeSource()
	opts := Options{
		Source:      source,
		Store:       store,
		Bus:         bus,
		RecentLimit: 5,
		TopTags:     2,
	}
	if configure != nil {
		configure(&opts)
	}
	dash, err := New(opts)
	if err != nil {
		t.Fatalf("new dashboard: %v", err)
	}
	return &testEnv{dash: dash, store: store, bus: bus, source: source}
}

func await[V any](t *testing.T, res *cache.Resource[V]) cache.State[V] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := res.Await(ctx)
	if err != nil {
		t.Fatalf("await %s: %v", res.Key(), err)
	}
	return state
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeSource struct {
	mu        sync.Mutex
	folders   []api.Folder
	links     map[string][]api.Link
	tags      []api.Tag
	tagsErr   error
	limit     int
	linkCalls map[string]int
	// gate 非 nil 时 FolderLinks 阻塞到 gate 关闭，且不理会 ctx
	gate chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		folders: []api.Folder{
			{ID: "a", Name: "Work", Pinned: true, LinkCount: 2},
			{ID: "b", Name: "Reading", ParentID: "a", Starred: true, LinkCount: 3},
			{ID: "c", Name: "Misc", LinkCount: 1},
			{ID: "d", Name: "Old", ParentID: "a", Starred: true, Archived: true, LinkCount: 9},
		},
		links: map[string][]api.Link{
			"a": {{ID: "l1", FolderID: "a"}, {ID: "l2", FolderID: "a"}},
		},
		tags: []api.Tag{
			{Name: "cache", Count: 4},
			{Name: "misc", Count: 1},
			{Name: "go", Count: 7},
		},
		linkCalls: make(map[string]int),
	}
}

func (f *fakeSource) ListFolders(context.Context) ([]api.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.Folder(nil), f.folders...), nil
}

func (f *fakeSource) RecentLinks(_ context.Context, limit int) ([]api.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return []api.Link{{ID: "recent"}}, nil
}

func (f *fakeSource) FolderLinks(_ context.Context, folderID string) ([]api.Link, error) {
	f.mu.Lock()
	f.linkCalls[folderID]++
	gate := f.gate
	links := append([]api.Link(nil), f.links[folderID]...)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return links, nil
}

func (f *fakeSource) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeSource) removeFolder(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = slices.DeleteFunc(f.folders, func(folder api.Folder) bool { return folder.ID == id })
}

func (f *fakeSource) ListTags(context.Context) ([]api.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tagsErr != nil {
		return nil, f.tagsErr
	}
	return append([]api.Tag(nil), f.tags...), nil
}

func (f *fakeSource) ListFiles(context.Context) ([]api.File, error) {
	return []api.File{{ID: "f1", Name: "notes.txt"}}, nil
}

func (f *fakeSource) recentLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func (f *fakeSource) folderLinkCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkCalls[id]
}
