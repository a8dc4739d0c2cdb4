package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for staleness tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestStore returns a Store backed by an in-memory durable tier and a fake clock.
func newTestStore(t *testing.T, capacity int) (*Store, *MemoryBacking, *fakeClock) {
	t.Helper()
	backing := NewMemoryBacking(0)
	clock := newFakeClock()
	store := NewStore(backing, StoreOptions{Capacity: capacity, Now: clock.Now})
	return store, backing, clock
}

// gatedFetcher hands out one call per fetch; each call blocks until the test
// resolves it, which lets tests control completion order.
type gatedFetcher[V any] struct {
	calls chan *pendingCall[V]
}

type pendingCall[V any] struct {
	ctx    context.Context
	result chan fetchResult[V]
}

type fetchResult[V any] struct {
	value V
	err   error
}

func newGatedFetcher[V any]() *gatedFetcher[V] {
	return &gatedFetcher[V]{calls: make(chan *pendingCall[V], 16)}
}

func (g *gatedFetcher[V]) Fetch(ctx context.Context) (V, error) {
	call := &pendingCall[V]{ctx: ctx, result: make(chan fetchResult[V], 1)}
	g.calls <- call
	res := <-call.result
	return res.value, res.err
}

// next waits for the next fetch call to start.
func (g *gatedFetcher[V]) next(t *testing.T) *pendingCall[V] {
	t.Helper()
	select {
	case call := <-g.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fetch call")
		return nil
	}
}

// assertNoCall fails if a fetch starts within a short window.
func (g *gatedFetcher[V]) assertNoCall(t *testing.T) {
	t.Helper()
	select {
	case <-g.calls:
		t.Fatalf("unexpected fetch call")
	case <-time.After(50 * time.Millisecond):
	}
}

func (c *pendingCall[V]) resolve(value V) {
	c.result <- fetchResult[V]{value: value}
}

func (c *pendingCall[V]) reject(err error) {
	c.result <- fetchResult[V]{err: err}
}
