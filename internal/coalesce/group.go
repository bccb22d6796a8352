// Package coalesce collapses concurrent calls for the same key into one execution.
//
// Only in-flight work is shared: once the call for a key returns, success or
// failure, the key is forgotten and the next caller starts a fresh execution.
package coalesce

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flight is the shared work context of one key and the callers waiting on it
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Group runs at most one fn per key at any instant
type Group[T any] struct {
	sf singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// Do invokes fn once for all concurrent callers of key and hands every caller the same result.
//
// fn runs on a context that keeps the first caller's values but not its
// cancellation, so one caller giving up does not fail the others. It is
// cancelled once every caller waiting on key has given up.
// shared reports whether the result was delivered to more than one caller.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, shared bool, err error) {
	f := g.join(ctx, key)

	ch := g.sf.DoChan(key, func() (interface{}, error) {
		return fn(f.ctx)
	})

	select {
	case res := <-ch:
		g.leave(key, f, false)
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		g.leave(key, f, true)
		return v, false, ctx.Err()
	}
}

func (g *Group[T]) join(ctx context.Context, key string) *flight {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flights == nil {
		g.flights = make(map[string]*flight)
	}
	f, ok := g.flights[key]
	if !ok {
		workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: workCtx, cancel: cancel}
		g.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops one waiter. The last one out cancels the shared context; when it
// gave up early the key is forgotten so the next caller does not join the
// cancelled execution.
func (g *Group[T]) leave(key string, f *flight, abandoned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if g.flights[key] == f {
		delete(g.flights, key)
	}
	if abandoned {
		g.sf.Forget(key)
	}
	f.cancel()
}
