package staking

import (
	"context"
	"sync"
)

type tokenKey uint64

// Guard grants exclusive execution per pool. A holder's context carries the
// pool's token; acquiring again with that context is rejected instead of
// deadlocking, which catches collaborators calling back into the engine.
//
// Only in-process callbacks are recognized. A collaborator that calls back
// through another path with a fresh context, such as over HTTP, looks like
// any other caller: it waits for the token until its context ends and then
// fails with the context's error, while the operation it is nested in waits
// on that collaborator.
type Guard struct {
	mu    sync.Mutex
	slots map[uint64]chan struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{slots: make(map[uint64]chan struct{})}
}

func (g *Guard) slot(poolID uint64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.slots[poolID]
	if !ok {
		ch = make(chan struct{}, 1)
		g.slots[poolID] = ch
	}
	return ch
}

// Held reports whether ctx carries the token for poolID.
func Held(ctx context.Context, poolID uint64) bool {
	return ctx.Value(tokenKey(poolID)) != nil
}

// Acquire waits for the pool's token. The returned context carries it and
// must be passed to everything invoked while it is held. release is safe to
// call more than once.
func (g *Guard) Acquire(ctx context.Context, poolID uint64) (context.Context, func(), error) {
	if Held(ctx, poolID) {
		return nil, nil, ErrReentrant
	}
	ch := g.slot(poolID)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	release := func() { once.Do(func() { <-ch }) }
	return context.WithValue(ctx, tokenKey(poolID), struct{}{}), release, nil
}
