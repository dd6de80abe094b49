package mask

import (
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facemask/internal/gfx"
)

// Handle is a reference-counted share of an Asset. The loader holds one reference
// for as long as the asset is live; every draw takes its own. When the count hits
// zero the asset goes to the Graveyard instead of being destroyed in place,
// because the last Release may happen on a goroutine that does not own the
// graphics context.
type Handle struct {
	asset *Asset
	refs  atomic.Int32
	yard  *Graveyard
}

// NewHandle wraps a with a single reference.
func NewHandle(a *Asset, yard *Graveyard) *Handle {
	h := &Handle{asset: a, yard: yard}
	h.refs.Store(1)
	return h
}

// Asset returns the wrapped asset. Valid only while the caller holds a reference.
func (h *Handle) Asset() *Asset { return h.asset }

// Retain adds a reference and returns h.
func (h *Handle) Retain() *Handle {
	h.refs.Add(1)
	return h
}

// Release drops a reference. The last one hands the asset to the graveyard.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	switch n := h.refs.Add(-1); {
	case n == 0:
		h.yard.bury(h.asset)
	case n < 0:
		panic("mask: handle released more times than retained")
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int32 { return h.refs.Load() }

// Graveyard collects assets whose last reference dropped so the render loop can
// destroy them inside its own graphics scope.
type Graveyard struct {
	mu     sync.Mutex
	assets []*Asset
}

func (g *Graveyard) bury(a *Asset) {
	if a == nil {
		return
	}
	g.mu.Lock()
	g.assets = append(g.assets, a)
	g.mu.Unlock()
}

// Len returns the number of assets waiting for destruction.
func (g *Graveyard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.assets)
}

// Drain destroys every buried asset and returns how many were destroyed.
func (g *Graveyard) Drain(s *gfx.Scope) (int, error) {
	g.mu.Lock()
	dead := g.assets
	g.assets = nil
	g.mu.Unlock()

	var firstErr error
	for _, a := range dead {
		if err := a.Destroy(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(dead), firstErr
}
