// Package gfx models the single graphics device shared by the render loop and the
// mask loader.
//
// Texture creation and destruction require a *Scope, the capability token handed
// out by Context.Acquire. Only one scope exists at a time, so a background
// worker allocating textures can never interleave with the render loop's own
// device work.
package gfx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrContextUnavailable means the graphics context could not be acquired before the deadline.
	ErrContextUnavailable = errors.New("gfx: graphics context unavailable")
	// ErrNoScope means a device call was made without a live scope.
	ErrNoScope = errors.New("gfx: call requires an acquired graphics scope")
)

// Context guards exclusive access to the graphics device.
type Context struct {
	sem chan struct{}

	liveTextures atomic.Int64
	liveBytes    atomic.Int64
}

// NewContext creates an unowned graphics context.
func NewContext() *Context {
	return &Context{sem: make(chan struct{}, 1)}
}

// Scope is proof of exclusive ownership of a Context. It is valid until Release.
type Scope struct {
	owner    *Context
	once     sync.Once
	released atomic.Bool
}

// Acquire blocks until the context is free or ctx is done.
func (c *Context) Acquire(ctx context.Context) (*Scope, error) {
	select {
	case c.sem <- struct{}{}:
		return &Scope{owner: c}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrContextUnavailable, ctx.Err())
	}
}

// TryAcquire returns a scope only if the context is free right now.
func (c *Context) TryAcquire() (*Scope, bool) {
	select {
	case c.sem <- struct{}{}:
		return &Scope{owner: c}, true
	default:
		return nil, false
	}
}

// Release gives the context back. Calling it more than once is harmless.
func (s *Scope) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.released.Store(true)
		<-s.owner.sem
	})
}

// Valid reports whether s is a live scope on c.
func (s *Scope) valid(c *Context) bool {
	return s != nil && !s.released.Load() && s.owner == c
}

// Context returns the context this scope belongs to.
func (s *Scope) Context() *Context { return s.owner }

// Do runs fn inside an acquired scope and always releases it, including when fn
// returns early with an error or panics.
func (c *Context) Do(ctx context.Context, fn func(*Scope) error) error {
	s, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// Stats reports device resources currently alive.
type Stats struct {
	Textures int64
	Bytes    int64
}

// Stats returns a snapshot of live resources.
func (c *Context) Stats() Stats {
	return Stats{Textures: c.liveTextures.Load(), Bytes: c.liveBytes.Load()}
}
