// Package ring implements the fixed-capacity "last N" caches shared between the
// render loop and the background workers.
//
// A Buffer is not a queue. Push always succeeds and overwrites the oldest slot,
// so a slow consumer silently loses data instead of stalling the producer.
// Every slot has its own mutex: a writer filling slot k never blocks a reader
// looking at slot k-1, and neither side ever holds two slot locks at once.
package ring

import (
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facemask/internal/types"
)

// DefaultCapacity matches the number of in-flight frames the pipeline was tuned for.
const DefaultCapacity = 4

type slot[T any] struct {
	mu        sync.Mutex
	ts        types.TimeStamp
	populated bool
	val       T
}

// Buffer is a circular buffer of N independently locked slots.
type Buffer[T any] struct {
	slots []slot[T]
	next  atomic.Uint64 // monotonic write index
}

// New creates a buffer with the given capacity. Capacities below 1 are raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{slots: make([]slot[T], capacity)}
}

// Cap returns the number of slots.
func (b *Buffer[T]) Cap() int { return len(b.slots) }

// Push stores v under ts in the next slot and returns its index.
func (b *Buffer[T]) Push(ts types.TimeStamp, v T) int {
	return b.PushFunc(ts, func(dst *T) { *dst = v })
}

// PushFunc overwrites the next slot in place. fill runs under the slot lock and
// may reuse whatever the slot previously held.
func (b *Buffer[T]) PushFunc(ts types.TimeStamp, fill func(*T)) int {
	idx := int((b.next.Add(1) - 1) % uint64(len(b.slots)))
	s := &b.slots[idx]
	s.mu.Lock()
	fill(&s.val)
	s.ts = ts
	s.populated = true
	s.mu.Unlock()
	return idx
}

// Newest visits the most recent populated slot whose stamp satisfies pred.
// visit runs under that slot's lock only. It reports whether a slot was visited.
func (b *Buffer[T]) Newest(pred func(types.TimeStamp) bool, visit func(types.TimeStamp, *T)) bool {
	return b.latest(func(ts types.TimeStamp) bool { return pred == nil || pred(ts) }, visit)
}

// AtOrBefore visits the populated slot with the greatest stamp <= t.
// It is O(N) and does not allocate.
func (b *Buffer[T]) AtOrBefore(t types.TimeStamp, visit func(types.TimeStamp, *T)) bool {
	return b.latest(func(ts types.TimeStamp) bool { return ts <= t }, visit)
}

// latest scans for the greatest matching stamp, then re-locks that slot to visit it.
// If the writer replaced the slot in between, the scan is repeated once.
func (b *Buffer[T]) latest(match func(types.TimeStamp) bool, visit func(types.TimeStamp, *T)) bool {
	for attempt := 0; attempt < 2; attempt++ {
		best := -1
		var bestTS types.TimeStamp
		for i := range b.slots {
			s := &b.slots[i]
			s.mu.Lock()
			if s.populated && s.ts > bestTS && match(s.ts) {
				best, bestTS = i, s.ts
			}
			s.mu.Unlock()
		}
		if best < 0 {
			return false
		}
		if b.visitIf(best, bestTS, visit) {
			return true
		}
	}
	return false
}

// Exact visits the slot holding stamp t, if it is still retained.
func (b *Buffer[T]) Exact(t types.TimeStamp, visit func(types.TimeStamp, *T)) bool {
	for i := range b.slots {
		s := &b.slots[i]
		s.mu.Lock()
		if s.populated && s.ts == t {
			if visit != nil {
				visit(s.ts, &s.val)
			}
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()
	}
	return false
}

func (b *Buffer[T]) visitIf(idx int, ts types.TimeStamp, visit func(types.TimeStamp, *T)) bool {
	s := &b.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.populated || s.ts != ts {
		return false
	}
	if visit != nil {
		visit(s.ts, &s.val)
	}
	return true
}

// Snapshot returns the stamps currently retained, oldest first.
func (b *Buffer[T]) Snapshot() []types.TimeStamp {
	out := make([]types.TimeStamp, 0, len(b.slots))
	for i := range b.slots {
		s := &b.slots[i]
		s.mu.Lock()
		if s.populated {
			out = append(out, s.ts)
		}
		s.mu.Unlock()
	}
	// insertion sort: N is tiny
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Reset marks every slot empty. Slot values are kept so their buffers can be reused.
func (b *Buffer[T]) Reset() {
	for i := range b.slots {
		s := &b.slots[i]
		s.mu.Lock()
		s.populated = false
		s.ts = 0
		s.mu.Unlock()
	}
}
