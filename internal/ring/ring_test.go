package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facemask/internal/types"
)

func TestPushRetainsLastN(t *testing.T) {
	tests := []struct {
		name   string
		cap    int
		pushes int
		want   []types.TimeStamp
	}{
		{"empty", 4, 0, []types.TimeStamp{}},
		{"partially filled", 4, 2, []types.TimeStamp{1, 2}},
		{"exactly full", 4, 4, []types.TimeStamp{1, 2, 3, 4}},
		{"wrapped once", 4, 6, []types.TimeStamp{3, 4, 5, 6}},
		{"wrapped many times", 3, 10, []types.TimeStamp{8, 9, 10}},
		{"capacity one", 1, 5, []types.TimeStamp{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New[int](tt.cap)
			for i := 1; i <= tt.pushes; i++ {
				b.Push(types.TimeStamp(i), i*10)
			}
			assert.Equal(t, tt.want, b.Snapshot())

			for _, ts := range tt.want {
				var got int
				require.True(t, b.Exact(ts, func(_ types.TimeStamp, v *int) { got = *v }))
				assert.Equal(t, int(ts)*10, got, "value stored under stamp %d", ts)
			}
		})
	}
}

func TestPushReturnsSlotIndex(t *testing.T) {
	b := New[string](4)
	for i := 0; i < 9; i++ {
		assert.Equal(t, i%4, b.Push(types.TimeStamp(i+1), "x"))
	}
}

func TestNewCapacityFloor(t *testing.T) {
	assert.Equal(t, 1, New[int](0).Cap())
	assert.Equal(t, 1, New[int](-3).Cap())
}

func TestAtOrBeforeMostRecentMatch(t *testing.T) {
	b := New[string](4)
	b.Push(2, "two")
	b.Push(5, "five")
	b.Push(7, "seven")
	b.Push(9, "nine")

	tests := []struct {
		query  types.TimeStamp
		found  bool
		wantTS types.TimeStamp
	}{
		{1, false, 0},
		{2, true, 2},
		{4, true, 2},
		{5, true, 5},
		{8, true, 7},
		{100, true, 9},
	}

	for _, tt := range tests {
		var gotTS types.TimeStamp
		ok := b.AtOrBefore(tt.query, func(ts types.TimeStamp, _ *string) { gotTS = ts })
		assert.Equal(t, tt.found, ok, "query %d", tt.query)
		if tt.found {
			assert.Equal(t, tt.wantTS, gotTS, "query %d", tt.query)
			assert.LessOrEqual(t, gotTS, tt.query)
		}
	}
}

func TestNewestHonoursPredicate(t *testing.T) {
	b := New[int](4)
	for i := 1; i <= 4; i++ {
		b.Push(types.TimeStamp(i), i)
	}

	var got types.TimeStamp
	require.True(t, b.Newest(nil, func(ts types.TimeStamp, _ *int) { got = ts }))
	assert.Equal(t, types.TimeStamp(4), got)

	require.True(t, b.Newest(func(ts types.TimeStamp) bool { return ts%2 == 1 }, func(ts types.TimeStamp, _ *int) { got = ts }))
	assert.Equal(t, types.TimeStamp(3), got)

	assert.False(t, b.Newest(func(ts types.TimeStamp) bool { return ts > 4 }, nil))
}

func TestResetEmptiesSlots(t *testing.T) {
	b := New[int](4)
	b.Push(1, 1)
	b.Push(2, 2)
	b.Reset()

	assert.Empty(t, b.Snapshot())
	assert.False(t, b.AtOrBefore(10, nil))

	b.Push(3, 3)
	assert.Equal(t, []types.TimeStamp{3}, b.Snapshot())
}

func TestPushFuncReusesSlotValue(t *testing.T) {
	b := New[[]byte](1)
	b.PushFunc(1, func(dst *[]byte) { *dst = append((*dst)[:0], 1, 2, 3) })
	var first *byte
	b.Exact(1, func(_ types.TimeStamp, v *[]byte) { first = &(*v)[0] })

	b.PushFunc(2, func(dst *[]byte) { *dst = append((*dst)[:0], 9) })
	b.Exact(2, func(_ types.TimeStamp, v *[]byte) {
		assert.Equal(t, []byte{9}, *v)
		assert.Same(t, first, &(*v)[0], "backing array should be reused")
	})
}

// A reader parked on one slot must not stop the writer from advancing through the others.
func TestPushDoesNotBlockOnOtherSlotReaders(t *testing.T) {
	b := New[int](4)
	b.Push(1, 1)

	held := make(chan struct{})
	releaseReader := make(chan struct{})
	go b.Exact(1, func(types.TimeStamp, *int) {
		close(held)
		<-releaseReader
	})
	<-held

	done := make(chan struct{})
	go func() {
		// slots 1..3 are free; slot 0 is held by the reader
		b.Push(2, 2)
		b.Push(3, 3)
		b.Push(4, 4)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push blocked behind a reader of a different slot")
	}
	close(releaseReader)
}

func TestConcurrentPushAndLookup(t *testing.T) {
	b := New[int](4)
	var clock types.Clock
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			ts := clock.Next()
			b.Push(ts, int(ts))
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				q := clock.Last()
				b.AtOrBefore(q, func(ts types.TimeStamp, v *int) {
					if ts > q || types.TimeStamp(*v) != ts {
						t.Errorf("lookup(%d) returned stamp %d value %d", q, ts, *v)
					}
				})
			}
		}()
	}
	wg.Wait()
}
