package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memSink struct {
	mu      sync.Mutex
	dets    []DetectionRecord
	loads   []MaskLoadRecord
	batches int
	fail    bool
}

func (m *memSink) InsertDetections(_ context.Context, recs []DetectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection reset")
	}
	if len(recs) > 0 {
		m.batches++
	}
	m.dets = append(m.dets, recs...)
	return nil
}

func (m *memSink) InsertMaskLoads(_ context.Context, recs []MaskLoadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection reset")
	}
	m.loads = append(m.loads, recs...)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dets)
}

func TestRecorderBatchesBySize(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, zap.NewNop(), RecorderOptions{BatchSize: 3, FlushEvery: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.True(t, r.SubmitDetection(DetectionRecord{Stamp: uint64(i)}))
	}
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, sink.batches)
}

func TestRecorderFlushesOnTickAndShutdown(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, zap.NewNop(), RecorderOptions{BatchSize: 100, FlushEvery: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.SubmitDetection(DetectionRecord{Stamp: 1})
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	r.SubmitDetection(DetectionRecord{Stamp: 2})
	r.SubmitMaskLoad(MaskLoadRecord{Filename: "a.json"})
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 2, sink.count())
	assert.Len(t, sink.loads, 1)
	assert.EqualValues(t, 3, r.Written())
}

func TestRecorderDropsWhenFull(t *testing.T) {
	r := NewRecorder(&memSink{}, zap.NewNop(), RecorderOptions{QueueSize: 2})
	// not running: the queue fills and further submits drop instead of blocking
	assert.True(t, r.SubmitDetection(DetectionRecord{}))
	assert.True(t, r.SubmitDetection(DetectionRecord{}))
	assert.False(t, r.SubmitDetection(DetectionRecord{}))
	assert.EqualValues(t, 1, r.Dropped())
}

func TestRecorderSurvivesSinkErrors(t *testing.T) {
	sink := &memSink{fail: true}
	r := NewRecorder(sink, zap.NewNop(), RecorderOptions{BatchSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.SubmitDetection(DetectionRecord{})
	r.SubmitDetection(DetectionRecord{})
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, r.Written())
}
