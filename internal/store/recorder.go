package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink is where a Recorder flushes its batches. *Store implements it.
type Sink interface {
	InsertDetections(ctx context.Context, recs []DetectionRecord) error
	InsertMaskLoads(ctx context.Context, recs []MaskLoadRecord) error
}

// RecorderOptions tunes batching.
type RecorderOptions struct {
	BatchSize  int
	FlushEvery time.Duration
	QueueSize  int
}

func (o *RecorderOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 128
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
}

// Recorder buffers records from the pipeline's workers and writes them in batches
// on its own goroutine. Submitting never blocks: when the queue is full the record
// is dropped and counted.
type Recorder struct {
	sink Sink
	log  *zap.Logger
	opts RecorderOptions

	detections chan DetectionRecord
	loads      chan MaskLoadRecord
	dropped    atomic.Int64
	written    atomic.Int64
}

func NewRecorder(sink Sink, log *zap.Logger, opts RecorderOptions) *Recorder {
	opts.defaults()
	return &Recorder{
		sink:       sink,
		log:        log.Named("recorder"),
		opts:       opts,
		detections: make(chan DetectionRecord, opts.QueueSize),
		loads:      make(chan MaskLoadRecord, opts.QueueSize),
	}
}

// SubmitDetection queues rec. It reports false if the record was dropped.
func (r *Recorder) SubmitDetection(rec DetectionRecord) bool {
	select {
	case r.detections <- rec:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// SubmitMaskLoad queues rec. It reports false if the record was dropped.
func (r *Recorder) SubmitMaskLoad(rec MaskLoadRecord) bool {
	select {
	case r.loads <- rec:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many records reached the sink.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Run flushes batches until ctx is done, then drains whatever is queued and
// flushes it with a short grace period of its own.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.FlushEvery)
	defer ticker.Stop()

	dets := make([]DetectionRecord, 0, r.opts.BatchSize)
	loads := make([]MaskLoadRecord, 0, r.opts.BatchSize)

	flush := func(ctx context.Context) {
		if err := r.sink.InsertDetections(ctx, dets); err != nil {
			r.log.Error("failed to write detections", zap.Int("count", len(dets)), zap.Error(err))
		} else {
			r.written.Add(int64(len(dets)))
		}
		if err := r.sink.InsertMaskLoads(ctx, loads); err != nil {
			r.log.Error("failed to write mask loads", zap.Int("count", len(loads)), zap.Error(err))
		} else {
			r.written.Add(int64(len(loads)))
		}
		dets, loads = dets[:0], loads[:0]
	}

	for {
		select {
		case <-ctx.Done():
			r.drain(&dets, &loads)
			// the run context is gone; give the final batch its own deadline
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(fctx)
			cancel()
			if n := r.dropped.Load(); n > 0 {
				r.log.Warn("records dropped under load", zap.Int64("dropped", n))
			}
			return nil
		case rec := <-r.detections:
			dets = append(dets, rec)
			if len(dets) >= r.opts.BatchSize {
				flush(ctx)
			}
		case rec := <-r.loads:
			// mask loads are rare and worth seeing promptly
			loads = append(loads, rec)
			flush(ctx)
		case <-ticker.C:
			if len(dets) > 0 || len(loads) > 0 {
				flush(ctx)
			}
		}
	}
}

func (r *Recorder) drain(dets *[]DetectionRecord, loads *[]MaskLoadRecord) {
	for {
		select {
		case rec := <-r.detections:
			*dets = append(*dets, rec)
		case rec := <-r.loads:
			*loads = append(*loads, rec)
		default:
			return
		}
	}
}
