package detect

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andresmejia3/facemask/internal/lifecycle"
	"github.com/andresmejia3/facemask/internal/metrics"
	"github.com/andresmejia3/facemask/internal/ring"
	"github.com/andresmejia3/facemask/internal/types"
)

// Phase is what the detection loop is doing right now.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseWaiting
	PhaseDetecting
	PhasePublishing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaiting:
		return "waiting-for-frame"
	case PhaseDetecting:
		return "detecting"
	case PhasePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Publication describes one result pushed to the result ring.
type Publication struct {
	Stamp   types.TimeStamp
	Faces   int
	Skipped uint64
	Latency time.Duration
}

// Worker runs the detector on the newest captured frame, one pass at a time,
// and publishes each result tagged with the stamp of the frame it came from.
type Worker struct {
	log      *zap.Logger
	errLog   *zap.Logger
	detector Detector
	frames   *ring.Buffer[types.CachedFrame]
	results  *ring.Buffer[types.CachedResult]
	tracker  *lifecycle.Tracker
	phase    atomic.Int32

	mu       sync.Mutex
	cond     *sync.Cond
	notified types.TimeStamp
	consumed types.TimeStamp

	hooks []func(Publication)

	skipped atomic.Uint64
	passes  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	// scratch owned by the loop goroutine
	gray  *image.Gray
	morph types.MorphData
}

// NewWorker wires a detector between the two rings.
func NewWorker(log *zap.Logger, d Detector, frames *ring.Buffer[types.CachedFrame], results *ring.Buffer[types.CachedResult]) *Worker {
	log = log.Named("detect")
	w := &Worker{
		log:      log,
		detector: d,
		frames:   frames,
		results:  results,
		tracker:  lifecycle.NewTracker(),
		// one error line per second at most; a broken detector fails every frame
		errLog: log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewSamplerWithOptions(c, time.Second, 1, 0)
		})),
	}
	w.cond = sync.NewCond(&w.mu)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// OnPublish registers fn to run after every publication. Hooks run on the worker
// goroutine and must not block. Register before Start.
func (w *Worker) OnPublish(fn func(Publication)) {
	w.hooks = append(w.hooks, fn)
}

// Start launches the loop.
func (w *Worker) Start() error {
	if err := w.tracker.Start(); err != nil {
		return err
	}
	w.phase.Store(int32(PhaseWaiting))
	metrics.WorkerState.WithLabelValues("detect").Set(float64(lifecycle.Running))
	go w.loop()
	return nil
}

// Notify tells the worker a frame stamped ts is in the frame ring. Never blocks
// on a detection pass.
func (w *Worker) Notify(ts types.TimeStamp) {
	w.mu.Lock()
	if ts.After(w.notified) {
		w.notified = ts
	}
	w.cond.Signal()
	w.mu.Unlock()
}

// Stop requests shutdown, cancels the running detection and waits for the loop
// to exit until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.tracker.BeginShutdown()
	w.cond.Broadcast()
	w.mu.Unlock()
	w.cancel()

	err := w.tracker.Wait(ctx)
	if err != nil {
		w.log.Warn("detection worker did not stop in time")
	}
	metrics.WorkerState.WithLabelValues("detect").Set(float64(w.tracker.State()))
	return err
}

// State returns the lifecycle state.
func (w *Worker) State() lifecycle.State { return w.tracker.State() }

// Phase returns the loop phase.
func (w *Worker) Phase() Phase { return Phase(w.phase.Load()) }

// Skipped returns how many captured frames were passed over in favour of newer ones.
func (w *Worker) Skipped() uint64 { return w.skipped.Load() }

// Passes returns how many detection passes have completed.
func (w *Worker) Passes() uint64 { return w.passes.Load() }

// Rewind treats every frame up to last as consumed, e.g. after the rings were
// reset. The next frame after last is not counted as skipping anything.
func (w *Worker) Rewind(last types.TimeStamp) {
	w.mu.Lock()
	if last.After(w.notified) {
		w.notified = last
	}
	if last.After(w.consumed) {
		w.consumed = last
	}
	w.mu.Unlock()
}

func (w *Worker) loop() {
	defer w.tracker.Finish()
	defer w.phase.Store(int32(PhaseIdle))

	for {
		w.mu.Lock()
		for !w.notified.After(w.consumed) && !w.tracker.ShuttingDown() {
			w.phase.Store(int32(PhaseWaiting))
			w.cond.Wait()
		}
		if w.tracker.ShuttingDown() {
			w.mu.Unlock()
			return
		}
		after := w.consumed
		w.mu.Unlock()

		ts, ok := w.takeNewest(after)
		if !ok {
			// notified frames were already overwritten or reset away
			w.mu.Lock()
			if w.notified.After(w.consumed) {
				w.consumed = w.notified
			}
			w.mu.Unlock()
			continue
		}

		var skipped uint64
		w.mu.Lock()
		switch {
		case w.consumed != after:
			// rewound while we were picking; the gap is not ours to count
			if ts.After(w.consumed) {
				w.consumed = ts
			}
		default:
			if n := uint64(ts - after); n > 1 {
				skipped = n - 1
			}
			w.consumed = ts
		}
		w.mu.Unlock()

		if skipped > 0 {
			w.skipped.Add(skipped)
			metrics.FramesSkipped.Add(float64(skipped))
		}
		w.pass(ts, skipped)
	}
}

// takeNewest copies the newest frame newer than after into the worker's scratch
// buffers, holding only that slot's lock.
func (w *Worker) takeNewest(after types.TimeStamp) (types.TimeStamp, bool) {
	var stamp types.TimeStamp
	found := w.frames.Newest(
		func(ts types.TimeStamp) bool { return ts.After(after) },
		func(ts types.TimeStamp, f *types.CachedFrame) {
			if f.Detect == nil {
				return
			}
			w.gray = copyGray(w.gray, f.Detect)
			w.morph.Deltas = append(w.morph.Deltas[:0], f.Morph.Deltas...)
			f.Active = false
			stamp = ts
		})
	return stamp, found && !stamp.IsZero()
}

func (w *Worker) pass(ts types.TimeStamp, skipped uint64) {
	w.phase.Store(int32(PhaseDetecting))
	start := time.Now()
	faces, tri, err := w.detector.Detect(w.ctx, w.gray, w.morph)
	took := time.Since(start)
	metrics.DetectionSeconds.Observe(took.Seconds())
	w.passes.Add(1)

	if err != nil {
		metrics.Detections.WithLabelValues("error").Inc()
		if w.ctx.Err() == nil {
			w.errLog.Error("detection failed", zap.Uint64("stamp", uint64(ts)), zap.Error(err))
		}
		return
	}

	w.phase.Store(int32(PhasePublishing))
	w.results.PushFunc(ts, func(r *types.CachedResult) {
		r.Detection.CopyFrom(faces)
		r.Triangulation.CopyFrom(tri)
	})
	if len(faces) == 0 {
		metrics.Detections.WithLabelValues("empty").Inc()
	} else {
		metrics.Detections.WithLabelValues("face").Inc()
	}

	pub := Publication{Stamp: ts, Faces: len(faces), Skipped: skipped, Latency: took}
	for _, fn := range w.hooks {
		fn(pub)
	}
}

// copyGray copies src into dst, reallocating dst only when the size changed.
func copyGray(dst, src *image.Gray) *image.Gray {
	b := src.Bounds()
	if dst == nil || dst.Bounds().Size() != b.Size() {
		dst = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	for y := 0; y < b.Dy(); y++ {
		so := src.PixOffset(b.Min.X, b.Min.Y+y)
		do := dst.PixOffset(0, y)
		copy(dst.Pix[do:do+b.Dx()], src.Pix[so:so+b.Dx()])
	}
	return dst
}
