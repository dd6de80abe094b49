// Package pipeline ties the render loop to the detection and mask loader workers.
//
// The render loop owns the frame ring and the graphics context; the detection
// worker owns the result ring; the loader owns the live mask. They only meet
// through per-slot ring locks, the loader's swap lock and gfx scopes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/andresmejia3/facemask/internal/config"
	"github.com/andresmejia3/facemask/internal/detect"
	"github.com/andresmejia3/facemask/internal/gfx"
	"github.com/andresmejia3/facemask/internal/lifecycle"
	"github.com/andresmejia3/facemask/internal/mask"
	"github.com/andresmejia3/facemask/internal/metrics"
	"github.com/andresmejia3/facemask/internal/ring"
	"github.com/andresmejia3/facemask/internal/types"
)

type (
	CachedFrame  = types.CachedFrame
	CachedResult = types.CachedResult
)

// Stats are render loop counters for a run.
type Stats struct {
	Frames       uint64
	StaleTicks   uint64
	Undrawn      uint64
	Skipped      uint64
	Detections   uint64
	AppliedStamp types.TimeStamp
}

// Orchestrator runs the per-tick protocol. Tick and Render must be called from a
// single goroutine, the render loop.
type Orchestrator struct {
	log      *zap.Logger
	frames   *ring.Buffer[CachedFrame]
	results  *ring.Buffer[CachedResult]
	clock    types.Clock
	detector *detect.Worker
	loader   *mask.Loader
	gfx      *gfx.Context
	yard     *mask.Graveyard
	comp     *Compositor

	detectWidth int
	active      atomic.Bool
	stopOnce    sync.Once

	// render loop state
	settings     config.Settings
	requested    string
	applied      CachedResult
	appliedStamp types.TimeStamp
	frameCount   uint64
	stale        uint64
	undrawn      uint64
}

// New builds an orchestrator. If load is nil masks are read from disk with
// mask.FileLoader.
func New(log *zap.Logger, g *gfx.Context, d detect.Detector, load mask.LoadFunc, st config.Settings) (*Orchestrator, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if load == nil {
		load = mask.FileLoader(g)
	}
	o := &Orchestrator{
		log:         log.Named("pipeline"),
		frames:      ring.New[CachedFrame](st.BufferSize),
		results:     ring.New[CachedResult](st.BufferSize),
		gfx:         g,
		yard:        &mask.Graveyard{},
		comp:        NewCompositor(),
		detectWidth: st.DetectWidth,
		settings:    st,
	}
	o.detector = detect.NewWorker(log, d, o.frames, o.results)
	o.loader = mask.NewLoader(log, load, o.yard)
	o.active.Store(true)
	return o, nil
}

// OnPublish registers a hook on the detection worker. Call before Start.
func (o *Orchestrator) OnPublish(fn func(detect.Publication)) { o.detector.OnPublish(fn) }

// MaskNotices reports finished mask loads.
func (o *Orchestrator) MaskNotices() <-chan mask.Notice { return o.loader.Notices() }

// Start launches both workers.
func (o *Orchestrator) Start() error {
	if err := o.detector.Start(); err != nil {
		return fmt.Errorf("failed to start detection worker: %w", err)
	}
	if err := o.loader.Start(); err != nil {
		return fmt.Errorf("failed to start mask loader: %w", err)
	}
	o.log.Info("pipeline started", zap.Int("buffer", o.frames.Cap()), zap.Int("detect_width", o.detectWidth))
	return nil
}

// Stop stops both workers within ctx, then drops the live mask and destroys every
// asset waiting on the graveyard. Workers that miss the deadline are abandoned
// and reported as lifecycle.ErrShutdownTimeout.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var err error
	o.stopOnce.Do(func() {
		var wg sync.WaitGroup
		var detErr, loadErr error
		wg.Add(2)
		go func() { defer wg.Done(); detErr = o.detector.Stop(ctx) }()
		go func() { defer wg.Done(); loadErr = o.loader.Stop(ctx) }()
		wg.Wait()
		if detErr != nil {
			detErr = fmt.Errorf("detection worker: %w", detErr)
		}
		if loadErr != nil {
			loadErr = fmt.Errorf("mask loader: %w", loadErr)
		}

		o.loader.Unload()
		// teardown still needs the device even if the caller's deadline passed
		drainErr := o.drain(context.WithoutCancel(ctx))
		if loadErr != nil {
			// an abandoned load buries its asset whenever it returns
			go func() {
				<-o.loader.Done()
				if err := o.drain(context.Background()); err != nil {
					o.log.Warn("failed to destroy mask from abandoned load", zap.Error(err))
				}
			}()
		}
		err = errors.Join(detErr, loadErr, drainErr)
		o.log.Info("pipeline stopped",
			zap.Stringer("detect", o.detector.State()),
			zap.Stringer("loader", o.loader.State()),
			zap.Int64("live_textures", o.gfx.Stats().Textures))
	})
	return err
}

func (o *Orchestrator) drain(ctx context.Context) error {
	return o.gfx.Do(ctx, func(s *gfx.Scope) error {
		_, err := o.yard.Drain(s)
		return err
	})
}

// States returns the lifecycle of (detection worker, mask loader).
func (o *Orchestrator) States() (lifecycle.State, lifecycle.State) {
	return o.detector.State(), o.loader.State()
}

// Tick applies a settings snapshot. A changed mask file becomes a load request;
// the request never blocks the render loop.
func (o *Orchestrator) Tick(st config.Settings) {
	o.settings = st
	if st.MaskFile != o.requested {
		o.requested = st.MaskFile
		o.loader.RequestLoad(st.MaskFile)
	}
}

// Activate resumes processing after Deactivate.
func (o *Orchestrator) Activate() {
	if !o.active.Swap(true) {
		o.log.Debug("pipeline activated")
	}
}

// Deactivate stops feeding the detector and forgets every cached frame, result
// and the applied pose. Render passes frames through untouched until Activate.
// Call from the render loop.
func (o *Orchestrator) Deactivate() {
	if !o.active.Swap(false) {
		return
	}
	o.frames.Reset()
	o.results.Reset()
	o.detector.Rewind(o.clock.Last())
	o.applied.Detection = o.applied.Detection[:0]
	o.applied.Triangulation = types.TriangulationResult{}
	o.appliedStamp = 0
	o.log.Debug("pipeline deactivated")
}

// Render runs one tick on frame and returns the image to display. The returned
// image is frame itself, drawn on in place.
//
// A busy graphics context is not fatal: the frame is returned undrawn together
// with an error wrapping gfx.ErrContextUnavailable.
func (o *Orchestrator) Render(ctx context.Context, frame *image.RGBA) (*image.RGBA, error) {
	if !o.active.Load() {
		return frame, nil
	}
	o.frameCount++

	live := o.loader.Acquire()
	defer func() { live.Release() }()
	var asset *mask.Asset
	var morph types.MorphData
	if live != nil {
		asset = live.Asset()
		morph = asset.Morph
	}

	// 1. capture
	ts := o.clock.Next()
	o.frames.PushFunc(ts, func(f *CachedFrame) {
		f.Capture = copyRGBA(f.Capture, frame)
		f.Detect = downscaleGray(f.Detect, frame, o.detectWidth)
		f.Morph.Deltas = append(f.Morph.Deltas[:0], morph.Deltas...)
		f.Active = true
	})
	metrics.FramesCaptured.Inc()
	o.detector.Notify(ts)

	// 2. correlate: newest result at or before the displayed frame
	fresh := false
	o.results.AtOrBefore(ts, func(rts types.TimeStamp, r *CachedResult) {
		if rts == o.appliedStamp {
			return
		}
		o.applied.Detection.CopyFrom(r.Detection)
		o.applied.Triangulation.CopyFrom(r.Triangulation)
		o.appliedStamp = rts
		fresh = true
	})
	if !fresh {
		o.stale++
		metrics.StaleTicks.Inc()
	}

	if o.settings.SyncDisplay && !o.appliedStamp.IsZero() {
		o.FindCachedFrame(o.appliedStamp, frame)
	}

	// 3. draw
	dctx, cancel := context.WithTimeout(ctx, o.settings.ContextTimeout)
	defer cancel()
	scope, err := o.gfx.Acquire(dctx)
	if err != nil {
		o.undrawn++
		metrics.ContextUnavailable.Inc()
		return frame, err
	}
	defer scope.Release()

	o.comp.Draw(scope, frame, asset, &o.applied, detectScale(frame, o.detectWidth), o.settings)

	// our own reference must go before draining so an unloaded mask can die this tick
	live.Release()
	live = nil
	if _, err := o.yard.Drain(scope); err != nil {
		o.log.Warn("failed to destroy retired mask", zap.Error(err))
	}
	return frame, nil
}

// FindCachedFrame copies the captured frame stamped ts into dst. It reports false
// if that frame has already left the ring or its size differs from dst.
func (o *Orchestrator) FindCachedFrame(ts types.TimeStamp, dst *image.RGBA) bool {
	ok := false
	o.frames.Exact(ts, func(_ types.TimeStamp, f *CachedFrame) {
		if f.Capture == nil || f.Capture.Bounds().Size() != dst.Bounds().Size() {
			return
		}
		copyRGBAInto(dst, f.Capture)
		ok = true
	})
	return ok
}

// LatestResult returns the stamp of the newest published result, if any.
func (o *Orchestrator) LatestResult() (types.TimeStamp, bool) {
	var stamp types.TimeStamp
	found := o.results.AtOrBefore(o.clock.Last(), func(ts types.TimeStamp, _ *CachedResult) { stamp = ts })
	return stamp, found
}

// Stats returns counters. Call from the render loop.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Frames:       o.frameCount,
		StaleTicks:   o.stale,
		Undrawn:      o.undrawn,
		Skipped:      o.detector.Skipped(),
		Detections:   o.detector.Passes(),
		AppliedStamp: o.appliedStamp,
	}
}

// detectScale maps detector coordinates back to frame coordinates.
func detectScale(frame *image.RGBA, detectWidth int) float64 {
	w := frame.Bounds().Dx()
	if w <= detectWidth || detectWidth <= 0 {
		return 1
	}
	return float64(w) / float64(detectWidth)
}

func copyRGBA(dst, src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	if dst == nil || dst.Bounds().Size() != b.Size() {
		dst = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	copyRGBAInto(dst, src)
	return dst
}

// copyRGBAInto copies row by row; both images must have the same size.
func copyRGBAInto(dst, src *image.RGBA) {
	sb, db := src.Bounds(), dst.Bounds()
	n := sb.Dx() * 4
	for y := 0; y < sb.Dy(); y++ {
		so := src.PixOffset(sb.Min.X, sb.Min.Y+y)
		do := dst.PixOffset(db.Min.X, db.Min.Y+y)
		copy(dst.Pix[do:do+n], src.Pix[so:so+n])
	}
}

// downscaleGray produces the detector input: frame converted to gray and shrunk
// to width pixels wide, keeping the aspect ratio. Frames narrower than width
// keep their size.
func downscaleGray(dst *image.Gray, frame *image.RGBA, width int) *image.Gray {
	b := frame.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > width && width > 0 {
		h = max(1, h*width/w)
		w = width
	}
	if dst == nil || dst.Bounds().Dx() != w || dst.Bounds().Dy() != h {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	}
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, xdraw.Src, nil)
	return dst
}
