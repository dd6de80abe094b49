package mask

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/facemask/internal/lifecycle"
	"github.com/andresmejia3/facemask/internal/metrics"
)

// NoticeKind distinguishes load outcomes surfaced to the user.
type NoticeKind int

const (
	NoticeLoaded NoticeKind = iota
	NoticeUnloaded
	NoticeFailed
)

// Notice is a user-visible report of a finished load request.
type Notice struct {
	Kind     NoticeKind
	Filename string
	Err      error
	Took     time.Duration
}

const noticeBuffer = 16

// Loader builds mask assets on its own goroutine and publishes the newest one as
// the live mask.
//
// Requests coalesce: only the most recent filename is remembered. A load that is
// already running always completes and publishes before the next request starts,
// so exactly one load is ever in flight.
type Loader struct {
	log     *zap.Logger
	load    LoadFunc
	yard    *Graveyard
	tracker *lifecycle.Tracker

	mu         sync.Mutex
	cond       *sync.Cond
	pending    string
	hasPending bool
	lastErr    error

	liveMu sync.Mutex
	live   *Handle

	notices chan Notice

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLoader creates a loader. Call Start to run it.
func NewLoader(log *zap.Logger, load LoadFunc, yard *Graveyard) *Loader {
	l := &Loader{
		log:     log.Named("mask-loader"),
		load:    load,
		yard:    yard,
		tracker: lifecycle.NewTracker(),
		notices: make(chan Notice, noticeBuffer),
	}
	l.cond = sync.NewCond(&l.mu)
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// Start launches the worker goroutine.
func (l *Loader) Start() error {
	if err := l.tracker.Start(); err != nil {
		return err
	}
	metrics.WorkerState.WithLabelValues("mask-loader").Set(float64(lifecycle.Running))
	go l.loop()
	return nil
}

// RequestLoad records filename as the mask to show and wakes the worker. It never
// blocks on a load. An empty filename unloads the live mask.
func (l *Loader) RequestLoad(filename string) {
	l.mu.Lock()
	if l.hasPending && l.pending != filename {
		metrics.MaskLoads.WithLabelValues("superseded").Inc()
	}
	l.pending = filename
	l.hasPending = true
	l.cond.Signal()
	l.mu.Unlock()
}

// Acquire returns a retained handle to the live mask, or nil when none is loaded.
// The caller must Release it once its draw calls are done.
func (l *Loader) Acquire() *Handle {
	l.liveMu.Lock()
	defer l.liveMu.Unlock()
	if l.live == nil {
		return nil
	}
	return l.live.Retain()
}

// LiveFilename returns the file the live mask was loaded from.
func (l *Loader) LiveFilename() string {
	l.liveMu.Lock()
	defer l.liveMu.Unlock()
	if l.live == nil {
		return ""
	}
	return l.live.asset.Filename
}

// LastError returns the error of the most recent failed load, cleared on success.
func (l *Loader) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Notices delivers load outcomes. Notices are dropped if nobody drains the channel.
func (l *Loader) Notices() <-chan Notice { return l.notices }

// Done is closed once the worker goroutine has exited, including after an
// abandoned Stop.
func (l *Loader) Done() <-chan struct{} { return l.tracker.Done() }

// State returns the worker lifecycle state.
func (l *Loader) State() lifecycle.State { return l.tracker.State() }

// Stop asks the worker to exit and waits for it until ctx is done. An in-flight
// load may run to completion but its asset is buried, never published. If ctx
// expires first the load is cancelled and abandoned; watch Done to know when
// the graveyard holds everything it will ever get.
func (l *Loader) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.tracker.BeginShutdown()
	l.cond.Broadcast()
	l.mu.Unlock()

	err := l.tracker.Wait(ctx)
	if err != nil {
		l.cancel()
		l.log.Warn("abandoning in-flight mask load")
	}
	metrics.WorkerState.WithLabelValues("mask-loader").Set(float64(l.tracker.State()))
	return err
}

// Unload drops the live mask. Its textures are destroyed once every draw holding
// it has released its reference and the graveyard is drained.
func (l *Loader) Unload() {
	l.swap(nil)
}

func (l *Loader) loop() {
	defer l.tracker.Finish()
	defer l.cancel()

	for {
		l.mu.Lock()
		for !l.hasPending && !l.tracker.ShuttingDown() {
			l.cond.Wait()
		}
		if l.tracker.ShuttingDown() {
			l.mu.Unlock()
			return
		}
		filename := l.pending
		l.hasPending = false
		l.mu.Unlock()

		l.process(filename)
	}
}

// process runs one request with no lock held; only the final swap takes liveMu.
func (l *Loader) process(filename string) {
	if filename == "" {
		l.swap(nil)
		l.setErr(nil)
		l.notify(Notice{Kind: NoticeUnloaded})
		return
	}

	start := time.Now()
	asset, err := l.load(l.ctx, filename)
	took := time.Since(start)
	metrics.MaskLoadSeconds.Observe(took.Seconds())

	if err != nil {
		metrics.MaskLoads.WithLabelValues("error").Inc()
		l.log.Error("mask load failed, keeping previous mask",
			zap.String("file", filename), zap.Duration("took", took), zap.Error(err))
		l.setErr(err)
		l.notify(Notice{Kind: NoticeFailed, Filename: filename, Err: err, Took: took})
		return
	}
	if !l.publish(asset) {
		// Stop already ran; nobody will draw this, so it goes straight to the graveyard
		l.log.Warn("discarding mask loaded during shutdown", zap.String("file", filename))
		return
	}
	metrics.MaskLoads.WithLabelValues("ok").Inc()
	l.log.Info("mask loaded", zap.String("file", filename), zap.Duration("took", took))
	l.setErr(nil)
	l.notify(Notice{Kind: NoticeLoaded, Filename: filename, Took: took})
}

// publish makes asset the live mask unless shutdown has begun, in which case it
// is buried instead. The check and the swap share liveMu so a stopping loader
// never publishes after Unload.
func (l *Loader) publish(asset *Asset) bool {
	l.liveMu.Lock()
	if l.tracker.ShuttingDown() {
		l.liveMu.Unlock()
		l.yard.bury(asset)
		return false
	}
	prev := l.live
	l.live = NewHandle(asset, l.yard)
	l.liveMu.Unlock()

	prev.Release()
	return true
}

// swap publishes next as the live mask and drops the loader's reference to the old one.
func (l *Loader) swap(next *Handle) {
	l.liveMu.Lock()
	prev := l.live
	l.live = next
	l.liveMu.Unlock()

	prev.Release()
}

func (l *Loader) setErr(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

func (l *Loader) notify(n Notice) {
	select {
	case l.notices <- n:
	default:
	}
}
