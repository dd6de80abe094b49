package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "facemask"

var (
	// FramesCaptured counts frames pushed into the frame ring by the render loop.
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_captured_total",
		Help:      "Frames captured by the render loop",
	})

	// FramesSkipped counts frames overwritten or passed over before the detector saw them.
	FramesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_skipped_total",
		Help:      "Captured frames the detection worker never ran on",
	})

	// Detections counts detection passes by outcome (face, empty, error).
	Detections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detection passes by outcome",
		},
		[]string{"outcome"},
	)

	// DetectionSeconds tracks detector latency.
	DetectionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "detection_seconds",
		Help:      "Time spent in a single detection pass",
		Buckets:   prometheus.DefBuckets,
	})

	// StaleTicks counts renders that reused the previous pose because no fresher result existed.
	StaleTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_ticks_total",
		Help:      "Renders that fell back to the last known-good detection",
	})

	// ContextUnavailable counts renders that skipped drawing because the graphics context was busy.
	ContextUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gfx_context_unavailable_total",
		Help:      "Renders aborted because the graphics context could not be acquired",
	})

	// MaskLoads counts mask loads by result (ok, error, superseded).
	MaskLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mask_loads_total",
			Help:      "Mask load attempts by result",
		},
		[]string{"result"},
	)

	// MaskLoadSeconds tracks mask load latency.
	MaskLoadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mask_load_seconds",
		Help:      "Time spent decoding and uploading a mask bundle",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// WorkerState exposes each worker's lifecycle state as a number.
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "Worker lifecycle state (0 idle, 1 running, 2 shutting down, 3 stopped)",
		},
		[]string{"worker"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
