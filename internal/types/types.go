package types

import (
	"image"
	"sync/atomic"
)

// TimeStamp correlates a captured frame with the detection result computed from it.
// Zero means "no stamp".
type TimeStamp uint64

// Before reports whether t was minted before o.
func (t TimeStamp) Before(o TimeStamp) bool { return t < o }

// After reports whether t was minted after o.
func (t TimeStamp) After(o TimeStamp) bool { return t > o }

// IsZero reports whether the stamp is unset.
func (t TimeStamp) IsZero() bool { return t == 0 }

// Clock mints strictly increasing stamps for a single producer.
type Clock struct {
	seq atomic.Uint64
}

// Next returns a stamp greater than every stamp returned before it.
func (c *Clock) Next() TimeStamp {
	return TimeStamp(c.seq.Add(1))
}

// Last returns the most recently minted stamp (zero if none).
func (c *Clock) Last() TimeStamp {
	return TimeStamp(c.seq.Load())
}

// Point is a 2D point in frame pixel space.
type Point struct {
	X float32
	Y float32
}

// Pose is the head rotation (Euler, radians) and translation reported by the detector.
type Pose struct {
	Rotation    [3]float32
	Translation [3]float32
}

// DetectionResult describes one detected face.
type DetectionResult struct {
	Bounds    image.Rectangle
	Landmarks []Point
	Pose      Pose
}

// DetectionResults is the set of faces found in a single frame.
// An empty set is valid data: it means no face was found.
type DetectionResults []DetectionResult

// CopyFrom replaces the contents of d with src, reusing backing storage.
func (d *DetectionResults) CopyFrom(src DetectionResults) {
	dst := (*d)[:0]
	for _, f := range src {
		var lm []Point
		if n := len(dst); n < cap(dst) {
			lm = dst[:n+1][n].Landmarks[:0]
		}
		lm = append(lm, f.Landmarks...)
		dst = append(dst, DetectionResult{Bounds: f.Bounds, Landmarks: lm, Pose: f.Pose})
	}
	*d = dst
}

// TriangulationResult is the morph mesh produced alongside a detection.
type TriangulationResult struct {
	Vertices []Point
	Indices  []uint16
}

// CopyFrom replaces the contents of t with src, reusing backing storage.
func (t *TriangulationResult) CopyFrom(src TriangulationResult) {
	t.Vertices = append(t.Vertices[:0], src.Vertices...)
	t.Indices = append(t.Indices[:0], src.Indices...)
}

// MorphData is the mask morph state handed to the detector with each frame.
type MorphData struct {
	Deltas []Point
}

// IsEmpty reports whether there is nothing to morph.
func (m MorphData) IsEmpty() bool { return len(m.Deltas) == 0 }

// Vertex is a mask mesh vertex: position in face space plus texture coordinates.
type Vertex struct {
	X, Y float32
	U, V float32
}

// CachedFrame is one frame-ring slot. The render loop writes it; the detection
// worker copies Detect out under the slot lock and clears Active once consumed.
type CachedFrame struct {
	Capture *image.RGBA
	Detect  *image.Gray
	Morph   MorphData
	Active  bool
}

// CachedResult is one result-ring slot, written only by the detection worker.
type CachedResult struct {
	Detection     DetectionResults
	Triangulation TriangulationResult
}
