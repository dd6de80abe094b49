// Package detect runs face detection off the render loop.
package detect

import (
	"context"
	"image"
	"time"

	"github.com/andresmejia3/facemask/internal/types"
)

// Detector finds faces in a grayscale frame. Implementations are called from a
// single goroutine and must not retain img after returning.
type Detector interface {
	Detect(ctx context.Context, img *image.Gray, morph types.MorphData) (types.DetectionResults, types.TriangulationResult, error)
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, img *image.Gray, morph types.MorphData) (types.DetectionResults, types.TriangulationResult, error)

func (f Func) Detect(ctx context.Context, img *image.Gray, morph types.MorphData) (types.DetectionResults, types.TriangulationResult, error) {
	return f(ctx, img, morph)
}

// None never finds a face.
type None struct{}

func (None) Detect(context.Context, *image.Gray, types.MorphData) (types.DetectionResults, types.TriangulationResult, error) {
	return nil, types.TriangulationResult{}, nil
}

// Static reports one face centred in the frame, covering Scale of each dimension,
// after waiting Delay. Useful for exercising the pipeline without a model.
type Static struct {
	Delay time.Duration
	Scale float64
}

func (s Static) Detect(ctx context.Context, img *image.Gray, morph types.MorphData) (types.DetectionResults, types.TriangulationResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, types.TriangulationResult{}, ctx.Err()
		}
	}

	scale := s.Scale
	if scale <= 0 || scale > 1 {
		scale = 0.5
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	origin := image.Pt(b.Min.X+(b.Dx()-w)/2, b.Min.Y+(b.Dy()-h)/2)
	box := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(w, h))}

	x0, y0 := float32(box.Min.X), float32(box.Min.Y)
	x1, y1 := float32(box.Max.X), float32(box.Max.Y)
	cx, cy := (x0+x1)/2, (y0+y1)/2
	face := types.DetectionResult{
		Bounds: box,
		// eyes, nose, mouth corners
		Landmarks: []types.Point{
			{X: x0 + (x1-x0)*0.3, Y: y0 + (y1-y0)*0.4},
			{X: x0 + (x1-x0)*0.7, Y: y0 + (y1-y0)*0.4},
			{X: cx, Y: cy},
			{X: x0 + (x1-x0)*0.35, Y: y0 + (y1-y0)*0.75},
			{X: x0 + (x1-x0)*0.65, Y: y0 + (y1-y0)*0.75},
		},
	}

	tri := types.TriangulationResult{
		Vertices: []types.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}},
		Indices:  []uint16{0, 1, 2, 0, 2, 3},
	}
	for i := range tri.Vertices {
		if i < len(morph.Deltas) {
			tri.Vertices[i].X += morph.Deltas[i].X
			tri.Vertices[i].Y += morph.Deltas[i].Y
		}
	}
	return types.DetectionResults{face}, tri, nil
}
