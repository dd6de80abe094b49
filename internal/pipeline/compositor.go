package pipeline

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/andresmejia3/facemask/internal/config"
	"github.com/andresmejia3/facemask/internal/gfx"
	"github.com/andresmejia3/facemask/internal/mask"
	"github.com/andresmejia3/facemask/internal/types"
)

var (
	rectColor     = color.RGBA{0, 255, 0, 255}
	landmarkColor = color.RGBA{255, 0, 0, 255}
	triColor      = color.RGBA{0, 128, 255, 255}
)

// maskPadding grows the detector box so the mask covers forehead and chin.
const maskPadding = 0.15

// Compositor draws the live mask and debug overlays onto a frame. It only runs
// inside a graphics scope because it reads texture memory.
type Compositor struct {
	scaler xdraw.Transformer
}

func NewCompositor() *Compositor {
	return &Compositor{scaler: xdraw.ApproxBiLinear}
}

// Draw composites every enabled layer. Face geometry is in detector space and is
// mapped to frame space by scale.
func (c *Compositor) Draw(s *gfx.Scope, dst *image.RGBA, asset *mask.Asset, res *CachedResult, scale float64, st config.Settings) {
	if s == nil {
		return
	}
	for i := range res.Detection {
		face := &res.Detection[i]
		box := scaleRect(face.Bounds, scale)

		if st.DrawMask && asset != nil {
			c.drawMask(dst, asset, box, face.Pose)
		}
		if st.DrawFDRect {
			strokeRect(dst, box, rectColor)
		}
		if st.DrawFaces {
			for _, p := range face.Landmarks {
				fillRect(dst, image.Rect(-1, -1, 2, 2).Add(scalePoint(p, scale)), landmarkColor)
			}
		}
	}
	if st.DrawMorphTris {
		tri := &res.Triangulation
		for i := 0; i+2 < len(tri.Indices); i += 3 {
			i0, i1, i2 := tri.Indices[i], tri.Indices[i+1], tri.Indices[i+2]
			if int(max(i0, i1, i2)) >= len(tri.Vertices) {
				continue
			}
			pa := scalePoint(tri.Vertices[i0], scale)
			pb := scalePoint(tri.Vertices[i1], scale)
			pc := scalePoint(tri.Vertices[i2], scale)
			line(dst, pa, pb, triColor)
			line(dst, pb, pc, triColor)
			line(dst, pc, pa, triColor)
		}
	}
}

// drawMask maps the primary texture onto box, rotated by the head roll.
func (c *Compositor) drawMask(dst *image.RGBA, asset *mask.Asset, box image.Rectangle, pose types.Pose) {
	tex := asset.Primary()
	if tex == nil || box.Empty() {
		return
	}
	dx := int(float64(box.Dx()) * maskPadding)
	dy := int(float64(box.Dy()) * maskPadding)
	box = box.Inset(-max(dx, dy))

	src := tex.Level(tex.LevelFor(box.Dx()))
	if src == nil {
		return
	}
	sb := src.Bounds()
	sx := float64(box.Dx()) / float64(sb.Dx())
	sy := float64(box.Dy()) / float64(sb.Dy())
	cx := float64(box.Min.X+box.Max.X) / 2
	cy := float64(box.Min.Y+box.Max.Y) / 2
	c.scaler.Transform(dst, faceTransform(sx, sy, float64(pose.Rotation[2]), cx, cy, sb), src, sb, xdraw.Over, nil)
}

// faceTransform maps source pixels to destination: centre the source on the
// origin, scale, rotate by roll, then move to (cx, cy).
func faceTransform(sx, sy, roll, cx, cy float64, sb image.Rectangle) f64.Aff3 {
	sin, cos := math.Sincos(roll)
	hw, hh := float64(sb.Dx())/2, float64(sb.Dy())/2
	a, b := cos*sx, -sin*sy
	d, e := sin*sx, cos*sy
	return f64.Aff3{
		a, b, cx - a*hw - b*hh,
		d, e, cy - d*hw - e*hh,
	}
}

func scaleRect(r image.Rectangle, scale float64) image.Rectangle {
	return image.Rect(
		int(math.Round(float64(r.Min.X)*scale)), int(math.Round(float64(r.Min.Y)*scale)),
		int(math.Round(float64(r.Max.X)*scale)), int(math.Round(float64(r.Max.Y)*scale)),
	)
}

func scalePoint(p types.Point, scale float64) image.Point {
	return image.Pt(int(math.Round(float64(p.X)*scale)), int(math.Round(float64(p.Y)*scale)))
}

// fillRect paints rect with direct Pix access, clipped to the image.
func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	if r.Empty() {
		return
	}
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), c)
	fillRect(img, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), c)
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), c)
	fillRect(img, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), c)
}

// line draws a 1px Bresenham line, clipped per pixel.
func line(img *image.RGBA, p0, p1 image.Point, c color.RGBA) {
	dx := abs(p1.X - p0.X)
	dy := -abs(p1.Y - p0.Y)
	sx, sy := 1, 1
	if p0.X > p1.X {
		sx = -1
	}
	if p0.Y > p1.Y {
		sy = -1
	}
	err := dx + dy
	x, y := p0.X, p0.Y
	for {
		if image.Pt(x, y).In(img.Rect) {
			img.SetRGBA(x, y, c)
		}
		if x == p1.X && y == p1.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
