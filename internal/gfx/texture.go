package gfx

import (
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
)

// MaxMipLevels caps the mip chain of a single texture.
const MaxMipLevels = 32

// TextureDescriptor describes a texture to create.
type TextureDescriptor struct {
	Label         string
	Width         uint32
	Height        uint32
	MipLevelCount uint32
	Format        gputypes.TextureFormat
}

// BytesPerPixel returns the pixel size of the formats masks use, or 0 if unsupported.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm:
		return 4
	default:
		return 0
	}
}

// FormatName is a short human name for the formats masks use.
func FormatName(f gputypes.TextureFormat) string {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return "r8"
	case gputypes.TextureFormatRGBA8Unorm:
		return "rgba8"
	default:
		return "unknown"
	}
}

// Texture is a device texture with its full mip chain.
type Texture struct {
	owner     *Context
	desc      TextureDescriptor
	mips      [][]byte
	bytes     int64
	destroyed bool
}

// NewTexture validates the mip chain against desc and creates the texture.
// Level i must be exactly max(1,w>>i) * max(1,h>>i) * bpp bytes.
func NewTexture(s *Scope, desc TextureDescriptor, mips [][]byte) (*Texture, error) {
	if s == nil || s.released.Load() {
		return nil, ErrNoScope
	}
	bpp := BytesPerPixel(desc.Format)
	if bpp == 0 {
		return nil, fmt.Errorf("gfx: texture %q: unsupported format %v", desc.Label, desc.Format)
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("gfx: texture %q: zero size %dx%d", desc.Label, desc.Width, desc.Height)
	}
	if desc.MipLevelCount == 0 {
		desc.MipLevelCount = uint32(len(mips))
	}
	if int(desc.MipLevelCount) != len(mips) || len(mips) == 0 || len(mips) > MaxMipLevels {
		return nil, fmt.Errorf("gfx: texture %q: %d mip levels declared, %d supplied", desc.Label, desc.MipLevelCount, len(mips))
	}

	var total int64
	w, h := int(desc.Width), int(desc.Height)
	for i, m := range mips {
		if want := w * h * bpp; len(m) != want {
			return nil, fmt.Errorf("gfx: texture %q: mip %d is %d bytes, want %d", desc.Label, i, len(m), want)
		}
		total += int64(len(m))
		w, h = max(1, w/2), max(1, h/2)
	}

	t := &Texture{owner: s.owner, desc: desc, mips: mips, bytes: total}
	s.owner.liveTextures.Add(1)
	s.owner.liveBytes.Add(total)
	return t, nil
}

// Width returns the level 0 width.
func (t *Texture) Width() uint32 { return t.desc.Width }

// Height returns the level 0 height.
func (t *Texture) Height() uint32 { return t.desc.Height }

// Format returns the pixel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.desc.Format }

// MipLevels returns the number of mip levels.
func (t *Texture) MipLevels() int { return len(t.mips) }

// Label returns the debug label.
func (t *Texture) Label() string { return t.desc.Label }

// Destroyed reports whether Destroy has run.
func (t *Texture) Destroyed() bool { return t.destroyed }

// Image exposes level 0 for compositing. Returns nil once destroyed.
func (t *Texture) Image() image.Image { return t.Level(0) }

// Level exposes mip level i, clamped to the chain. Returns nil once destroyed.
func (t *Texture) Level(i int) image.Image {
	if t.destroyed {
		return nil
	}
	i = max(0, min(i, len(t.mips)-1))
	w, h := max(1, int(t.desc.Width)>>i), max(1, int(t.desc.Height)>>i)
	r := image.Rect(0, 0, w, h)
	switch t.desc.Format {
	case gputypes.TextureFormatR8Unorm:
		return &image.Alpha{Pix: t.mips[i], Stride: w, Rect: r}
	default:
		return &image.NRGBA{Pix: t.mips[i], Stride: w * 4, Rect: r}
	}
}

// LevelFor picks the smallest mip level still at least width pixels wide.
func (t *Texture) LevelFor(width int) int {
	level := 0
	for level+1 < len(t.mips) && max(1, int(t.desc.Width)>>(level+1)) >= width {
		level++
	}
	return level
}

// Destroy releases the texture. It must run inside a scope of the owning context.
func (t *Texture) Destroy(s *Scope) error {
	if !s.valid(t.owner) {
		return ErrNoScope
	}
	if t.destroyed {
		return nil
	}
	t.destroyed = true
	t.mips = nil
	t.owner.liveTextures.Add(-1)
	t.owner.liveBytes.Add(-t.bytes)
	return nil
}
