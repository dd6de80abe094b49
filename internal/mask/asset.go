package mask

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/facemask/internal/gfx"
	"github.com/andresmejia3/facemask/internal/types"
)

// Asset is one loaded mask: its textures, geometry and morph data.
// Textures belong to the graphics context and are only destroyed inside a scope.
type Asset struct {
	Name     string
	Filename string
	Meshes   []MeshSpec
	Morph    types.MorphData

	textures []*gfx.Texture
}

// Build uploads the bundle's images. It must run inside a graphics scope; on error
// every texture created so far is destroyed before returning.
func Build(s *gfx.Scope, b *Bundle, filename string) (*Asset, error) {
	a := &Asset{Name: b.Name, Filename: filename, Meshes: b.Meshes, Morph: b.Morph}
	for _, img := range b.Images {
		tex, err := gfx.NewTexture(s, gfx.TextureDescriptor{
			Label:         img.Name,
			Width:         uint32(img.Width),
			Height:        uint32(img.Height),
			MipLevelCount: uint32(len(img.Mips)),
			Format:        img.Format,
		}, img.Mips)
		if err != nil {
			_ = a.Destroy(s)
			return nil, fmt.Errorf("failed to upload %q: %w", img.Name, err)
		}
		a.textures = append(a.textures, tex)
	}
	return a, nil
}

// Texture looks up a texture by resource name.
func (a *Asset) Texture(name string) *gfx.Texture {
	for _, t := range a.textures {
		if t.Label() == name {
			return t
		}
	}
	return nil
}

// Textures returns every texture in bundle order.
func (a *Asset) Textures() []*gfx.Texture { return a.textures }

// Primary returns the texture drawn over a face: the first mesh's texture, or the
// first image when the bundle has no mesh.
func (a *Asset) Primary() *gfx.Texture {
	for _, m := range a.Meshes {
		if t := a.Texture(m.Texture); t != nil {
			return t
		}
	}
	if len(a.textures) > 0 {
		return a.textures[0]
	}
	return nil
}

// Destroy releases every texture. Safe to call more than once.
func (a *Asset) Destroy(s *gfx.Scope) error {
	var errs []error
	for _, t := range a.textures {
		if err := t.Destroy(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroyed reports whether every texture has been released.
func (a *Asset) Destroyed() bool {
	for _, t := range a.textures {
		if !t.Destroyed() {
			return false
		}
	}
	return true
}

// LoadFunc builds an asset from a mask file.
type LoadFunc func(ctx context.Context, filename string) (*Asset, error)

// FileLoader reads and decodes the bundle without holding the graphics context,
// then uploads textures inside a scope of g.
func FileLoader(g *gfx.Context) LoadFunc {
	return func(ctx context.Context, filename string) (*Asset, error) {
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		bundle, err := DecodeBundle(f)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var asset *Asset
		err = g.Do(ctx, func(s *gfx.Scope) error {
			var err error
			asset, err = Build(s, bundle, filename)
			return err
		})
		return asset, err
	}
}
