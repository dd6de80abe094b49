package mask

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	_ "image/png"
	"io"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/gogpu/gputypes"

	"github.com/andresmejia3/facemask/internal/gfx"
	"github.com/andresmejia3/facemask/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Resource kinds understood in a bundle.
const (
	KindImage = "image"
	KindMesh  = "mesh"
	KindMorph = "morph"
)

// BundleError reports a malformed resource. It is raised while decoding and
// turned into a load failure by the loader.
type BundleError struct {
	Resource string
	Field    string
	Msg      string
}

func (e *BundleError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("mask resource %q: %s", e.Resource, e.Msg)
	}
	return fmt.Sprintf("mask resource %q: %s: %s", e.Resource, e.Field, e.Msg)
}

// ImageSpec is a decoded texture waiting to be uploaded.
type ImageSpec struct {
	Name   string
	Width  int
	Height int
	Format gputypes.TextureFormat
	Mips   [][]byte
}

// MeshSpec is decoded mask geometry.
type MeshSpec struct {
	Name     string
	Texture  string
	Vertices []types.Vertex
	Indices  []uint16
}

// Bundle is a fully decoded and validated mask file. Decoding happens without the
// graphics context; only Build needs it.
type Bundle struct {
	Name   string
	Images []ImageSpec
	Meshes []MeshSpec
	Morph  types.MorphData
}

type rawBundle struct {
	Name      string                                    `json:"name"`
	Resources map[string]map[string]jsoniter.RawMessage `json:"resources"`
}

// DecodeBundle parses a mask bundle and validates every resource.
func DecodeBundle(r io.Reader) (*Bundle, error) {
	var raw rawBundle
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse mask bundle: %w", err)
	}
	if len(raw.Resources) == 0 {
		return nil, &BundleError{Resource: raw.Name, Msg: "bundle has no resources"}
	}

	// map iteration order is random; keep decoding (and errors) deterministic
	names := make([]string, 0, len(raw.Resources))
	for name := range raw.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	b := &Bundle{Name: raw.Name}
	for _, name := range names {
		fields := raw.Resources[name]
		kind := KindImage
		if _, ok := fields["type"]; ok {
			if err := json.Unmarshal(fields["type"], &kind); err != nil {
				return nil, &BundleError{Resource: name, Field: "type", Msg: err.Error()}
			}
		}

		switch kind {
		case KindImage:
			img, err := decodeImage(name, fields)
			if err != nil {
				return nil, err
			}
			b.Images = append(b.Images, img)
		case KindMesh:
			m, err := decodeMesh(name, fields)
			if err != nil {
				return nil, err
			}
			b.Meshes = append(b.Meshes, m)
		case KindMorph:
			var deltas [][2]float32
			if err := json.Unmarshal(fields["deltas"], &deltas); err != nil {
				return nil, &BundleError{Resource: name, Field: "deltas", Msg: err.Error()}
			}
			for _, d := range deltas {
				b.Morph.Deltas = append(b.Morph.Deltas, types.Point{X: d[0], Y: d[1]})
			}
		default:
			return nil, &BundleError{Resource: name, Field: "type", Msg: fmt.Sprintf("unknown resource type %q", kind)}
		}
	}

	for _, m := range b.Meshes {
		if m.Texture != "" && b.image(m.Texture) == nil {
			return nil, &BundleError{Resource: m.Name, Field: "texture", Msg: fmt.Sprintf("references missing image %q", m.Texture)}
		}
	}
	return b, nil
}

func (b *Bundle) image(name string) *ImageSpec {
	for i := range b.Images {
		if b.Images[i].Name == name {
			return &b.Images[i]
		}
	}
	return nil
}

// decodeImage handles both image encodings: an embedded image file under "data",
// or raw pixels under "mip-data-N" with explicit width, height, bpp and mip-levels.
func decodeImage(name string, fields map[string]jsoniter.RawMessage) (ImageSpec, error) {
	if _, ok := fields["data"]; ok {
		return decodeEmbeddedImage(name, fields["data"])
	}
	if _, ok := fields["mip-data-0"]; !ok {
		return ImageSpec{}, &BundleError{Resource: name, Msg: "image has no data"}
	}

	width, err := intField(name, fields, "width")
	if err != nil {
		return ImageSpec{}, err
	}
	height, err := intField(name, fields, "height")
	if err != nil {
		return ImageSpec{}, err
	}
	bpp, err := intField(name, fields, "bpp")
	if err != nil {
		return ImageSpec{}, err
	}
	levels, err := intField(name, fields, "mip-levels")
	if err != nil {
		return ImageSpec{}, err
	}

	spec := ImageSpec{Name: name, Width: width, Height: height}
	switch bpp {
	case 1:
		spec.Format = gputypes.TextureFormatR8Unorm
	case 4:
		spec.Format = gputypes.TextureFormatRGBA8Unorm
	default:
		return ImageSpec{}, &BundleError{Resource: name, Field: "bpp", Msg: fmt.Sprintf("%d is not supported", bpp)}
	}
	if width <= 0 || height <= 0 {
		return ImageSpec{}, &BundleError{Resource: name, Msg: fmt.Sprintf("invalid size %dx%d", width, height)}
	}
	if levels < 1 {
		return ImageSpec{}, &BundleError{Resource: name, Field: "mip-levels", Msg: "must be at least 1"}
	}
	levels = min(levels, gfx.MaxMipLevels)

	w, h := width, height
	for i := 0; i < levels; i++ {
		key := fmt.Sprintf("mip-data-%d", i)
		var encoded string
		if err := json.Unmarshal(fields[key], &encoded); err != nil || encoded == "" {
			return ImageSpec{}, &BundleError{Resource: name, Field: key, Msg: "image has empty data"}
		}
		mip, err := decodeMip(encoded)
		if err != nil {
			return ImageSpec{}, &BundleError{Resource: name, Field: key, Msg: err.Error()}
		}
		if want := w * h * bpp; len(mip) != want {
			return ImageSpec{}, &BundleError{Resource: name, Field: key,
				Msg: fmt.Sprintf("size doesn't add up: should be %d but is %d bytes", want, len(mip))}
		}
		spec.Mips = append(spec.Mips, mip)
		w, h = max(1, w/2), max(1, h/2)
	}
	return spec, nil
}

func decodeEmbeddedImage(name string, raw jsoniter.RawMessage) (ImageSpec, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil || encoded == "" {
		return ImageSpec{}, &BundleError{Resource: name, Field: "data", Msg: "image has empty data"}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ImageSpec{}, &BundleError{Resource: name, Field: "data", Msg: err.Error()}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return ImageSpec{}, &BundleError{Resource: name, Field: "data", Msg: err.Error()}
	}

	bounds := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
	return ImageSpec{
		Name:   name,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: gputypes.TextureFormatRGBA8Unorm,
		Mips:   [][]byte{nrgba.Pix},
	}, nil
}

// decodeMip base64-decodes a mip level and inflates it. Mip data is always zlib
// compressed; the pixel bytes say nothing about the encoding.
func decodeMip(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mip data is not zlib compressed: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func decodeMesh(name string, fields map[string]jsoniter.RawMessage) (MeshSpec, error) {
	m := MeshSpec{Name: name}
	if raw, ok := fields["texture"]; ok {
		if err := json.Unmarshal(raw, &m.Texture); err != nil {
			return MeshSpec{}, &BundleError{Resource: name, Field: "texture", Msg: err.Error()}
		}
	}
	var verts [][4]float32
	if err := json.Unmarshal(fields["vertices"], &verts); err != nil {
		return MeshSpec{}, &BundleError{Resource: name, Field: "vertices", Msg: "missing or malformed"}
	}
	if err := json.Unmarshal(fields["indices"], &m.Indices); err != nil {
		return MeshSpec{}, &BundleError{Resource: name, Field: "indices", Msg: "missing or malformed"}
	}
	if len(m.Indices)%3 != 0 {
		return MeshSpec{}, &BundleError{Resource: name, Field: "indices", Msg: fmt.Sprintf("%d indices is not a triangle list", len(m.Indices))}
	}
	for _, idx := range m.Indices {
		if int(idx) >= len(verts) {
			return MeshSpec{}, &BundleError{Resource: name, Field: "indices", Msg: fmt.Sprintf("index %d out of range", idx)}
		}
	}
	for _, v := range verts {
		m.Vertices = append(m.Vertices, types.Vertex{X: v[0], Y: v[1], U: v[2], V: v[3]})
	}
	return m, nil
}

func intField(resource string, fields map[string]jsoniter.RawMessage, key string) (int, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, &BundleError{Resource: resource, Field: key, Msg: "missing"}
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, &BundleError{Resource: resource, Field: key, Msg: err.Error()}
	}
	return v, nil
}
