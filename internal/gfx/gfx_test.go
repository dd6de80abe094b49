package gfx

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rgbaDesc(w, h uint32) TextureDescriptor {
	return TextureDescriptor{Label: "t", Width: w, Height: h, Format: gputypes.TextureFormatRGBA8Unorm}
}

func TestAcquireIsExclusive(t *testing.T) {
	c := NewContext()
	s, err := c.Acquire(context.Background())
	require.NoError(t, err)

	_, ok := c.TryAcquire()
	assert.False(t, ok, "second scope must not be granted while the first is live")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, ErrContextUnavailable)

	s.Release()
	s.Release()
	s2, ok := c.TryAcquire()
	require.True(t, ok)
	s2.Release()
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	c := NewContext()
	boom := errors.New("boom")

	err := c.Do(context.Background(), func(*Scope) error { return boom })
	assert.ErrorIs(t, err, boom)

	func() {
		defer func() { _ = recover() }()
		_ = c.Do(context.Background(), func(*Scope) error { panic("device lost") })
	}()

	s, ok := c.TryAcquire()
	require.True(t, ok, "scope leaked after error or panic")
	s.Release()
}

func TestNewTextureRequiresScope(t *testing.T) {
	_, err := NewTexture(nil, rgbaDesc(1, 1), [][]byte{make([]byte, 4)})
	assert.ErrorIs(t, err, ErrNoScope)

	c := NewContext()
	s, _ := c.TryAcquire()
	s.Release()
	_, err = NewTexture(s, rgbaDesc(1, 1), [][]byte{make([]byte, 4)})
	assert.ErrorIs(t, err, ErrNoScope)
}

func TestNewTextureValidatesMipChain(t *testing.T) {
	c := NewContext()
	err := c.Do(context.Background(), func(s *Scope) error {
		tex, err := NewTexture(s, rgbaDesc(4, 2), [][]byte{make([]byte, 32), make([]byte, 8), make([]byte, 4)})
		require.NoError(t, err)
		assert.Equal(t, 3, tex.MipLevels())
		assert.Equal(t, Stats{Textures: 1, Bytes: 44}, c.Stats())

		_, err = NewTexture(s, rgbaDesc(64, 64), [][]byte{make([]byte, 100)})
		assert.Error(t, err)

		bad := TextureDescriptor{Width: 1, Height: 1, Format: gputypes.TextureFormatBGRA8Unorm}
		_, err = NewTexture(s, bad, [][]byte{make([]byte, 4)})
		assert.Error(t, err)

		require.NoError(t, tex.Destroy(s))
		assert.True(t, tex.Destroyed())
		assert.Nil(t, tex.Image())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestDestroyOutsideScopeFails(t *testing.T) {
	c := NewContext()
	var tex *Texture
	require.NoError(t, c.Do(context.Background(), func(s *Scope) error {
		var err error
		tex, err = NewTexture(s, rgbaDesc(1, 1), [][]byte{make([]byte, 4)})
		return err
	}))

	assert.ErrorIs(t, tex.Destroy(nil), ErrNoScope)

	other := NewContext()
	s, _ := other.TryAcquire()
	defer s.Release()
	assert.ErrorIs(t, tex.Destroy(s), ErrNoScope, "scope of another context is not a capability here")
}

func TestTextureImageFormats(t *testing.T) {
	c := NewContext()
	require.NoError(t, c.Do(context.Background(), func(s *Scope) error {
		rgba, err := NewTexture(s, rgbaDesc(2, 2), [][]byte{make([]byte, 16)})
		require.NoError(t, err)
		assert.Equal(t, 2, rgba.Image().Bounds().Dx())

		r8, err := NewTexture(s, TextureDescriptor{Width: 3, Height: 1, Format: gputypes.TextureFormatR8Unorm}, [][]byte{{1, 2, 3}})
		require.NoError(t, err)
		assert.Equal(t, "r8", FormatName(r8.Format()))
		assert.Equal(t, 3, r8.Image().Bounds().Dx())
		return nil
	}))
}

func TestTextureLevels(t *testing.T) {
	c := NewContext()
	s, _ := c.TryAcquire()
	defer s.Release()

	tex, err := NewTexture(s, rgbaDesc(8, 4), [][]byte{make([]byte, 8*4*4), make([]byte, 4*2*4), make([]byte, 2*1*4)})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 8, 4), tex.Image().Bounds())
	assert.Equal(t, image.Rect(0, 0, 2, 1), tex.Level(2).Bounds())
	assert.Equal(t, image.Rect(0, 0, 2, 1), tex.Level(9).Bounds(), "levels clamp to the chain")

	assert.Equal(t, 0, tex.LevelFor(8))
	assert.Equal(t, 1, tex.LevelFor(3))
	assert.Equal(t, 2, tex.LevelFor(1))

	require.NoError(t, tex.Destroy(s))
	assert.Nil(t, tex.Level(0))
}
