// Package config holds the pipeline's runtime settings, loaded from YAML and
// optionally hot-reloaded while the pipeline runs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/facemask/internal/ring"
)

// Settings is an immutable snapshot read by the render loop once per tick.
type Settings struct {
	MaskFile string `yaml:"mask_file"`

	DrawMask      bool `yaml:"draw_mask"`
	DrawFaces     bool `yaml:"draw_faces"`      // landmarks
	DrawMorphTris bool `yaml:"draw_morph_tris"` // morph triangulation wireframe
	DrawFDRect    bool `yaml:"draw_fd_rect"`    // detector rectangles

	// SyncDisplay draws the frame the applied result was computed from instead of
	// the newest one, trading latency for alignment.
	SyncDisplay bool `yaml:"sync_display"`

	DetectWidth     int           `yaml:"detect_width"`
	BufferSize      int           `yaml:"buffer_size"`
	ContextTimeout  time.Duration `yaml:"context_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the settings used when no file is given.
func Default() Settings {
	return Settings{
		DrawMask:        true,
		DetectWidth:     320,
		BufferSize:      ring.DefaultCapacity,
		ContextTimeout:  50 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

// Validate checks ranges.
func (s Settings) Validate() error {
	var errs []error
	if s.DetectWidth < 16 || s.DetectWidth > 4096 {
		errs = append(errs, fmt.Errorf("detect_width must be between 16 and 4096, got %d", s.DetectWidth))
	}
	if s.BufferSize < 1 || s.BufferSize > 64 {
		errs = append(errs, fmt.Errorf("buffer_size must be between 1 and 64, got %d", s.BufferSize))
	}
	if s.ContextTimeout <= 0 {
		errs = append(errs, fmt.Errorf("context_timeout must be positive, got %s", s.ContextTimeout))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive, got %s", s.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

// Load reads a YAML settings file on top of Default.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML settings on top of Default. Unknown keys are rejected so
// typos don't silently fall back to defaults.
func Parse(data []byte) (Settings, error) {
	s := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
