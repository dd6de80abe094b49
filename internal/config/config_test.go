package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, s Settings)
	}{
		{
			name: "empty uses defaults",
			yaml: "",
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, Default(), s)
			},
		},
		{
			name: "overrides",
			yaml: "mask_file: masks/fox.json\ndraw_fd_rect: true\nsync_display: true\ncontext_timeout: 10ms\n",
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, "masks/fox.json", s.MaskFile)
				assert.True(t, s.DrawFDRect)
				assert.True(t, s.SyncDisplay)
				assert.True(t, s.DrawMask, "unset keys keep their default")
				assert.Equal(t, 10*time.Millisecond, s.ContextTimeout)
			},
		},
		{name: "unknown key", yaml: "mask_fiel: x\n", wantErr: true},
		{name: "buffer too large", yaml: "buffer_size: 1000\n", wantErr: true},
		{name: "detect width too small", yaml: "detect_width: 4\n", wantErr: true},
		{name: "bad duration", yaml: "shutdown_timeout: soon\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse([]byte(tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, s)
		})
	}
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mask_file: a.json\n"), 0o644))

	w, err := NewWatcher(zap.NewNop(), path, func(s *Settings) { s.DrawFaces = true })
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	assert.Equal(t, "a.json", w.Current().MaskFile)
	assert.True(t, w.Current().DrawFaces)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, os.WriteFile(path, []byte("mask_file: b.json\n"), 0o644))
	select {
	case <-w.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after edit")
	}
	assert.Equal(t, "b.json", w.Current().MaskFile)
	assert.True(t, w.Current().DrawFaces, "overrides apply to reloads")

	// a broken edit keeps the last good snapshot
	require.NoError(t, os.WriteFile(path, []byte("buffer_size: -1\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "b.json", w.Current().MaskFile)
	assert.EqualValues(t, 1, w.Reloads())
}

func TestNewWatcherRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detect_width: 1\n"), 0o644))
	_, err := NewWatcher(zap.NewNop(), path, nil)
	assert.Error(t, err)
}
