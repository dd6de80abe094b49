package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/andresmejia3/facemask/internal/types"
)

// Process is a running detector subprocess.
type Process interface {
	ProcessFrame(img *image.Gray, morph types.MorphData) (types.DetectionResults, types.TriangulationResult, error)
	Logs() string
	Kill()
	Close() error
}

// SpawnFunc starts a fresh detector process.
type SpawnFunc func(id int) (Process, error)

// PythonSpawner starts script under python3 for each spawn.
func PythonSpawner(script string) SpawnFunc {
	return func(id int) (Process, error) {
		return NewPythonWorker(id, script)
	}
}

// Supervisor keeps one detector process alive. It is a detect.Detector: a frame
// that hits a dead or desynced process fails, the process is discarded and the
// next frame respawns it with exponential backoff.
type Supervisor struct {
	log   *zap.Logger
	spawn SpawnFunc

	// NewBackOff builds the retry policy for a respawn; replaced in tests.
	NewBackOff func() backoff.BackOff

	proc       Process
	generation int
}

func NewSupervisor(log *zap.Logger, spawn SpawnFunc) *Supervisor {
	return &Supervisor{
		log:   log.Named("detector-process"),
		spawn: spawn,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

// Detect implements detect.Detector. It must be called from one goroutine.
func (s *Supervisor) Detect(ctx context.Context, img *image.Gray, morph types.MorphData) (types.DetectionResults, types.TriangulationResult, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, types.TriangulationResult{}, err
	}

	type reply struct {
		faces types.DetectionResults
		tri   types.TriangulationResult
		err   error
	}
	done := make(chan reply, 1)
	proc := s.proc
	go func() {
		faces, tri, err := proc.ProcessFrame(img, morph)
		done <- reply{faces, tri, err}
	}()

	select {
	case r := <-done:
		var remote *RemoteError
		if r.err != nil && !errors.As(r.err, &remote) {
			s.discard(r.err)
		}
		return r.faces, r.tri, r.err
	case <-ctx.Done():
		// the pipe read can't be interrupted; killing the process unblocks it
		proc.Kill()
		<-done
		s.discard(ctx.Err())
		return nil, types.TriangulationResult{}, ctx.Err()
	}
}

func (s *Supervisor) ensure(ctx context.Context) error {
	if s.proc != nil {
		return nil
	}
	op := func() error {
		s.generation++
		p, err := s.spawn(s.generation)
		if err != nil {
			return err
		}
		s.proc = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("detector failed to start, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.NewBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}
	if s.generation > 1 {
		s.log.Info("detector process respawned", zap.Int("generation", s.generation))
	}
	return nil
}

func (s *Supervisor) discard(cause error) {
	if s.proc == nil {
		return
	}
	p := s.proc
	s.proc = nil
	p.Kill()
	_ = p.Close()
	fields := []zap.Field{zap.Error(cause)}
	if logs := p.Logs(); logs != "" {
		fields = append(fields, zap.String("stderr", logs))
	}
	s.log.Error("detector process discarded", fields...)
}

// Close stops the current process, if any.
func (s *Supervisor) Close() error {
	if s.proc == nil {
		return nil
	}
	p := s.proc
	s.proc = nil
	return p.Close()
}
