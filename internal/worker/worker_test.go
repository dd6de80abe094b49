package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/andresmejia3/facemask/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func frame(payload []byte) *MockCloser {
	m := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(m, binary.BigEndian, uint32(len(payload)))
	m.Write(payload)
	return m
}

func TestProcessFrame(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:0] [NumFaces] {Box, Landmarks, Rot, Trans} [Verts] [Indices]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]int32{10, 10, 20, 20})
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [][2]float32{{12, 13}, {18, 13}})
	binary.Write(payload, binary.BigEndian, [3]float32{0.5, 0, 0})
	binary.Write(payload, binary.BigEndian, [3]float32{0, 0, -40})
	binary.Write(payload, binary.BigEndian, uint32(3))
	binary.Write(payload, binary.BigEndian, [][2]float32{{0, 0}, {1, 0}, {0, 1}})
	binary.Write(payload, binary.BigEndian, uint32(3))
	binary.Write(payload, binary.BigEndian, []uint16{0, 1, 2})

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: frame(payload.Bytes()),
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	img := image.NewGray(image.Rect(0, 0, 4, 2))
	morph := types.MorphData{Deltas: []types.Point{{X: 1, Y: 2}}}
	faces, tri, err := w.ProcessFrame(img, morph)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// [len][w][h][8 pixels][count][1 delta]
	wantSent := 4 + 4 + 4 + 8 + 4 + 8
	if got := stdinMock.Len(); got != wantSent {
		t.Errorf("Expected %d bytes sent, got %d", wantSent, got)
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	if faces[0].Bounds != image.Rect(10, 10, 20, 20) {
		t.Errorf("Unexpected bounds %v", faces[0].Bounds)
	}
	if len(faces[0].Landmarks) != 2 || faces[0].Landmarks[1].X != 18 {
		t.Errorf("Unexpected landmarks %v", faces[0].Landmarks)
	}
	if math.Abs(float64(faces[0].Pose.Rotation[0])-0.5) > 1e-6 {
		t.Errorf("Expected rotation[0] approx 0.5, got %f", faces[0].Pose.Rotation[0])
	}
	if len(tri.Vertices) != 3 || len(tri.Indices) != 3 {
		t.Errorf("Unexpected triangulation %+v", tri)
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, [3]uint32{0, 0, 0}) // faces, verts, indices

	w := &PythonWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: frame(payload.Bytes())}
	faces, _, err := w.ProcessFrame(image.NewGray(image.Rect(0, 0, 1, 1)), types.MorphData{})
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: frame(payload.Bytes()),
	}

	_, _, err := w.ProcessFrame(image.NewGray(image.Rect(0, 0, 1, 1)), types.MorphData{})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected RemoteError, got %T", err)
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"unknown status", []byte{7}},
		{"truncated count", []byte{0, 0, 0}},
		{"too many faces", []byte{0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"truncated box", []byte{0, 0, 0, 0, 1, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &PythonWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: frame(tt.payload)}
			_, _, err := w.ProcessFrame(image.NewGray(image.Rect(0, 0, 1, 1)), types.MorphData{})
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("Expected ErrProtocol, got %v", err)
			}
		})
	}
}

type fakeProc struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	killed  bool
	closed  bool
	handled int
}

func (p *fakeProc) ProcessFrame(*image.Gray, types.MorphData) (types.DetectionResults, types.TriangulationResult, error) {
	if p.block != nil {
		<-p.block
		return nil, types.TriangulationResult{}, errors.New("broken pipe")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handled++
	return nil, types.TriangulationResult{}, p.err
}

func (p *fakeProc) Logs() string { return "Traceback: boom" }

func (p *fakeProc) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed && p.block != nil {
		close(p.block)
	}
	p.killed = true
}

func (p *fakeProc) Close() error {
	p.closed = true
	return nil
}

func noRetry() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }

func TestSupervisorRespawnsAfterCrash(t *testing.T) {
	var spawned []*fakeProc
	s := NewSupervisor(zap.NewNop(), func(id int) (Process, error) {
		p := &fakeProc{}
		if id == 1 {
			p.err = errors.New("EOF")
		}
		spawned = append(spawned, p)
		return p, nil
	})
	s.NewBackOff = noRetry
	img := image.NewGray(image.Rect(0, 0, 1, 1))

	if _, _, err := s.Detect(context.Background(), img, types.MorphData{}); err == nil {
		t.Fatal("Expected the crash to surface")
	}
	if !spawned[0].killed {
		t.Error("Crashed process should be killed")
	}

	if _, _, err := s.Detect(context.Background(), img, types.MorphData{}); err != nil {
		t.Fatalf("Expected respawned process to work, got %v", err)
	}
	if len(spawned) != 2 {
		t.Errorf("Expected 2 spawns, got %d", len(spawned))
	}
}

func TestSupervisorKeepsProcessOnRemoteError(t *testing.T) {
	spawns := 0
	s := NewSupervisor(zap.NewNop(), func(int) (Process, error) {
		spawns++
		return &fakeProc{err: &RemoteError{Msg: "bad frame"}}, nil
	})
	s.NewBackOff = noRetry
	img := image.NewGray(image.Rect(0, 0, 1, 1))

	for i := 0; i < 3; i++ {
		s.Detect(context.Background(), img, types.MorphData{})
	}
	if spawns != 1 {
		t.Errorf("Remote errors should not respawn, got %d spawns", spawns)
	}
}

func TestSupervisorSpawnRetries(t *testing.T) {
	attempts := 0
	s := NewSupervisor(zap.NewNop(), func(int) (Process, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("python3 not found")
		}
		return &fakeProc{}, nil
	})
	s.NewBackOff = noRetry

	if _, _, err := s.Detect(context.Background(), image.NewGray(image.Rect(0, 0, 1, 1)), types.MorphData{}); err != nil {
		t.Fatalf("Expected spawn to succeed on retry, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestSupervisorCancelKillsProcess(t *testing.T) {
	p := &fakeProc{block: make(chan struct{})}
	s := NewSupervisor(zap.NewNop(), func(int) (Process, error) { return p, nil })
	s.NewBackOff = noRetry

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := s.Detect(ctx, image.NewGray(image.Rect(0, 0, 1, 1)), types.MorphData{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if !p.killed || !p.closed {
		t.Error("Expected the blocked process to be killed and closed")
	}
}
