package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/andresmejia3/facemask/internal/types"
	"github.com/andresmejia3/facemask/internal/utils" // Using the SafeCommand wrapper
)

// Upper bounds on counts read from the wire, so a corrupt stream can't make us
// allocate gigabytes.
const (
	maxFaces  = 64
	maxPoints = 1 << 16
	maxMsgLen = 1 << 20
)

const (
	statusOK    = 0
	statusError = 1
)

// RemoteError is a failure reported by the detector process itself. The process
// is still healthy after one of these.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// ErrProtocol means the detector sent something we could not parse. The stream
// is out of sync and the process must be replaced.
var ErrProtocol = errors.New("detector protocol violation")

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	req bytes.Buffer
}

func NewPythonWorker(id int, script string) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand("python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// ProcessFrame sends one grayscale frame plus morph data and reads back the faces
// and morph triangulation.
//
// Request:  [Len u32] [W u32] [H u32] [Pixels W*H] [NumDeltas u32] [Deltas (f32,f32)...]
// Response: [Len u32] [Status u8] ...
func (w *PythonWorker) ProcessFrame(img *image.Gray, morph types.MorphData) (types.DetectionResults, types.TriangulationResult, error) {
	var tri types.TriangulationResult

	b := img.Bounds()
	w.req.Reset()
	binary.Write(&w.req, binary.BigEndian, uint32(b.Dx()))
	binary.Write(&w.req, binary.BigEndian, uint32(b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		w.req.Write(img.Pix[off : off+b.Dx()])
	}
	binary.Write(&w.req, binary.BigEndian, uint32(len(morph.Deltas)))
	for _, d := range morph.Deltas {
		binary.Write(&w.req, binary.BigEndian, [2]float32{d.X, d.Y})
	}

	body, err := w.communicate(w.req.Bytes())
	if err != nil {
		return nil, tri, err
	}
	return decodeResponse(body)
}

func (w *PythonWorker) communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a crashed interpreter
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func decodeResponse(body []byte) (types.DetectionResults, types.TriangulationResult, error) {
	var tri types.TriangulationResult
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return nil, tri, fmt.Errorf("%w: empty response", ErrProtocol)
	}
	if status == statusError {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil || n > maxMsgLen {
			return nil, tri, fmt.Errorf("%w: bad error message", ErrProtocol)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, tri, fmt.Errorf("%w: truncated error message", ErrProtocol)
		}
		return nil, tri, &RemoteError{Msg: string(msg)}
	}
	if status != statusOK {
		return nil, tri, fmt.Errorf("%w: unknown status %d", ErrProtocol, status)
	}

	numFaces, err := readCount(r, maxFaces)
	if err != nil {
		return nil, tri, err
	}
	faces := make(types.DetectionResults, 0, numFaces)
	for i := 0; i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, tri, fmt.Errorf("%w: face %d box: %v", ErrProtocol, i, err)
		}
		landmarks, err := readPoints(r)
		if err != nil {
			return nil, tri, err
		}
		var pose types.Pose
		if err := binary.Read(r, binary.BigEndian, &pose.Rotation); err != nil {
			return nil, tri, fmt.Errorf("%w: face %d rotation: %v", ErrProtocol, i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &pose.Translation); err != nil {
			return nil, tri, fmt.Errorf("%w: face %d translation: %v", ErrProtocol, i, err)
		}
		faces = append(faces, types.DetectionResult{
			Bounds:    image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])),
			Landmarks: landmarks,
			Pose:      pose,
		})
	}

	if tri.Vertices, err = readPoints(r); err != nil {
		return nil, tri, err
	}
	numIdx, err := readCount(r, maxPoints)
	if err != nil {
		return nil, tri, err
	}
	tri.Indices = make([]uint16, numIdx)
	if err := binary.Read(r, binary.BigEndian, tri.Indices); err != nil {
		return nil, tri, fmt.Errorf("%w: indices: %v", ErrProtocol, err)
	}
	return faces, tri, nil
}

func readCount(r io.Reader, limit int) (int, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrProtocol, err)
	}
	if int(n) > limit {
		return 0, fmt.Errorf("%w: count %d exceeds %d", ErrProtocol, n, limit)
	}
	return int(n), nil
}

func readPoints(r io.Reader) ([]types.Point, error) {
	n, err := readCount(r, maxPoints)
	if err != nil {
		return nil, err
	}
	raw := make([][2]float32, n)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, fmt.Errorf("%w: points: %v", ErrProtocol, err)
	}
	pts := make([]types.Point, n)
	for i, p := range raw {
		pts[i] = types.Point{X: p[0], Y: p[1]}
	}
	return pts, nil
}

// Logs returns whatever the interpreter wrote to stderr.
func (w *PythonWorker) Logs() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

// Kill terminates the process without waiting for it to drain its pipes.
func (w *PythonWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}
