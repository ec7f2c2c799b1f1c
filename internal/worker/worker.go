package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils" // Using the SafeCommand wrapper
)

// maxPayload guards against reading garbage as a length header.
const maxPayload = 256 * 1024 * 1024

// maxDim bounds the embedding width an engine may report.
const maxDim = 4096

const (
	statusOK    byte = 0
	statusError byte = 1
)

// Config controls how the engine subprocess is started.
type Config struct {
	// Command is the engine process and its arguments, e.g. python3 -u python/worker.py.
	Command []string
	// ReadTimeout bounds a single frame round trip. Zero disables it.
	ReadTimeout time.Duration
}

// DefaultCommand is used when Config.Command is empty.
var DefaultCommand = []string{"python3", "-u", "python/worker.py"}

// PythonWorker speaks the length-prefixed frame protocol with an engine subprocess.
// Frames go out on stdin; results come back on a side-channel pipe (FD 3) so the
// engine's own prints on stdout/stderr cannot corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout   time.Duration
	mu        sync.Mutex
	broken    bool
	closeOnce sync.Once
}

// NewPythonWorker starts the engine subprocess.
func NewPythonWorker(id int, cfg Config) (*PythonWorker, error) {
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	py := utils.NewSafeCommand(command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
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
		timeout:  cfg.ReadTimeout,
	}, nil
}

// Communicate sends one request payload and returns the raw response payload.
// Protocol (both directions): [Length uint32 BE][Data].
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where an engine crash on import shows up
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxPayload {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends one JPEG frame and decodes the detected faces.
//
// Response payload:
//
//	[Status:0] [NumFaces uint32] [Dim uint32] then per face [Box 4×int32 top,right,bottom,left] [Vec Dim×float32]
//	[Status:1] [MsgLen uint32] [Msg]
func (w *PythonWorker) ProcessFrame(frame []byte) ([]types.Face, error) {
	resp, err := w.Communicate(frame)
	if err != nil {
		return nil, err
	}
	return decodeFaces(resp)
}

func decodeFaces(resp []byte) ([]types.Face, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response")
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		if uint64(msgLen) > uint64(r.Len()) {
			return nil, fmt.Errorf("malformed worker error: message of %d bytes, %d received", msgLen, r.Len())
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var header struct {
		NumFaces uint32
		Dim      uint32
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	if header.Dim > maxDim {
		return nil, fmt.Errorf("malformed worker response: dimension %d exceeds %d", header.Dim, maxDim)
	}
	// Size the reply before allocating anything from its header.
	if need := uint64(header.NumFaces) * (16 + 4*uint64(header.Dim)); need > uint64(r.Len()) {
		return nil, fmt.Errorf("malformed worker response: %d faces of dim %d need %d bytes, %d received",
			header.NumFaces, header.Dim, need, r.Len())
	}

	faces := make([]types.Face, 0, header.NumFaces)
	for i := uint32(0); i < header.NumFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed box for face %d: %w", i, err)
		}
		vec := make([]float32, header.Dim)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("malformed vector for face %d: %w", i, err)
		}
		faces = append(faces, types.Face{
			Box: types.BoundingBox{Top: int(box[0]), Right: int(box[1]), Bottom: int(box[2]), Left: int(box[3])},
			Vec: vec,
		})
	}
	return faces, nil
}

// ErrBroken is returned once a worker has timed out or lost its pipes.
var ErrBroken = errors.New("worker is no longer usable")

// Find implements engine.Finder. Calls are serialized; a timed out round trip
// kills the subprocess since the stream position is then unknown.
func (w *PythonWorker) Find(ctx context.Context, img []byte) ([]types.Face, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return nil, ErrBroken
	}

	type reply struct {
		faces []types.Face
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		faces, err := w.ProcessFrame(img)
		done <- reply{faces, err}
	}()

	var timeout <-chan time.Time
	if w.timeout > 0 {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil && isPipeError(r.err) {
			w.broken = true
		}
		return r.faces, r.err
	case <-timeout:
		w.broken = true
		w.kill()
		return nil, fmt.Errorf("worker %d timed out after %s", w.ID, w.timeout)
	case <-ctx.Done():
		w.broken = true
		w.kill()
		return nil, ctx.Err()
	}
}

func isPipeError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed)
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
}

// Close shuts the worker down and waits for the subprocess to exit.
func (w *PythonWorker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil {
			err = w.Cmd.Wait()
		}
	})
	return err
}
