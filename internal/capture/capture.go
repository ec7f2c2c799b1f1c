// Package capture owns the video source: it opens a device, hands out JPEG
// frames, and releases the device exactly once.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
)

const megabyte = 1024 * 1024

var (
	// ErrDevice covers every failure to open or read the capture device.
	ErrDevice = errors.New("capture: device error")
	// ErrEndOfStream means the device stopped producing frames.
	ErrEndOfStream = fmt.Errorf("%w: end of stream", ErrDevice)
	// ErrReleased is returned by Read after Release.
	ErrReleased = fmt.Errorf("%w: device released", ErrDevice)
)

// Device is an exclusively owned frame source.
type Device interface {
	// Read blocks until the next frame is available.
	Read(ctx context.Context) (types.Frame, error)
	// Release frees the device. Calling it more than once is safe.
	Release() error
}

// Opener acquires a Device.
type Opener interface {
	Open(ctx context.Context) (Device, error)
}

// Stream is a Device over a byte stream of concatenated JPEG images.
type Stream struct {
	rc        io.ReadCloser
	scanner   *bufio.Scanner
	index     int
	released  atomic.Bool
	once      sync.Once
	releases  atomic.Int32
	onRelease func() error
	err       error
}

// NewStream wraps rc. rc is closed by Release.
func NewStream(rc io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &Stream{rc: rc, scanner: scanner}
}

func (s *Stream) Read(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if s.released.Load() {
		return types.Frame{}, ErrReleased
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return types.Frame{}, fmt.Errorf("%w: %v", ErrDevice, err)
		}
		return types.Frame{}, ErrEndOfStream
	}
	s.index++
	// The scanner reuses its buffer, so the frame needs its own copy.
	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())
	return types.Frame{Index: s.index, Data: data}, nil
}

func (s *Stream) Release() error {
	s.once.Do(func() {
		s.released.Store(true)
		s.releases.Add(1)
		s.err = s.rc.Close()
		if s.onRelease != nil {
			if err := s.onRelease(); err != nil && s.err == nil {
				s.err = err
			}
		}
	})
	return s.err
}

// Releases reports how many times the underlying resource was actually freed.
func (s *Stream) Releases() int { return int(s.releases.Load()) }

// FFmpeg opens capture devices through an ffmpeg subprocess that writes MJPEG to stdout.
type FFmpeg struct {
	Path  string
	Input utils.CaptureInput
}

// ffmpegDevice adds the decoder's stderr to read errors.
type ffmpegDevice struct {
	*Stream
	cmd *utils.SafeCommand
}

func (f *FFmpeg) Open(ctx context.Context) (Device, error) {
	if f.Input.Device == "" {
		return nil, fmt.Errorf("%w: no capture device configured", ErrDevice)
	}
	cmd := utils.NewFFmpegCmd(f.Path, f.Input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create ffmpeg stdout pipe: %v", ErrDevice, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrDevice, err)
	}

	s := NewStream(stdout)
	s.onRelease = func() error {
		// Killing is how a live source is stopped; the resulting exit status is expected.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil
	}
	return &ffmpegDevice{Stream: s, cmd: cmd}, nil
}

func (d *ffmpegDevice) Read(ctx context.Context) (types.Frame, error) {
	frame, err := d.Stream.Read(ctx)
	if err != nil && errors.Is(err, ErrDevice) && !errors.Is(err, ErrReleased) {
		if logs := strings.TrimSpace(d.cmd.Stderr.String()); logs != "" {
			return frame, fmt.Errorf("%w (ffmpeg: %s)", err, lastLine(logs))
		}
	}
	return frame, err
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
