package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

// MockCloser wraps a bytes.Reader so it can stand in for an OS pipe.
type MockCloser struct {
	*bytes.Reader
	closes int
}

func (m *MockCloser) Close() error {
	m.closes++
	return nil
}

var (
	frameA = []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	frameB = []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}
)

func TestStreamReadsFramesThenEnds(t *testing.T) {
	data := append(append([]byte{0x00}, frameA...), frameB...)
	pipe := &MockCloser{Reader: bytes.NewReader(data)}
	s := NewStream(pipe)
	ctx := context.Background()

	f1, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	f2, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if f1.Index != 1 || f2.Index != 2 {
		t.Errorf("Unexpected indices %d, %d", f1.Index, f2.Index)
	}
	if !bytes.Equal(f1.Data, frameA) || !bytes.Equal(f2.Data, frameB) {
		t.Errorf("Unexpected frame data %X / %X", f1.Data, f2.Data)
	}

	_, err = s.Read(ctx)
	if !errors.Is(err, ErrEndOfStream) || !errors.Is(err, ErrDevice) {
		t.Errorf("Expected end of stream device error, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	pipe := &MockCloser{Reader: bytes.NewReader(frameA)}
	s := NewStream(pipe)
	hooks := 0
	s.onRelease = func() error { hooks++; return nil }

	for i := 0; i < 3; i++ {
		if err := s.Release(); err != nil {
			t.Fatalf("Release #%d failed: %v", i+1, err)
		}
	}
	if pipe.closes != 1 || hooks != 1 || s.Releases() != 1 {
		t.Errorf("Expected exactly one release, got closes=%d hooks=%d releases=%d", pipe.closes, hooks, s.Releases())
	}

	if _, err := s.Read(context.Background()); !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased after release, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("usb unplugged") }
func (failingReader) Close() error             { return nil }

func TestStreamReadFailure(t *testing.T) {
	s := NewStream(failingReader{})
	_, err := s.Read(context.Background())
	if !errors.Is(err, ErrDevice) || errors.Is(err, ErrEndOfStream) {
		t.Errorf("Expected a plain device error, got %v", err)
	}
}

func TestReadHonorsContext(t *testing.T) {
	s := NewStream(io.NopCloser(bytes.NewReader(frameA)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestFFmpegRequiresDevice(t *testing.T) {
	_, err := (&FFmpeg{}).Open(context.Background())
	if !errors.Is(err, ErrDevice) {
		t.Errorf("Expected ErrDevice, got %v", err)
	}
}
