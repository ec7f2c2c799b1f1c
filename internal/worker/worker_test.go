package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func okPayload(t *testing.T, dim int, boxes [][4]int32, first float32) []byte {
	t.Helper()
	payload := new(bytes.Buffer)
	payload.WriteByte(0)                                        // Status OK
	binary.Write(payload, binary.BigEndian, uint32(len(boxes))) // NumFaces
	binary.Write(payload, binary.BigEndian, uint32(dim))        // Dim
	for _, box := range boxes {
		binary.Write(payload, binary.BigEndian, box)
		vec := make([]float32, dim)
		vec[0] = first
		binary.Write(payload, binary.BigEndian, vec)
	}
	return payload.Bytes()
}

func frameResponse(pipe io.Writer, payload []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func TestProcessFrame(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	frameResponse(dataPipeMock, okPayload(t, 128, [][4]int32{{10, 40, 50, 5}}, 0.5))

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if binary.BigEndian.Uint32(sentData[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Bad length header %X", sentData[:4])
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	if len(faces[0].Vec) != 128 {
		t.Errorf("Expected 128-d vector, got %d", len(faces[0].Vec))
	}
	if math.Abs(float64(faces[0].Vec[0])-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", faces[0].Vec[0])
	}
	box := faces[0].Box
	if box.Top != 10 || box.Right != 40 || box.Bottom != 50 || box.Left != 5 {
		t.Errorf("Unexpected box %+v", box)
	}
}

func TestProcessFrame_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	frameResponse(dataPipeMock, payload.Bytes())

	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	frameResponse(dataPipeMock, okPayload(t, 128, nil, 0))
	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}

	faces, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Truncated(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	full := okPayload(t, 4, [][4]int32{{1, 2, 3, 4}}, 1)
	frameResponse(dataPipeMock, full[:len(full)-3])
	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}

	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Error("Expected error for a truncated vector")
	}
}

func TestProcessFrame_OversizedHeader(t *testing.T) {
	header := func(status byte, a, b uint32) []byte {
		buf := new(bytes.Buffer)
		buf.WriteByte(status)
		binary.Write(buf, binary.BigEndian, a)
		binary.Write(buf, binary.BigEndian, b)
		return buf.Bytes()
	}
	oneFaceHugeDim := append(header(0, 1, 1<<28), make([]byte, 16)...)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"Face count beyond payload", header(0, math.MaxUint32, 128)},
		{"Dimension beyond limit", oneFaceHugeDim},
		{"Faces beyond payload", append(header(0, 2, 4), make([]byte, 32)...)},
		{"Error message beyond payload", header(1, math.MaxUint32, 0)[:5]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
			frameResponse(dataPipeMock, tt.payload)
			w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}

			if faces, err := w.ProcessFrame([]byte("frame")); err == nil {
				t.Errorf("Expected error, got %d faces", len(faces))
			}
		})
	}
}

func TestFind_DeadPipeBreaksWorker(t *testing.T) {
	// Empty data pipe: the engine died before answering.
	w := &PythonWorker{ID: 2, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}

	if _, err := w.Find(context.Background(), []byte("frame")); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF, got %v", err)
	}
	if _, err := w.Find(context.Background(), []byte("frame")); !errors.Is(err, ErrBroken) {
		t.Errorf("Expected ErrBroken on reuse, got %v", err)
	}
}

// blockingPipe never returns data, like a hung engine.
type blockingPipe struct{ ch chan struct{} }

func (b *blockingPipe) Read([]byte) (int, error) { <-b.ch; return 0, io.EOF }
func (b *blockingPipe) Close() error             { return nil }

func TestFind_Timeout(t *testing.T) {
	pipe := &blockingPipe{ch: make(chan struct{})}
	defer close(pipe.ch)
	w := &PythonWorker{ID: 3, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: pipe, timeout: 20 * time.Millisecond}

	if _, err := w.Find(context.Background(), []byte("frame")); err == nil {
		t.Fatal("Expected timeout error")
	}
	if _, err := w.Find(context.Background(), []byte("frame")); !errors.Is(err, ErrBroken) {
		t.Errorf("Expected ErrBroken after timeout, got %v", err)
	}
}
