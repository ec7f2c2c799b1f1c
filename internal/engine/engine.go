// Package engine adapts face detection/embedding backends to the two-call
// contract the recognition loop uses: Detect boxes, then Embed each box.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
)

var (
	// ErrDetection wraps failures of the detection pass.
	ErrDetection = errors.New("engine: detection failed")
	// ErrEmbedding wraps failures to produce an embedding for one box.
	ErrEmbedding = errors.New("engine: embedding failed")
)

// Finder runs detection and embedding over one encoded image in a single pass.
type Finder interface {
	Find(ctx context.Context, img []byte) ([]types.Face, error)
}

// Engine is a Finder that can be shut down.
type Engine interface {
	Finder
	Close() error
}

// Adapter serves Detect and Embed from one Find pass per frame. Detect always
// runs a fresh pass; Embed reuses it while the frame is unchanged, so embedding
// the detected boxes one at a time costs no further engine calls.
type Adapter struct {
	finder Finder

	mu     sync.Mutex
	key    [32]byte
	faces  []types.Face
	cached bool
}

// NewAdapter wraps f.
func NewAdapter(f Finder) *Adapter {
	return &Adapter{finder: f}
}

// Detect returns the face boxes in frame, in engine order.
func (a *Adapter) Detect(ctx context.Context, frame []byte) ([]types.BoundingBox, error) {
	a.mu.Lock()
	a.cached = false
	a.mu.Unlock()
	faces, err := a.pass(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	boxes := make([]types.BoundingBox, len(faces))
	for i, f := range faces {
		boxes[i] = f.Box
	}
	return boxes, nil
}

// Embed returns one embedding per box, aligned with boxes.
func (a *Adapter) Embed(ctx context.Context, frame []byte, boxes []types.BoundingBox) ([]types.Embedding, error) {
	faces, err := a.pass(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	out := make([]types.Embedding, len(boxes))
	for i, box := range boxes {
		vec := lookup(faces, box)
		if len(vec) == 0 {
			return nil, fmt.Errorf("%w: no embedding for box %+v", ErrEmbedding, box)
		}
		out[i] = vec
	}
	return out, nil
}

// Find passes through to the wrapped finder without touching the cache.
func (a *Adapter) Find(ctx context.Context, img []byte) ([]types.Face, error) {
	return a.finder.Find(ctx, img)
}

func (a *Adapter) pass(ctx context.Context, frame []byte) ([]types.Face, error) {
	key := sha256.Sum256(frame)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached && bytes.Equal(a.key[:], key[:]) {
		return a.faces, nil
	}
	faces, err := a.finder.Find(ctx, frame)
	if err != nil {
		a.cached = false
		return nil, err
	}
	a.key, a.faces, a.cached = key, faces, true
	return faces, nil
}

func lookup(faces []types.Face, box types.BoundingBox) types.Embedding {
	for _, f := range faces {
		if f.Box == box {
			return f.Vec
		}
	}
	return nil
}

// FinderFunc adapts a function to Finder.
type FinderFunc func(ctx context.Context, img []byte) ([]types.Face, error)

func (f FinderFunc) Find(ctx context.Context, img []byte) ([]types.Face, error) { return f(ctx, img) }
