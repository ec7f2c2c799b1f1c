//go:build dlib

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Dlib runs detection and 128-d embedding in-process through go-face.
type Dlib struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

func newDlib(modelsDir string) (Engine, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load dlib models from %s: %w", modelsDir, err)
	}
	return &Dlib{rec: rec}, nil
}

// Find recognizes every face in a JPEG image.
func (d *Dlib) Find(ctx context.Context, img []byte) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	found, err := d.rec.Recognize(img)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	faces := make([]types.Face, len(found))
	for i, f := range found {
		vec := make(types.Embedding, len(f.Descriptor))
		copy(vec, f.Descriptor[:])
		faces[i] = types.Face{Box: types.BoxFromRect(f.Rectangle), Vec: vec}
	}
	return faces, nil
}

// Close frees the dlib models.
func (d *Dlib) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Close()
	return nil
}
