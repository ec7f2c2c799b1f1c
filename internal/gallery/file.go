package gallery

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

const fileVersion = 1

// fileFormat is the on-disk container: two aligned arrays plus a header.
type fileFormat struct {
	Version    int               `msgpack:"version"`
	Dim        int               `msgpack:"dim"`
	Labels     []string          `msgpack:"labels"`
	Embeddings []types.Embedding `msgpack:"embeddings"`
}

// Encode writes g to w.
func Encode(w io.Writer, g *Gallery) error {
	if err := g.Validate(); err != nil {
		return err
	}
	return msgpack.NewEncoder(w).Encode(fileFormat{
		Version:    fileVersion,
		Dim:        g.Dim(),
		Labels:     g.Labels,
		Embeddings: g.Embeddings,
	})
}

// Decode reads a gallery written by Encode.
func Decode(r io.Reader) (*Gallery, error) {
	var f fileFormat
	if err := msgpack.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrLoad, f.Version)
	}
	g := &Gallery{Labels: f.Labels, Embeddings: f.Embeddings}
	if g.Labels == nil {
		g.Labels = []string{}
	}
	if g.Embeddings == nil {
		g.Embeddings = []types.Embedding{}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.Len() > 0 && g.Dim() != f.Dim {
		return nil, fmt.Errorf("%w: header dimension %d, entries have %d", ErrLoad, f.Dim, g.Dim())
	}
	return g, nil
}

// Save writes the gallery to path atomically (temp file + rename).
func Save(path string, g *Gallery) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create gallery directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".gallery-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if err := Encode(tmp, g); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush gallery: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move gallery into place: %w", err)
	}
	return nil
}

// Load reads the gallery at path. Every failure wraps ErrLoad.
func Load(path string) (*Gallery, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist (run `facewatch encode` first)", ErrLoad, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer f.Close()
	return Decode(f)
}
