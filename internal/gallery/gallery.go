// Package gallery holds the set of known identities a live stream is matched
// against: an ordered list of labels with an aligned list of embeddings.
package gallery

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/types"
)

var (
	// ErrLoad is returned when a gallery cannot be read or is inconsistent.
	ErrLoad = errors.New("gallery: load failed")
	// ErrNoFace marks a sample image in which the engine found no face.
	ErrNoFace = errors.New("gallery: no face detected")
)

// Entry is one known sample of an identity.
type Entry struct {
	Label     string
	Embedding types.Embedding
}

// Gallery is an ordered, flat sequence of entries. Labels may repeat.
// Once handed to a matcher it must not be mutated.
type Gallery struct {
	Labels     []string
	Embeddings []types.Embedding
}

// New builds a gallery from entries, preserving their order.
func New(entries []Entry) *Gallery {
	g := &Gallery{
		Labels:     make([]string, 0, len(entries)),
		Embeddings: make([]types.Embedding, 0, len(entries)),
	}
	for _, e := range entries {
		g.Add(e.Label, e.Embedding)
	}
	return g
}

// Add appends a sample.
func (g *Gallery) Add(label string, vec types.Embedding) {
	g.Labels = append(g.Labels, label)
	g.Embeddings = append(g.Embeddings, vec)
}

// Len returns the number of entries.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Labels)
}

// Dim returns the embedding dimension, or 0 for an empty gallery.
func (g *Gallery) Dim() int {
	if g.Len() == 0 || len(g.Embeddings) == 0 {
		return 0
	}
	return len(g.Embeddings[0])
}

// Entries returns the gallery as a slice of entries.
func (g *Gallery) Entries() []Entry {
	out := make([]Entry, g.Len())
	for i := range out {
		out[i] = Entry{Label: g.Labels[i], Embedding: g.Embeddings[i]}
	}
	return out
}

// Identities returns the distinct labels in first-seen order with their sample counts.
func (g *Gallery) Identities() ([]string, map[string]int) {
	counts := make(map[string]int)
	var order []string
	for _, l := range g.Labels {
		if counts[l] == 0 {
			order = append(order, l)
		}
		counts[l]++
	}
	return order, counts
}

// Relabel renames every entry carrying label old. It returns how many entries changed.
func (g *Gallery) Relabel(old, name string) int {
	n := 0
	for i, l := range g.Labels {
		if l == old {
			g.Labels[i] = name
			n++
		}
	}
	return n
}

// Validate checks the aligned-array invariants.
func (g *Gallery) Validate() error {
	if g == nil {
		return fmt.Errorf("%w: nil gallery", ErrLoad)
	}
	if len(g.Labels) != len(g.Embeddings) {
		return fmt.Errorf("%w: %d labels but %d embeddings", ErrLoad, len(g.Labels), len(g.Embeddings))
	}
	dim := g.Dim()
	for i, vec := range g.Embeddings {
		if len(vec) == 0 {
			return fmt.Errorf("%w: entry %d (%s) has an empty embedding", ErrLoad, i, g.Labels[i])
		}
		if len(vec) != dim {
			return fmt.Errorf("%w: entry %d (%s) has dimension %d, want %d", ErrLoad, i, g.Labels[i], len(vec), dim)
		}
	}
	return nil
}
