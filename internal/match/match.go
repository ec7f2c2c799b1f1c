// Package match decides whether a probe embedding belongs to a gallery identity.
package match

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/types"
)

// DefaultTolerance is the distance at or below which two embeddings are the same person.
const DefaultTolerance = 0.6

// ErrDimension is returned when a probe does not have the gallery's dimension.
var ErrDimension = errors.New("match: embedding dimension mismatch")

// Result is the outcome of matching one probe. Index is -1 when nothing matched.
type Result struct {
	Index    int
	Label    string
	Distance float64
}

// NoMatch is the zero outcome.
var NoMatch = Result{Index: -1}

// Matched reports whether the result names a gallery entry.
func (r Result) Matched() bool { return r.Index >= 0 }

// Matcher finds the gallery entry a probe belongs to.
type Matcher interface {
	Match(probe types.Embedding) (Result, error)
}

// DistanceFunc measures how far apart two embeddings are. Smaller is closer.
type DistanceFunc func(a, b types.Embedding) float64

// Euclidean is the L2 distance, the metric dlib-style 128-d encodings are tuned for.
func Euclidean(a, b types.Embedding) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Cosine returns 1 - cosine similarity, in [0, 2].
func Cosine(a, b types.Embedding) float64 {
	var dot, sumA, sumB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		sumA += float64(a[i]) * float64(a[i])
		sumB += float64(b[i]) * float64(b[i])
	}
	// Return 1.0 (max distance for unrelated vectors) if a vector is zero
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	sim := dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
	sim = max(-1, min(1, sim))
	return 1.0 - sim
}

// Metric names a distance function.
type Metric string

const (
	MetricEuclidean Metric = "euclidean"
	MetricCosine    Metric = "cosine"
)

// Distance resolves the metric. The empty metric is Euclidean.
func (m Metric) Distance() (DistanceFunc, error) {
	switch m {
	case "", MetricEuclidean:
		return Euclidean, nil
	case MetricCosine:
		return Cosine, nil
	}
	return nil, fmt.Errorf("unknown distance metric %q (use euclidean or cosine)", string(m))
}

// FirstHit returns the first gallery entry, in gallery order, whose distance
// to the probe is within tolerance. It is not a nearest-neighbour search: with
// several qualifying entries the earliest one wins.
type FirstHit struct {
	gallery   *gallery.Gallery
	tolerance float64
	distance  DistanceFunc
}

// NewFirstHit creates a FirstHit matcher. A nil distance means Euclidean.
func NewFirstHit(g *gallery.Gallery, tolerance float64, distance DistanceFunc) *FirstHit {
	if distance == nil {
		distance = Euclidean
	}
	return &FirstHit{gallery: g, tolerance: tolerance, distance: distance}
}

func (m *FirstHit) Match(probe types.Embedding) (Result, error) {
	if m.gallery.Len() == 0 {
		return NoMatch, nil
	}
	if err := checkDim(m.gallery, probe); err != nil {
		return NoMatch, err
	}
	for i, vec := range m.gallery.Embeddings {
		if d := m.distance(probe, vec); d <= m.tolerance {
			return Result{Index: i, Label: m.gallery.Labels[i], Distance: d}, nil
		}
	}
	return NoMatch, nil
}

func checkDim(g *gallery.Gallery, probe types.Embedding) error {
	if len(probe) != g.Dim() {
		return fmt.Errorf("%w: probe has %d values, gallery has %d", ErrDimension, len(probe), g.Dim())
	}
	return nil
}

// New builds the matcher for a strategy name ("first" or "nearest").
func New(strategy string, g *gallery.Gallery, tolerance float64, metric Metric) (Matcher, error) {
	distance, err := metric.Distance()
	if err != nil {
		return nil, err
	}
	switch strategy {
	case "", "first":
		return NewFirstHit(g, tolerance, distance), nil
	case "nearest":
		return NewNearest(g, tolerance, metric)
	}
	return nil, fmt.Errorf("unknown match strategy %q (use first or nearest)", strategy)
}
