package match

import (
	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/coder/hnsw"
)

const nearestCandidates = 8

// Nearest picks the closest gallery entry. Candidates come from an HNSW graph
// and are re-ranked with the exact metric before the tolerance check.
type Nearest struct {
	gallery   *gallery.Gallery
	tolerance float64
	distance  DistanceFunc
	graph     *hnsw.Graph[int]
}

// NewNearest indexes the gallery for the given metric.
func NewNearest(g *gallery.Gallery, tolerance float64, metric Metric) (*Nearest, error) {
	distance, err := metric.Distance()
	if err != nil {
		return nil, err
	}
	n := &Nearest{gallery: g, tolerance: tolerance, distance: distance}
	if g.Len() == 0 {
		return n, nil
	}

	graph := hnsw.NewGraph[int]()
	graph.Distance = hnsw.EuclideanDistance
	if metric == MetricCosine {
		graph.Distance = hnsw.CosineDistance
	}
	for i, vec := range g.Embeddings {
		graph.Add(hnsw.MakeNode(i, []float32(vec)))
	}
	n.graph = graph
	return n, nil
}

func (m *Nearest) Match(probe types.Embedding) (Result, error) {
	if m.graph == nil {
		return NoMatch, nil
	}
	if err := checkDim(m.gallery, probe); err != nil {
		return NoMatch, err
	}

	best := NoMatch
	for _, node := range m.graph.Search([]float32(probe), nearestCandidates) {
		d := m.distance(probe, m.gallery.Embeddings[node.Key])
		if d > m.tolerance {
			continue
		}
		// Ties go to the earlier entry to stay consistent with gallery order.
		if !best.Matched() || d < best.Distance || (d == best.Distance && node.Key < best.Index) {
			best = Result{Index: node.Key, Label: m.gallery.Labels[node.Key], Distance: d}
		}
	}
	return best, nil
}
