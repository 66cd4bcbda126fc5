// Package spatial answers nearest-neighbor queries over a fixed set of
// points in the sample plane.
package spatial

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"smlmproc/internal/models"
)

// linearScanLimit is the set size at or below which queries scan every
// point instead of walking the tree. The scan is O(n) per query and does
// not scale; it only wins for the handful of points where building a
// tree costs more than it saves.
const linearScanLimit = 16

// point is a tree entry. Index is the position of the point in the
// input sequence and breaks distance ties.
type point struct {
	X, Y  float64
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p point) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// points is a collection of point that satisfies kdtree.Interface
type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{points: p, Dim: d}, kdtree.MedianOfRandoms(plane{points: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for points
type plane struct {
	points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.points[i].X < p.points[j].X
	case 1:
		return p.points[i].Y < p.points[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{points: p.points[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// Index is an immutable nearest-neighbor index. It is safe for concurrent
// queries.
type Index struct {
	points []models.Point2D
	tree   *kdtree.Tree
}

// Neighbor is a query hit: the position of the point in the input
// sequence and its squared distance to the query.
type Neighbor struct {
	Index int
	Dist2 float64
}

// Build creates an index over pts. The slice is copied.
func Build(pts []models.Point2D) *Index {
	ix := &Index{points: append([]models.Point2D(nil), pts...)}
	if len(pts) > linearScanLimit {
		entries := make(points, len(pts))
		for i, p := range pts {
			entries[i] = point{X: p.X, Y: p.Y, Index: i}
		}
		ix.tree = kdtree.New(entries, false)
	}
	return ix
}

// Len returns the number of indexed points.
func (ix *Index) Len() int { return len(ix.points) }

// Point returns the i-th indexed point.
func (ix *Index) Point(i int) models.Point2D { return ix.points[i] }

// NearestWithin returns the indexed point closest to q, or false when the
// closest point is farther than cutoff. Equidistant points resolve to the
// one that came first in the input.
func (ix *Index) NearestWithin(q models.Point2D, cutoff float64) (models.Point2D, bool) {
	i, ok := ix.NearestIndexWithin(q, cutoff)
	if !ok {
		return models.Point2D{}, false
	}
	return ix.points[i], true
}

// NearestIndexWithin is NearestWithin returning the input position of the hit.
func (ix *Index) NearestIndexWithin(q models.Point2D, cutoff float64) (int, bool) {
	if len(ix.points) == 0 || cutoff < 0 || math.IsNaN(cutoff) {
		return -1, false
	}
	limit := cutoff * cutoff

	if ix.tree == nil {
		best, bestDist := -1, math.Inf(1)
		for i, p := range ix.points {
			if d := p.Distance2(q); d < bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 || bestDist > limit {
			return -1, false
		}
		return best, true
	}

	query := point{X: q.X, Y: q.Y, Index: -1}
	nearest, dist := ix.tree.Nearest(query)
	if nearest == nil || dist > limit {
		return -1, false
	}

	// The tree returns any one of several equidistant points; collect
	// them all and keep the earliest.
	best := nearest.(point).Index
	keeper := kdtree.NewDistKeeper(dist)
	ix.tree.NearestSet(keeper, query)
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		if idx := item.Comparable.(point).Index; item.Dist <= dist && idx < best {
			best = idx
		}
	}
	return best, true
}

// NearestN returns up to n neighbors of q ordered by distance, ties by
// input position.
func (ix *Index) NearestN(q models.Point2D, n int) []Neighbor {
	if n <= 0 || len(ix.points) == 0 {
		return nil
	}
	if ix.tree == nil {
		hits := ix.scan(q, math.Inf(1))
		if len(hits) > n {
			hits = hits[:n]
		}
		return hits
	}

	keeper := kdtree.NewNKeeper(n)
	ix.tree.NearestSet(keeper, point{X: q.X, Y: q.Y, Index: -1})
	return collect(keeper.Heap)
}

// Within returns every neighbor of q no farther than radius, ordered by
// distance, ties by input position.
func (ix *Index) Within(q models.Point2D, radius float64) []Neighbor {
	if radius < 0 || len(ix.points) == 0 {
		return nil
	}
	if ix.tree == nil {
		return ix.scan(q, radius*radius)
	}

	keeper := kdtree.NewDistKeeper(radius * radius)
	ix.tree.NearestSet(keeper, point{X: q.X, Y: q.Y, Index: -1})
	return collect(keeper.Heap)
}

// scan is the linear fallback used for small sets.
func (ix *Index) scan(q models.Point2D, limit float64) []Neighbor {
	var hits []Neighbor
	for i, p := range ix.points {
		if d := p.Distance2(q); d <= limit {
			hits = append(hits, Neighbor{Index: i, Dist2: d})
		}
	}
	sortNeighbors(hits)
	return hits
}

func collect(heap kdtree.Heap) []Neighbor {
	hits := make([]Neighbor, 0, len(heap))
	for _, item := range heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		hits = append(hits, Neighbor{Index: item.Comparable.(point).Index, Dist2: item.Dist})
	}
	sortNeighbors(hits)
	return hits
}

func sortNeighbors(hits []Neighbor) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Dist2 != hits[j].Dist2 {
			return hits[i].Dist2 < hits[j].Dist2
		}
		return hits[i].Index < hits[j].Index
	})
}
