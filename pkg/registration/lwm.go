package registration

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"smlmproc/internal/models"
	"smlmproc/pkg/spatial"
)

// localFit maps points near one control point. Coordinates are taken
// relative to the control point's source position to keep the least
// squares problem well conditioned.
type localFit struct {
	origin models.Point2D
	radius float64 // influence radius in nanometers
	order  int
	cx, cy []float64
}

// basis returns the polynomial terms of d for the given order.
func basis(d models.Point2D, order int) []float64 {
	if order >= 2 {
		return []float64{1, d.X, d.Y, d.X * d.X, d.X * d.Y, d.Y * d.Y}
	}
	return []float64{1, d.X, d.Y}
}

func termCount(order int) int {
	if order >= 2 {
		return 6
	}
	return 3
}

func (f localFit) apply(q models.Point2D) models.Point2D {
	terms := basis(q.Sub(f.origin), f.order)
	var x, y float64
	for i, t := range terms {
		x += f.cx[i] * t
		y += f.cy[i] * t
	}
	return f.origin.Add(models.Point2D{X: x, Y: y})
}

// translationFit is used when the neighborhood does not constrain a
// polynomial: the mean displacement of the neighbors.
func translationFit(origin models.Point2D, radius float64, pairs []Pair, order int) localFit {
	var shift models.Point2D
	for _, p := range pairs {
		shift = shift.Add(p.Target.Sub(p.Source))
	}
	shift = shift.Scale(1 / float64(len(pairs)))

	m := termCount(order)
	cx := make([]float64, m)
	cy := make([]float64, m)
	cx[0], cx[1] = shift.X, 1
	cy[0], cy[2] = shift.Y, 1
	return localFit{origin: origin, radius: radius, order: order, cx: cx, cy: cy}
}

// fitLocal solves the least squares polynomial mapping pairs around origin
// using QR decomposition.
func fitLocal(origin models.Point2D, radius float64, pairs []Pair, order int) localFit {
	m := termCount(order)
	n := len(pairs)
	if n < m {
		return translationFit(origin, radius, pairs, order)
	}

	A := mat.NewDense(n, m, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i, p := range pairs {
		A.SetRow(i, basis(p.Source.Sub(origin), order))
		t := p.Target.Sub(origin)
		bx.SetVec(i, t.X)
		by.SetVec(i, t.Y)
	}

	var qr mat.QR
	qr.Factorize(A)

	var px, py mat.VecDense
	if err := qr.SolveVecTo(&px, false, bx); err != nil {
		return translationFit(origin, radius, pairs, order)
	}
	if err := qr.SolveVecTo(&py, false, by); err != nil {
		return translationFit(origin, radius, pairs, order)
	}

	cx := make([]float64, m)
	cy := make([]float64, m)
	for i := 0; i < m; i++ {
		cx[i] = px.AtVec(i)
		cy[i] = py.AtVec(i)
	}
	if !finite(cx) || !finite(cy) {
		return translationFit(origin, radius, pairs, order)
	}
	return localFit{origin: origin, radius: radius, order: order, cx: cx, cy: cy}
}

func finite(v []float64) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// weight is the smooth compactly supported kernel 1 - 3r^2 + 2r^3.
func weight(r float64) float64 {
	if r >= 1 {
		return 0
	}
	return 1 - 3*r*r + 2*r*r*r
}

// lwm is a local weighted mean transform: every control point carries a
// polynomial fitted to its nearest neighbors and an influence radius equal
// to the distance of the farthest of them. A query blends the
// polynomials of the control points whose radius covers it.
type lwm struct {
	index     *spatial.Index
	fits      []localFit
	maxRadius float64
}

// minRadius keeps influence radii of coincident control points positive
const minRadius = 1e-6

func newLWM(pairs []Pair, neighbors, order int) *lwm {
	sources := make([]models.Point2D, len(pairs))
	for i, p := range pairs {
		sources[i] = p.Source
	}
	index := spatial.Build(sources)

	t := &lwm{index: index, fits: make([]localFit, len(pairs))}
	local := make([]Pair, 0, neighbors+1)
	for i, p := range pairs {
		nbrs := index.NearestN(p.Source, neighbors+1)
		local = local[:0]
		for _, nb := range nbrs {
			local = append(local, pairs[nb.Index])
		}
		radius := math.Max(math.Sqrt(nbrs[len(nbrs)-1].Dist2), minRadius)
		t.fits[i] = fitLocal(p.Source, radius, local, order)
		t.maxRadius = math.Max(t.maxRadius, radius)
	}
	return t
}

func (t *lwm) transform(q models.Point2D) models.Point2D {
	var sum models.Point2D
	var wsum float64
	for _, hit := range t.index.Within(q, t.maxRadius) {
		f := t.fits[hit.Index]
		w := weight(math.Sqrt(hit.Dist2) / f.radius)
		if w == 0 {
			continue
		}
		sum = sum.Add(f.apply(q).Scale(w))
		wsum += w
	}
	if wsum > 0 {
		return sum.Scale(1 / wsum)
	}

	// Outside every radius: extrapolate with the closest control point
	nearest := t.index.NearestN(q, 1)
	return t.fits[nearest[0].Index].apply(q)
}
