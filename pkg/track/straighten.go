// Package track holds operations on datasets that follow one object
// through time.
package track

import (
	"context"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"smlmproc/internal/models"
)

// Straighten rotates the positions of ds onto their principal axes, with
// the origin at the mean position. The first axis is the main direction of
// travel, oriented from the first spot towards the last. All other fields
// pass through. The result is a track.
func Straighten(ctx context.Context, ds *models.Dataset) (*models.Dataset, error) {
	const op = "track.Straighten"

	if ds.Len() <= 1 {
		return nil, models.Errorf(models.KindInsufficientData, op, "%d spots, need at least 2", ds.Len())
	}
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.KindCancelled, op, err)
	}

	n := ds.Len()
	xs := make([]float64, n)
	ys := make([]float64, n)
	data := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		s := ds.Spot(i)
		xs[i], ys[i] = s.X, s.Y
		data.Set(i, 0, s.X)
		data.Set(i, 1, s.Y)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, models.Errorf(models.KindInsufficientData, op, "principal components did not converge")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	major := []float64{vecs.At(0, 0), vecs.At(1, 0)}
	travel := []float64{xs[n-1] - xs[0], ys[n-1] - ys[0]}
	if floats.Dot(major, travel) < 0 {
		floats.Scale(-1, major)
	}
	// Keep the frame right-handed
	minor := []float64{-major[1], major[0]}

	mx, my := stat.Mean(xs, nil), stat.Mean(ys, nil)
	spots := ds.Spots()
	for i, s := range spots {
		d := []float64{s.X - mx, s.Y - my}
		spots[i] = s.WithXY(floats.Dot(d, major), floats.Dot(d, minor))
	}

	meta := ds.Metadata()
	meta.IsTrack = true
	return models.NewDataset(meta, spots)
}
