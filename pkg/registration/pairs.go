package registration

import (
	"context"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"smlmproc/internal/models"
	"smlmproc/pkg/spatial"
)

// FramePairs summarizes channel 1 to channel 2 pairing within one
// temporal index. Errors are target minus source. Statistics are NaN when
// undefined: all of them without pairs, the standard deviations with a
// single pair.
type FramePairs struct {
	Index int
	Pairs []Pair

	MeanDistance   float64
	StdDevDistance float64
	MeanErrorX     float64
	StdDevErrorX   float64
	MeanErrorY     float64
	StdDevErrorY   float64
}

// PairStatistics matches channel 1 to channel 2 spots in every temporal
// index of ds, like Calibrate does for the first one, and reports how far
// apart the channels are. A maxDist of zero or less uses
// MaxMatchDistanceNm. Results are ordered by temporal index.
func (r *Registrar) PairStatistics(ctx context.Context, ds *models.Dataset, maxDist float64) ([]FramePairs, error) {
	const op = "registration.PairStatistics"

	if maxDist <= 0 {
		maxDist = r.params.MaxMatchDistanceNm
	}

	type channels struct{ ch1, ch2 []models.Point2D }
	axis := ds.TemporalAxis()
	byIndex := make(map[int]*channels)
	for i := 0; i < ds.Len(); i++ {
		s := ds.Spot(i)
		t := s.TemporalIndex(axis)
		c, ok := byIndex[t]
		if !ok {
			c = &channels{}
			byIndex[t] = c
		}
		switch s.Channel {
		case 1:
			c.ch1 = append(c.ch1, s.Center())
		case 2:
			c.ch2 = append(c.ch2, s.Center())
		}
	}

	indices := make([]int, 0, len(byIndex))
	for t := range byIndex {
		indices = append(indices, t)
	}
	slices.Sort(indices)

	out := make([]FramePairs, 0, len(indices))
	for n, t := range indices {
		if err := ctx.Err(); err != nil {
			return nil, models.Wrap(models.KindCancelled, op, err)
		}
		c := byIndex[t]
		out = append(out, summarize(t, matchPairs(c.ch1, spatial.Build(c.ch2), maxDist)))
		if r.progressCallback != nil {
			r.progressCallback(n+1, len(indices), "creating pairs")
		}
	}
	return out, nil
}

func summarize(index int, pairs []Pair) FramePairs {
	fp := FramePairs{Index: index, Pairs: pairs}
	if len(pairs) == 0 {
		nan := math.NaN()
		fp.MeanDistance, fp.StdDevDistance = nan, nan
		fp.MeanErrorX, fp.StdDevErrorX = nan, nan
		fp.MeanErrorY, fp.StdDevErrorY = nan, nan
		return fp
	}

	dist := make([]float64, len(pairs))
	ex := make([]float64, len(pairs))
	ey := make([]float64, len(pairs))
	for i, p := range pairs {
		d := p.Target.Sub(p.Source)
		dist[i] = p.Source.Distance(p.Target)
		ex[i] = d.X
		ey[i] = d.Y
	}
	fp.MeanDistance, fp.StdDevDistance = meanStdDev(dist)
	fp.MeanErrorX, fp.StdDevErrorX = meanStdDev(ex)
	fp.MeanErrorY, fp.StdDevErrorY = meanStdDev(ey)
	return fp
}

// meanStdDev uses the n-1 denominator.
func meanStdDev(x []float64) (float64, float64) {
	if len(x) == 1 {
		return x[0], math.NaN()
	}
	return stat.MeanStdDev(x, nil)
}
