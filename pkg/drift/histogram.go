package drift

import (
	"math"

	"smlmproc/internal/models"
)

// histogram is a square occupancy image of spot positions at the
// estimator's magnification. Counts saturate at math.MaxUint16.
type histogram struct {
	side   int
	scale  float64 // histogram pixels per nanometer
	counts []uint16
}

func newHistogram(side int, scale float64) *histogram {
	return &histogram{side: side, scale: scale, counts: make([]uint16, side*side)}
}

// histogramBytes is the memory needed for n histograms of the given side.
func histogramBytes(n, side int) int64 {
	return int64(n) * int64(side) * int64(side) * 2
}

// allocateHistograms returns one histogram per chunk, or
// ErrResourceExhausted when they would not fit in budget bytes.
func allocateHistograms(n, side int, scale float64, budget int64) ([]*histogram, error) {
	if need := histogramBytes(n, side); budget > 0 && need > budget {
		return nil, models.Errorf(models.KindResourceExhausted, "drift.allocateHistograms",
			"%d histograms of %dx%d need %d bytes, budget is %d", n, side, side, need, budget)
	}
	hs := make([]*histogram, n)
	for i := range hs {
		hs[i] = newHistogram(side, scale)
	}
	return hs, nil
}

// add increments the cell under (x, y) nanometers. Positions outside the
// canvas are ignored.
func (h *histogram) add(x, y float64) {
	cx := math.Floor(x * h.scale)
	cy := math.Floor(y * h.scale)
	if cx < 0 || cy < 0 || cx >= float64(h.side) || cy >= float64(h.side) {
		return
	}
	idx := int(cy)*h.side + int(cx)
	if h.counts[idx] < math.MaxUint16 {
		h.counts[idx]++
	}
}

func (h *histogram) reset() {
	clear(h.counts)
}

func (h *histogram) floats() []float64 {
	out := make([]float64, len(h.counts))
	for i, c := range h.counts {
		out[i] = float64(c)
	}
	return out
}
