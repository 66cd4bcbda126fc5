package models

import (
	"gonum.org/v1/gonum/stat"
)

// TemporalAxis selects which acquisition counter is treated as time.
type TemporalAxis int

const (
	AxisFrame TemporalAxis = iota
	AxisSlice
)

func (a TemporalAxis) String() string {
	if a == AxisSlice {
		return "slice"
	}
	return "frame"
}

// Metadata describes every spot of a dataset.
type Metadata struct {
	// PixelSizeNm is the camera pixel size in nanometers
	PixelSizeNm float64

	// Width and Height of the source images in pixels
	Width  int
	Height int

	// Shape of the fit model used for all spots (1, 2 or 3)
	Shape int

	NrChannels  int
	NrFrames    int
	NrSlices    int
	NrPositions int

	// IsTrack marks datasets whose spots follow one object through time
	IsTrack bool
}

// TemporalAxis returns frames when there are more frames than slices,
// slices otherwise.
func (m Metadata) TemporalAxis() TemporalAxis {
	if m.NrFrames > m.NrSlices {
		return AxisFrame
	}
	return AxisSlice
}

// NrTemporal returns the number of frames or slices along the temporal axis.
func (m Metadata) NrTemporal() int {
	if m.TemporalAxis() == AxisSlice {
		return m.NrSlices
	}
	return m.NrFrames
}

// Dataset is a read-only, ordered collection of spots plus metadata.
// Order is insertion order, not necessarily temporal order.
type Dataset struct {
	meta    Metadata
	spots   []Spot
	stdDevX float64
	stdDevY float64
}

// NewDataset validates spots against meta and returns a dataset holding
// its own copy of them.
func NewDataset(meta Metadata, spots []Spot) (*Dataset, error) {
	const op = "models.NewDataset"

	if meta.Shape < 1 || meta.Shape > 3 {
		return nil, Errorf(KindInvalidDataset, op, "shape %d is not one of 1, 2, 3", meta.Shape)
	}
	if meta.PixelSizeNm < 0 {
		return nil, Errorf(KindInvalidDataset, op, "pixel size %g nm is negative", meta.PixelSizeNm)
	}
	for i, s := range spots {
		if s.Channel < 1 {
			return nil, Errorf(KindInvalidDataset, op, "spot %d has channel %d, channels start at 1", i, s.Channel)
		}
		if meta.NrChannels > 0 && s.Channel > meta.NrChannels {
			return nil, Errorf(KindInvalidDataset, op, "spot %d has channel %d but dataset declares %d channels",
				i, s.Channel, meta.NrChannels)
		}
		if s.LinkedCount < 0 {
			return nil, Errorf(KindInvalidDataset, op, "spot %d has negative linked count %d", i, s.LinkedCount)
		}
	}

	d := &Dataset{
		meta:  meta,
		spots: append([]Spot(nil), spots...),
	}
	if meta.IsTrack {
		d.stdDevX, d.stdDevY = d.positionStdDev()
	}
	return d, nil
}

// Derive builds a new dataset with the same metadata as d and the given spots.
func (d *Dataset) Derive(spots []Spot) (*Dataset, error) {
	return NewDataset(d.meta, spots)
}

// Metadata returns a copy of the dataset metadata.
func (d *Dataset) Metadata() Metadata { return d.meta }

// Len returns the number of spots.
func (d *Dataset) Len() int { return len(d.spots) }

// Spot returns the i-th spot.
func (d *Dataset) Spot(i int) Spot { return d.spots[i] }

// Spots returns a copy of all spots.
func (d *Dataset) Spots() []Spot {
	return append([]Spot(nil), d.spots...)
}

// TemporalAxis is shorthand for Metadata().TemporalAxis().
func (d *Dataset) TemporalAxis() TemporalAxis { return d.meta.TemporalAxis() }

// IsTrack reports whether the dataset is a track.
func (d *Dataset) IsTrack() bool { return d.meta.IsTrack }

// StdDevX is the standard deviation of x over a track; zero otherwise.
func (d *Dataset) StdDevX() float64 { return d.stdDevX }

// StdDevY is the standard deviation of y over a track; zero otherwise.
func (d *Dataset) StdDevY() float64 { return d.stdDevY }

func (d *Dataset) positionStdDev() (float64, float64) {
	if len(d.spots) < 2 {
		return 0, 0
	}
	xs := make([]float64, len(d.spots))
	ys := make([]float64, len(d.spots))
	for i, s := range d.spots {
		xs[i] = s.X
		ys[i] = s.Y
	}
	return stat.StdDev(xs, nil), stat.StdDev(ys, nil)
}
