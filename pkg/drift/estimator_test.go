package drift

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smlmproc/internal/models"
)

func driftMeta(frames int) models.Metadata {
	return models.Metadata{
		PixelSizeNm: 160,
		Width:       64,
		Height:      64,
		Shape:       1,
		NrChannels:  1,
		NrFrames:    frames,
		NrSlices:    1,
		NrPositions: 1,
	}
}

// driftingDataset observes the same random emitters in every frame. Each
// chunk of framesPerChunk frames is displaced by shifts[chunk].
func driftingDataset(t *testing.T, emitters, framesPerChunk int, shifts []models.Point2D) (*models.Dataset, []models.Point2D) {
	t.Helper()

	rng := rand.New(rand.NewSource(42))
	truth := make([]models.Point2D, emitters)
	for i := range truth {
		truth[i] = models.Point2D{X: 1000 + rng.Float64()*8000, Y: 1000 + rng.Float64()*8000}
	}

	var spots []models.Spot
	for c, shift := range shifts {
		for f := 0; f < framesPerChunk; f++ {
			frame := c*framesPerChunk + f + 1
			for _, p := range truth {
				spots = append(spots, models.Spot{
					Channel:   1,
					Frame:     frame,
					Position:  1,
					X:         p.X + shift.X + rng.NormFloat64()*10,
					Y:         p.Y + shift.Y + rng.NormFloat64()*10,
					Intensity: 1000,
				})
			}
		}
	}

	ds, err := models.NewDataset(driftMeta(len(shifts)*framesPerChunk), spots)
	require.NoError(t, err)
	return ds, truth
}

func TestMagnification(t *testing.T) {
	tests := []struct {
		pixel, target float64
		want          int
	}{
		{160, 40, 4},
		{100, 40, 4},
		{200, 40, 6},
		{50, 40, 2},
		{10, 40, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Magnification(tt.pixel, tt.target), "pixel %g target %g", tt.pixel, tt.target)
	}
}

func TestEstimateRecoversInjectedDrift(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping FFT round trip in short mode")
	}

	shifts := []models.Point2D{{}, {X: 130, Y: -70}, {X: -90, Y: 200}}
	ds, _ := driftingDataset(t, 200, 5, shifts)

	est := NewEstimator(Params{FramesToCombine: 5}, nil)
	res, err := est.Estimate(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Magnification)
	assert.False(t, res.Streaming)
	require.Len(t, res.Offsets, len(shifts))
	for i, want := range shifts {
		got := res.Offsets[i].Offset
		assert.InDelta(t, want.X, got.X, 40, "chunk %d x", i)
		assert.InDelta(t, want.Y, got.Y, 40, "chunk %d y", i)
	}
	assert.Equal(t, models.Point2D{}, res.Offsets[0].Offset, "reference chunk has zero drift")

	// Corrected spots sit within a super-pixel of the undrifted pattern
	require.Equal(t, ds.Len(), res.Corrected.Len())
	var sum models.Point2D
	n := 0
	for i := 0; i < res.Corrected.Len(); i++ {
		s := res.Corrected.Spot(i)
		if s.Frame > 5 {
			sum = sum.Add(s.Center().Sub(ds.Spot(i).Center()))
			n++
		}
	}
	mean := sum.Scale(1 / float64(n))
	assert.InDelta(t, -(shifts[1].X+shifts[2].X)/2, mean.X, 40)
	assert.InDelta(t, -(shifts[1].Y+shifts[2].Y)/2, mean.Y, 40)
}

func TestEstimateTrackHasOnePseudoSpotPerChunk(t *testing.T) {
	spots := []models.Spot{
		{Channel: 1, Frame: 1, X: 5000, Y: 5000},
		{Channel: 1, Frame: 1, X: 3000, Y: 6000},
		{Channel: 1, Frame: 250, X: 5000, Y: 5000},
		{Channel: 1, Frame: 250, X: 3000, Y: 6000},
		{Channel: 1, Frame: 450, X: 5000, Y: 5000},
		{Channel: 1, Frame: 600, X: 3000, Y: 6000},
	}
	ds, err := models.NewDataset(driftMeta(600), spots)
	require.NoError(t, err)

	res, err := NewEstimator(Params{FramesToCombine: 200}, nil).Estimate(context.Background(), ds)
	require.NoError(t, err)

	require.Equal(t, 3, res.Track.Len())
	assert.True(t, res.Track.IsTrack())
	for i, want := range []struct{ start, spots int }{{1, 2}, {201, 2}, {401, 2}} {
		s := res.Track.Spot(i)
		assert.Equal(t, want.start, s.Frame)
		assert.Equal(t, float64(want.spots), s.Intensity)
		assert.Equal(t, 1, s.Channel)
		assert.Equal(t, res.Offsets[i].Offset, s.Center())
	}
	assert.Equal(t, 0.0, res.Track.Spot(0).X)
	assert.Equal(t, 0.0, res.Track.Spot(0).Y)
}

func TestEstimateStreamingMatchesInMemory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping FFT round trip in short mode")
	}

	shifts := []models.Point2D{{}, {X: 80, Y: 40}, {}, {X: -60, Y: -120}}
	ds, _ := driftingDataset(t, 100, 3, shifts)

	normal, err := NewEstimator(Params{FramesToCombine: 3}, nil).Estimate(context.Background(), ds)
	require.NoError(t, err)
	require.False(t, normal.Streaming)

	streamed, err := NewEstimator(Params{FramesToCombine: 3, MaxHistogramBytes: 1024}, nil).Estimate(context.Background(), ds)
	require.NoError(t, err)
	require.True(t, streamed.Streaming)

	require.Len(t, streamed.Offsets, len(normal.Offsets))
	for i := range normal.Offsets {
		assert.InDelta(t, normal.Offsets[i].Offset.X, streamed.Offsets[i].Offset.X, 1e-9)
		assert.InDelta(t, normal.Offsets[i].Offset.Y, streamed.Offsets[i].Offset.Y, 1e-9)
	}
}

func TestEstimateEmptyChunkCarriesPreviousOffset(t *testing.T) {
	var spots []models.Spot
	for _, f := range []int{1, 2, 11, 12, 31} {
		spots = append(spots,
			models.Spot{Channel: 1, Frame: f, X: 4000, Y: 4000},
			models.Spot{Channel: 1, Frame: f, X: 6000, Y: 5000},
		)
	}
	ds, err := models.NewDataset(driftMeta(40), spots)
	require.NoError(t, err)

	res, err := NewEstimator(Params{FramesToCombine: 10}, nil).Estimate(context.Background(), ds)
	require.NoError(t, err)

	require.Len(t, res.Offsets, 4)
	assert.Equal(t, 0, res.Offsets[2].Spots)
	assert.Equal(t, res.Offsets[1].Offset, res.Offsets[2].Offset)
}

func TestEstimateInsufficientData(t *testing.T) {
	ds, err := models.NewDataset(driftMeta(10), []models.Spot{{Channel: 1, Frame: 1, X: 1, Y: 1}})
	require.NoError(t, err)

	res, err := NewEstimator(DefaultParams(), nil).Estimate(context.Background(), ds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientData))
	require.NotNil(t, res)
	assert.Same(t, ds, res.Corrected)
	assert.Nil(t, res.Track)
}

func TestEstimateGeometryConstraints(t *testing.T) {
	spots := []models.Spot{
		{Channel: 1, Frame: 1, X: 100, Y: 100},
		{Channel: 1, Frame: 2, X: 200, Y: 200},
	}
	tests := []struct {
		name   string
		mutate func(*models.Metadata)
	}{
		{"width not a power of two", func(m *models.Metadata) { m.Width, m.Height = 100, 100 }},
		{"non-square canvas", func(m *models.Metadata) { m.Height = 32 }},
		{"missing pixel size", func(m *models.Metadata) { m.PixelSizeNm = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := driftMeta(2)
			tt.mutate(&meta)
			ds, err := models.NewDataset(meta, spots)
			require.NoError(t, err)

			_, err = NewEstimator(DefaultParams(), nil).Estimate(context.Background(), ds)
			assert.True(t, errors.Is(err, models.ErrGeometryConstraintViolation), "got %v", err)
		})
	}
}

func TestEstimateDoesNotMutateInput(t *testing.T) {
	ds, _ := driftingDataset(t, 20, 2, []models.Point2D{{}, {X: 100, Y: 0}})
	before := ds.Spots()

	_, err := NewEstimator(Params{FramesToCombine: 2}, nil).Estimate(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, before, ds.Spots())
}

func TestEstimatePassesThroughFrameZero(t *testing.T) {
	spots := []models.Spot{
		{Channel: 1, Frame: 0, X: 1234, Y: 5678},
		{Channel: 1, Frame: 1, X: 4000, Y: 4000},
		{Channel: 1, Frame: 2, X: 4100, Y: 4000},
	}
	ds, err := models.NewDataset(driftMeta(2), spots)
	require.NoError(t, err)

	res, err := NewEstimator(Params{FramesToCombine: 1}, nil).Estimate(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, spots[0], res.Corrected.Spot(0))
	assert.Equal(t, 1, res.Offsets[0].Spots)
}

func TestEstimateCancelled(t *testing.T) {
	ds, _ := driftingDataset(t, 10, 2, []models.Point2D{{}, {X: 50}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewEstimator(Params{FramesToCombine: 2}, nil).Estimate(ctx, ds)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, models.ErrCancelled))
}

func TestEstimateReportsMonotonicProgress(t *testing.T) {
	ds, _ := driftingDataset(t, 10, 1, []models.Point2D{{}, {X: 40}, {X: 80}, {X: 120}, {X: 160}})

	est := NewEstimator(Params{FramesToCombine: 1, NumWorkers: 3}, nil)
	var seen []int
	est.SetProgressCallback(func(completed, total int, message string) {
		assert.Equal(t, 5, total)
		seen = append(seen, completed)
	})

	_, err := est.Estimate(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
}

func TestHistogramIgnoresOutOfCanvas(t *testing.T) {
	h := newHistogram(4, 0.1)
	h.add(5, 5)
	h.add(-1, 5)
	h.add(45, 5)
	h.add(39.9, 39.9)

	f := h.floats()
	assert.Equal(t, 1.0, f[0])
	assert.Equal(t, 1.0, f[15])
	sum := 0.0
	for _, v := range f {
		sum += v
	}
	assert.Equal(t, 2.0, sum)
}

func TestAllocateHistogramsBudget(t *testing.T) {
	_, err := allocateHistograms(4, 256, 1, histogramBytes(4, 256)-1)
	assert.True(t, errors.Is(err, models.ErrResourceExhausted))

	hs, err := allocateHistograms(4, 256, 1, histogramBytes(4, 256))
	require.NoError(t, err)
	assert.Len(t, hs, 4)
}

func TestCrossCorrelatePeakFollowsShift(t *testing.T) {
	const size = 32
	ref := make([]float64, size*size)
	test := make([]float64, size*size)
	ref[10*size+12] = 1
	ref[20*size+5] = 1
	test[13*size+14] = 1 // (12,10) moved by (+2,+3)
	test[23*size+7] = 1

	corr := crossCorrelate(fft2D(ref, size), fft2D(test, size), size)
	p := peakCentroid(corr, size, 8, 0)
	assert.InDelta(t, size/2+2, p.X, 1e-9)
	assert.InDelta(t, size/2+3, p.Y, 1e-9)
	assert.False(t, math.IsNaN(p.X))
}

func TestEstimateRecoversLargeDrift(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping FFT round trip in short mode")
	}

	// Well beyond 32 super-pixels of 40 nm, well inside half the canvas
	shifts := []models.Point2D{{}, {X: 1500, Y: -600}, {X: 2600, Y: 1800}}
	ds, _ := driftingDataset(t, 200, 5, shifts)

	res, err := NewEstimator(Params{FramesToCombine: 5}, nil).Estimate(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, res.Offsets, len(shifts))
	for i, want := range shifts {
		got := res.Offsets[i].Offset
		assert.InDelta(t, want.X, got.X, 40, "chunk %d x", i)
		assert.InDelta(t, want.Y, got.Y, 40, "chunk %d y", i)
	}
}

func TestPeakCentroidSearchRadius(t *testing.T) {
	const size = 64
	corr := make([]float64, size*size)
	corr[(size/2+3)*size+size/2+2] = 1 // near zero lag
	corr[(size/2-20)*size+size/2+25] = 5

	whole := peakCentroid(corr, size, 0, 0)
	assert.InDelta(t, size/2+25, whole.X, 1e-9)
	assert.InDelta(t, size/2-20, whole.Y, 1e-9)

	narrow := peakCentroid(corr, size, 8, 0)
	assert.InDelta(t, size/2+2, narrow.X, 1e-9)
	assert.InDelta(t, size/2+3, narrow.Y, 1e-9)
}
