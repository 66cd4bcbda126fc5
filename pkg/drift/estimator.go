// Package drift estimates slow stage drift over the temporal axis of a
// localization dataset and removes it.
//
// Spots are grouped into chunks of consecutive frames (or slices). Each
// chunk is rendered into an occupancy histogram at a magnification that
// gives roughly the requested super-pixel size, and cross-correlated
// against the first chunk. The center of mass of the correlation peak
// gives the displacement of the chunk relative to the reference.
package drift

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"smlmproc/internal/models"
)

// Params holds the drift estimation parameters
type Params struct {
	// FramesToCombine is the number of consecutive temporal indices per chunk
	FramesToCombine int `yaml:"framesToCombine"`

	// TargetSuperPixelNm is the desired histogram pixel size in nanometers
	TargetSuperPixelNm float64 `yaml:"targetSuperPixelNm"`

	// MaxHistogramBytes bounds the memory used to hold every chunk
	// histogram at once. Above it the estimator rescans the spots once per
	// chunk instead.
	MaxHistogramBytes int64 `yaml:"maxHistogramBytes"`

	// PeakSearchRadius limits the correlation peak search around zero
	// lag, in histogram pixels. Zero searches every lag the circular
	// correlation can resolve, half the canvas side.
	PeakSearchRadius int `yaml:"peakSearchRadius"`

	// CentroidRadius is the half-size of the neighborhood used for the
	// peak center of mass
	CentroidRadius int `yaml:"centroidRadius"`

	// NumWorkers bounds concurrent chunk correlations
	NumWorkers int `yaml:"numWorkers"`
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		FramesToCombine:    200,
		TargetSuperPixelNm: 40,
		MaxHistogramBytes:  512 << 20,
		PeakSearchRadius:   0,
		CentroidRadius:     1,
		NumWorkers:         runtime.NumCPU(),
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.FramesToCombine < 1 {
		p.FramesToCombine = d.FramesToCombine
	}
	if p.TargetSuperPixelNm <= 0 {
		p.TargetSuperPixelNm = d.TargetSuperPixelNm
	}
	if p.MaxHistogramBytes <= 0 {
		p.MaxHistogramBytes = d.MaxHistogramBytes
	}
	if p.PeakSearchRadius < 0 {
		p.PeakSearchRadius = d.PeakSearchRadius
	}
	if p.CentroidRadius < 0 {
		p.CentroidRadius = d.CentroidRadius
	}
	if p.NumWorkers < 1 {
		p.NumWorkers = d.NumWorkers
	}
	return p
}

// ChunkOffset is the drift measured for one chunk.
type ChunkOffset struct {
	// Chunk is the zero-based chunk number; chunk 0 is the reference
	Chunk int

	// Start and End delimit the chunk's temporal indices, inclusive
	Start int
	End   int

	// Spots is the number of spots that fell in the chunk
	Spots int

	// Offset is the displacement relative to chunk 0, in nanometers
	Offset models.Point2D
}

func (c ChunkOffset) contains(t int) bool {
	return t >= c.Start && t <= c.End
}

// Result is the outcome of a drift estimation.
type Result struct {
	// Track holds one pseudo-spot per chunk, including the zero-offset
	// reference chunk, positioned at the chunk's offset
	Track *models.Dataset

	// Corrected is the input with each spot's chunk offset subtracted
	Corrected *models.Dataset

	// Offsets lists the measured drift per chunk
	Offsets []ChunkOffset

	// Magnification is the histogram magnification that was used
	Magnification int

	// Streaming is set when the estimator ran in its bounded-memory mode
	Streaming bool
}

// Estimator detects and corrects drift. An Estimator holds no state
// between calls and may be shared.
type Estimator struct {
	params           Params
	logger           *slog.Logger
	progressCallback models.ProgressCallback
}

// NewEstimator creates an estimator. Zero-valued parameters take their
// defaults; a nil logger uses slog.Default().
func NewEstimator(params Params, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		params: params.withDefaults(),
		logger: logger.With(slog.String("component", "drift")),
	}
}

// SetProgressCallback sets a callback invoked once per processed chunk.
func (e *Estimator) SetProgressCallback(callback models.ProgressCallback) {
	e.progressCallback = callback
}

// Params returns the effective parameters.
func (e *Estimator) Params() Params { return e.params }

// Magnification returns the smallest even integer not below
// pixelSizeNm/targetNm, and never less than 2.
func Magnification(pixelSizeNm, targetNm float64) int {
	m := int(math.Ceil(pixelSizeNm / targetNm))
	if m%2 != 0 {
		m++
	}
	if m < 2 {
		m = 2
	}
	return m
}

// geometry is the rendering plan for one dataset.
type geometry struct {
	axis    models.TemporalAxis
	mag     int
	side    int
	scale   float64 // histogram pixels per nanometer
	frames  int     // temporal indices per chunk
	nChunks int
}

func (g geometry) chunkOf(s models.Spot) int {
	t := s.TemporalIndex(g.axis)
	if t < 1 {
		return -1
	}
	if c := (t - 1) / g.frames; c < g.nChunks {
		return c
	}
	return -1
}

// Estimate measures drift in ds and returns the drift track and a
// corrected copy of ds. ds is not modified.
//
// With fewer than two spots the result carries ds unchanged as Corrected
// and the error is ErrInsufficientData. A canvas that is not square or
// whose side is not a power of two fails with
// ErrGeometryConstraintViolation.
func (e *Estimator) Estimate(ctx context.Context, ds *models.Dataset) (*Result, error) {
	const op = "drift.Estimate"

	if ds.Len() <= 1 {
		return &Result{Corrected: ds}, models.Errorf(models.KindInsufficientData, op,
			"%d spots, need at least 2", ds.Len())
	}

	g, err := e.plan(ds)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.KindCancelled, op, err)
	}

	offsets := g.chunks(ds)
	streaming := false

	hists, err := allocateHistograms(g.nChunks, g.side, g.scale, e.params.MaxHistogramBytes)
	switch {
	case err == nil:
		err = e.correlateAll(ctx, ds, g, hists, offsets)
	case errors.Is(err, models.ErrResourceExhausted):
		e.logger.WarnContext(ctx, "chunk histograms exceed memory budget, rescanning spots per chunk",
			slog.Int("chunks", g.nChunks),
			slog.Int("side", g.side),
			slog.Int64("budget_bytes", e.params.MaxHistogramBytes))
		streaming = true
		err = e.correlateStreaming(ctx, ds, g, offsets)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.KindCancelled, op, err)
	}

	carryForwardEmptyChunks(offsets)

	track, err := buildTrack(ds, g, offsets)
	if err != nil {
		return nil, err
	}
	corrected, err := applyOffsets(ds, g.axis, offsets)
	if err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "drift estimated",
		slog.Int("spots", ds.Len()),
		slog.Int("chunks", g.nChunks),
		slog.Int("magnification", g.mag),
		slog.Bool("streaming", streaming))

	return &Result{
		Track:         track,
		Corrected:     corrected,
		Offsets:       offsets,
		Magnification: g.mag,
		Streaming:     streaming,
	}, nil
}

func (e *Estimator) plan(ds *models.Dataset) (geometry, error) {
	const op = "drift.plan"
	meta := ds.Metadata()

	if meta.PixelSizeNm <= 0 {
		return geometry{}, models.Errorf(models.KindGeometryConstraintViolation, op,
			"pixel size must be positive, got %g nm", meta.PixelSizeNm)
	}
	if meta.Width != meta.Height {
		return geometry{}, models.Errorf(models.KindGeometryConstraintViolation, op,
			"correlation needs a square canvas, image is %dx%d", meta.Width, meta.Height)
	}

	mag := Magnification(meta.PixelSizeNm, e.params.TargetSuperPixelNm)
	side := mag * meta.Width
	if !isPowerOfTwo(side) {
		return geometry{}, models.Errorf(models.KindGeometryConstraintViolation, op,
			"canvas side %d (magnification %d x width %d) is not a power of two", side, mag, meta.Width)
	}

	axis := meta.TemporalAxis()
	last := meta.NrTemporal()
	for i := 0; i < ds.Len(); i++ {
		last = max(last, ds.Spot(i).TemporalIndex(axis))
	}
	frames := e.params.FramesToCombine

	return geometry{
		axis:    axis,
		mag:     mag,
		side:    side,
		scale:   float64(mag) / meta.PixelSizeNm,
		frames:  frames,
		nChunks: max((last+frames-1)/frames, 1),
	}, nil
}

// chunks lays out the temporal ranges and counts the spots per chunk.
func (g geometry) chunks(ds *models.Dataset) []ChunkOffset {
	offsets := make([]ChunkOffset, g.nChunks)
	for i := range offsets {
		offsets[i] = ChunkOffset{
			Chunk: i,
			Start: i*g.frames + 1,
			End:   (i + 1) * g.frames,
		}
	}
	for i := 0; i < ds.Len(); i++ {
		if c := g.chunkOf(ds.Spot(i)); c >= 0 {
			offsets[c].Spots++
		}
	}
	return offsets
}

// correlateAll renders every chunk in one pass over the spots, then
// correlates the chunks concurrently.
func (e *Estimator) correlateAll(ctx context.Context, ds *models.Dataset, g geometry, hists []*histogram, offsets []ChunkOffset) error {
	const op = "drift.Estimate"

	for i := 0; i < ds.Len(); i++ {
		s := ds.Spot(i)
		if c := g.chunkOf(s); c >= 0 {
			hists[c].add(s.X, s.Y)
		}
	}

	prog := newProgress(e.progressCallback, g.nChunks)
	refSpec, refPoint := e.reference(hists[0], g)
	prog.step("reference chunk correlated")

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.params.NumWorkers)
	for i := 1; i < g.nChunks; i++ {
		i := i
		grp.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if offsets[i].Spots > 0 {
				offsets[i].Offset = e.chunkOffset(refSpec, refPoint, hists[i], g)
			}
			hists[i] = nil
			prog.step("chunk correlated")
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return models.Wrap(models.KindCancelled, op, err)
	}
	return nil
}

// correlateStreaming keeps only two histograms alive and rebuilds the test
// histogram by rescanning all spots once per chunk.
func (e *Estimator) correlateStreaming(ctx context.Context, ds *models.Dataset, g geometry, offsets []ChunkOffset) error {
	const op = "drift.Estimate"

	prog := newProgress(e.progressCallback, g.nChunks)

	ref := newHistogram(g.side, g.scale)
	for i := 0; i < ds.Len(); i++ {
		if s := ds.Spot(i); g.chunkOf(s) == 0 {
			ref.add(s.X, s.Y)
		}
	}
	refSpec, refPoint := e.reference(ref, g)
	prog.step("reference chunk correlated")

	test := newHistogram(g.side, g.scale)
	for c := 1; c < g.nChunks; c++ {
		if err := ctx.Err(); err != nil {
			return models.Wrap(models.KindCancelled, op, err)
		}
		if offsets[c].Spots > 0 {
			test.reset()
			for i := 0; i < ds.Len(); i++ {
				if s := ds.Spot(i); g.chunkOf(s) == c {
					test.add(s.X, s.Y)
				}
			}
			offsets[c].Offset = e.chunkOffset(refSpec, refPoint, test, g)
		}
		prog.step("chunk correlated")
	}
	return nil
}

// reference returns the spectrum of the reference histogram and the
// center of mass of its autocorrelation peak.
func (e *Estimator) reference(h *histogram, g geometry) ([]complex128, models.Point2D) {
	spec := fft2D(h.floats(), g.side)
	auto := crossCorrelate(spec, spec, g.side)
	return spec, peakCentroid(auto, g.side, e.params.PeakSearchRadius, e.params.CentroidRadius)
}

// chunkOffset correlates one chunk against the reference and converts the
// peak displacement to nanometers.
func (e *Estimator) chunkOffset(refSpec []complex128, refPoint models.Point2D, h *histogram, g geometry) models.Point2D {
	corr := crossCorrelate(refSpec, fft2D(h.floats(), g.side), g.side)
	peak := peakCentroid(corr, g.side, e.params.PeakSearchRadius, e.params.CentroidRadius)
	return peak.Sub(refPoint).Scale(1 / g.scale)
}

// carryForwardEmptyChunks gives chunks without spots the offset of the
// chunk before them.
func carryForwardEmptyChunks(offsets []ChunkOffset) {
	for i := 1; i < len(offsets); i++ {
		if offsets[i].Spots == 0 {
			offsets[i].Offset = offsets[i-1].Offset
		}
	}
}

func buildTrack(ds *models.Dataset, g geometry, offsets []ChunkOffset) (*models.Dataset, error) {
	meta := ds.Metadata()
	meta.IsTrack = true

	binNm := 1 / g.scale
	spots := make([]models.Spot, len(offsets))
	for i, c := range offsets {
		spots[i] = models.Spot{
			Channel:   1,
			Position:  1,
			Intensity: float64(c.Spots),
			Sigma:     binNm,
		}.WithTemporalIndex(g.axis, c.Start).WithCenter(c.Offset)
	}
	return models.NewDataset(meta, spots)
}

// applyOffsets subtracts each spot's chunk offset. Spots outside every
// chunk pass through unchanged.
func applyOffsets(ds *models.Dataset, axis models.TemporalAxis, offsets []ChunkOffset) (*models.Dataset, error) {
	spots := ds.Spots()
	last := 0
	for i, s := range spots {
		t := s.TemporalIndex(axis)
		c := -1
		if offsets[last].contains(t) {
			c = last
		} else {
			for k := range offsets {
				if offsets[k].contains(t) {
					c, last = k, k
					break
				}
			}
		}
		if c < 0 {
			continue
		}
		spots[i] = s.WithCenter(s.Center().Sub(offsets[c].Offset))
	}
	return ds.Derive(spots)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// progress serializes callback invocations so counts only grow.
type progress struct {
	mu       sync.Mutex
	callback models.ProgressCallback
	done     int
	total    int
}

func newProgress(callback models.ProgressCallback, total int) *progress {
	return &progress{callback: callback, total: total}
}

func (p *progress) step(message string) {
	if p.callback == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.callback(p.done, p.total, message)
}
