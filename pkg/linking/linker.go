// Package linking merges repeated detections of the same emitter in
// consecutive frames into single spots.
package linking

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"

	"smlmproc/internal/models"
)

// Params holds the linking parameters
type Params struct {
	// ProgressEvery is the number of pixel cells between progress reports
	ProgressEvery int `yaml:"progressEvery"`
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{ProgressEvery: 256}
}

// Linker collapses runs of same-pixel detections. A Linker holds no state
// between calls and may be shared.
type Linker struct {
	params           Params
	logger           *slog.Logger
	progressCallback models.ProgressCallback
}

// NewLinker creates a linker. A nil logger uses slog.Default().
func NewLinker(params Params, logger *slog.Logger) *Linker {
	if params.ProgressEvery < 1 {
		params.ProgressEvery = DefaultParams().ProgressEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		params: params,
		logger: logger.With(slog.String("component", "linking")),
	}
}

// SetProgressCallback sets a callback invoked every ProgressEvery cells.
func (l *Linker) SetProgressCallback(callback models.ProgressCallback) {
	l.progressCallback = callback
}

// cell identifies a raw detection pixel. Channels and positions are
// never linked with each other.
type cell struct {
	channel, position int
	x, y              int
}

func cellOf(s models.Spot) cell {
	return cell{channel: s.Channel, position: s.Position, x: s.XPix, y: s.YPix}
}

func compareCells(a, b cell) int {
	if c := cmp.Compare(a.channel, b.channel); c != 0 {
		return c
	}
	if c := cmp.Compare(a.position, b.position); c != 0 {
		return c
	}
	if c := cmp.Compare(a.y, b.y); c != 0 {
		return c
	}
	return cmp.Compare(a.x, b.x)
}

// Link merges every run of spots that share a detection pixel and occupy
// consecutive temporal indices into one spot. The result has one spot per
// run ordered by pixel and then time, is not a track, and carries zero
// frame and slice counts.
func (l *Linker) Link(ctx context.Context, ds *models.Dataset) (*models.Dataset, error) {
	const op = "linking.Link"

	axis := ds.TemporalAxis()
	order := sortedByCellAndTime(ds, axis)
	bounds := cellBounds(ds, order)

	merged := make([]models.Spot, 0, len(bounds))
	for c := 0; c < len(bounds)-1; c++ {
		if err := ctx.Err(); err != nil {
			return nil, models.Wrap(models.KindCancelled, op, err)
		}

		cellSpots := order[bounds[c]:bounds[c+1]]
		start := 0
		for i := 1; i <= len(cellSpots); i++ {
			if i < len(cellSpots) &&
				ds.Spot(cellSpots[i]).TemporalIndex(axis) == ds.Spot(cellSpots[i-1]).TemporalIndex(axis)+1 {
				continue
			}
			merged = append(merged, mergeRun(ds, cellSpots[start:i]))
			start = i
		}

		if l.progressCallback != nil && ((c+1)%l.params.ProgressEvery == 0 || c == len(bounds)-2) {
			l.progressCallback(c+1, len(bounds)-1, "linking spots")
		}
	}

	meta := ds.Metadata()
	meta.IsTrack = false
	meta.NrFrames = 0
	meta.NrSlices = 0
	out, err := models.NewDataset(meta, merged)
	if err != nil {
		return nil, err
	}

	l.logger.DebugContext(ctx, "spots linked",
		slog.Int("spots", ds.Len()),
		slog.Int("cells", len(bounds)-1),
		slog.Int("linked", out.Len()))
	return out, nil
}

// sortedByCellAndTime returns spot positions ordered by pixel cell, then
// temporal index, then input order.
func sortedByCellAndTime(ds *models.Dataset, axis models.TemporalAxis) []int {
	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		sa, sb := ds.Spot(a), ds.Spot(b)
		if c := compareCells(cellOf(sa), cellOf(sb)); c != 0 {
			return c
		}
		return cmp.Compare(sa.TemporalIndex(axis), sb.TemporalIndex(axis))
	})
	return order
}

// cellBounds returns the offsets in order where a new cell starts, with
// len(order) appended.
func cellBounds(ds *models.Dataset, order []int) []int {
	bounds := make([]int, 0, 16)
	for i, idx := range order {
		if i == 0 || cellOf(ds.Spot(idx)) != cellOf(ds.Spot(order[i-1])) {
			bounds = append(bounds, i)
		}
	}
	return append(bounds, len(order))
}

// mergeRun summarizes one run. Intensities add up, shape and position
// fields are averaged, and the precision improves with the square root of
// the run length. The merged spot represents every observation its run
// members represent. Other counters come from the first spot of the run.
func mergeRun(ds *models.Dataset, run []int) models.Spot {
	first := ds.Spot(run[0])
	n := float64(len(run))

	var intensity, background, x, y, z, width, a, theta, sigma float64
	allZ := true
	links := 0
	for _, idx := range run {
		s := ds.Spot(idx)
		links += s.Links()
		intensity += s.Intensity
		background += s.Background
		x += s.X
		y += s.Y
		z += s.Z
		width += s.Width
		a += s.A
		theta += s.Theta
		sigma += s.Sigma
		allZ = allZ && s.HasZ
	}

	merged := first
	merged.Intensity = intensity
	merged.Background = background / n
	merged.X = x / n
	merged.Y = y / n
	merged.Width = width / n
	merged.A = a / n
	merged.Theta = theta / n
	merged.Sigma = sigma / n / math.Sqrt(n)
	merged.Z, merged.HasZ = 0, false
	if allZ {
		merged = merged.WithZ(z / n)
	}
	return merged.WithLinkedCount(links)
}
