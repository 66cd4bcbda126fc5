// Package registration aligns channel 1 of a two-color localization
// dataset onto channel 2.
//
// A Calibration is fitted once from a reference sample (beads visible in
// both channels) and then applied to any number of datasets.
package registration

import (
	"context"
	"log/slog"
	"math"
	"slices"

	"smlmproc/internal/models"
	"smlmproc/pkg/spatial"
)

// Params holds the calibration parameters
type Params struct {
	// MaxMatchDistanceNm is the largest channel 1 to channel 2 distance
	// accepted as a pair
	MaxMatchDistanceNm float64 `yaml:"maxMatchDistanceNm"`

	// MinPairs is the minimum number of matched pairs needed to fit
	MinPairs int `yaml:"minPairs"`

	// Neighbors is the number of nearest control points, besides the
	// point itself, each local polynomial is fitted to
	Neighbors int `yaml:"neighbors"`

	// PolynomialOrder of the local fits: 1 (affine) or 2 (quadratic)
	PolynomialOrder int `yaml:"polynomialOrder"`
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		MaxMatchDistanceNm: 1000,
		MinPairs:           6,
		Neighbors:          6,
		PolynomialOrder:    1,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MaxMatchDistanceNm <= 0 {
		p.MaxMatchDistanceNm = d.MaxMatchDistanceNm
	}
	if p.PolynomialOrder < 1 || p.PolynomialOrder > 2 {
		p.PolynomialOrder = d.PolynomialOrder
	}
	// A local fit needs at least as many points as polynomial terms
	terms := termCount(p.PolynomialOrder)
	if p.Neighbors < terms-1 {
		p.Neighbors = max(d.Neighbors, terms-1)
	}
	if p.MinPairs < terms {
		p.MinPairs = max(d.MinPairs, terms)
	}
	return p
}

// Pair is a matched control point: Source in channel 1, Target in
// channel 2, both in nanometers.
type Pair struct {
	Source models.Point2D `json:"source" yaml:"source"`
	Target models.Point2D `json:"target" yaml:"target"`
}

// Calibration is a fitted channel 1 to channel 2 mapping. It is immutable
// and safe for concurrent use.
type Calibration struct {
	pairs []Pair
	fit   *lwm
}

// NewCalibration fits a local weighted mean transform to pairs.
func NewCalibration(pairs []Pair, params Params) (*Calibration, error) {
	params = params.withDefaults()
	if len(pairs) < params.MinPairs {
		return nil, models.Errorf(models.KindInsufficientCalibrationPoints, "registration.NewCalibration",
			"%d matched pairs, need at least %d", len(pairs), params.MinPairs)
	}
	pairs = slices.Clone(pairs)
	return &Calibration{
		pairs: pairs,
		fit:   newLWM(pairs, params.Neighbors, params.PolynomialOrder),
	}, nil
}

// Pairs returns a copy of the control points the calibration was fitted to.
func (c *Calibration) Pairs() []Pair {
	return slices.Clone(c.pairs)
}

// Len returns the number of control points.
func (c *Calibration) Len() int { return len(c.pairs) }

// Transform maps a channel 1 position onto channel 2.
func (c *Calibration) Transform(p models.Point2D) models.Point2D {
	return c.fit.transform(p)
}

// Registrar calibrates and applies channel registration.
type Registrar struct {
	params           Params
	logger           *slog.Logger
	progressCallback models.ProgressCallback
}

// NewRegistrar creates a registrar. Zero-valued parameters take their
// defaults; a nil logger uses slog.Default().
func NewRegistrar(params Params, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		params: params.withDefaults(),
		logger: logger.With(slog.String("component", "registration")),
	}
}

// SetProgressCallback sets a callback invoked while Apply runs.
func (r *Registrar) SetProgressCallback(callback models.ProgressCallback) {
	r.progressCallback = callback
}

// Params returns the effective parameters.
func (r *Registrar) Params() Params { return r.params }

// Calibrate matches channel 1 to channel 2 spots in the first temporal
// index of ds and fits a Calibration to the pairs. Channel 1 spots with
// no channel 2 spot within MaxMatchDistanceNm are dropped.
func (r *Registrar) Calibrate(ctx context.Context, ds *models.Dataset) (*Calibration, error) {
	const op = "registration.Calibrate"

	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.KindCancelled, op, err)
	}

	axis := ds.TemporalAxis()
	first, ok := firstTemporalIndex(ds, axis)
	if !ok {
		return nil, models.Errorf(models.KindNoSecondChannel, op, "dataset has no spots")
	}

	var ch1, ch2 []models.Point2D
	for i := 0; i < ds.Len(); i++ {
		s := ds.Spot(i)
		if s.TemporalIndex(axis) != first {
			continue
		}
		switch s.Channel {
		case 1:
			ch1 = append(ch1, s.Center())
		case 2:
			ch2 = append(ch2, s.Center())
		}
	}
	if len(ch2) == 0 {
		return nil, models.Errorf(models.KindNoSecondChannel, op,
			"no channel 2 spots in %s %d", axis, first)
	}

	pairs := matchPairs(ch1, spatial.Build(ch2), r.params.MaxMatchDistanceNm)
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.KindCancelled, op, err)
	}

	cal, err := NewCalibration(pairs, r.params)
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "channel registration calibrated",
		slog.Int("channel1_spots", len(ch1)),
		slog.Int("channel2_spots", len(ch2)),
		slog.Int("pairs", len(pairs)),
		slog.Int(axis.String(), first))
	return cal, nil
}

// Apply moves every channel 1 spot of ds through cal. Spots of any other
// channel pass through unchanged. A nil cal fails with
// ErrUncalibratedRegistration.
func (r *Registrar) Apply(ctx context.Context, ds *models.Dataset, cal *Calibration) (*models.Dataset, error) {
	const op = "registration.Apply"
	const checkEvery = 4096

	if cal == nil {
		return nil, models.Errorf(models.KindUncalibratedRegistration, op,
			"no calibration, calibrate on a two-channel reference first")
	}

	spots := ds.Spots()
	for i, s := range spots {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, models.Wrap(models.KindCancelled, op, err)
			}
			if r.progressCallback != nil {
				r.progressCallback(i, len(spots), "executing color correction")
			}
		}
		if s.Channel == 1 {
			spots[i] = s.WithCenter(cal.Transform(s.Center()))
		}
	}
	if r.progressCallback != nil {
		r.progressCallback(len(spots), len(spots), "color correction done")
	}
	return ds.Derive(spots)
}

// matchPairs pairs every source point with its nearest target within
// maxDist.
func matchPairs(sources []models.Point2D, targets *spatial.Index, maxDist float64) []Pair {
	pairs := make([]Pair, 0, len(sources))
	for _, p := range sources {
		if q, ok := targets.NearestWithin(p, maxDist); ok {
			pairs = append(pairs, Pair{Source: p, Target: q})
		}
	}
	return pairs
}

// firstTemporalIndex returns the smallest frame or slice number in ds.
func firstTemporalIndex(ds *models.Dataset, axis models.TemporalAxis) (int, bool) {
	if ds.Len() == 0 {
		return 0, false
	}
	first := math.MaxInt
	for i := 0; i < ds.Len(); i++ {
		first = min(first, ds.Spot(i).TemporalIndex(axis))
	}
	return first, true
}
