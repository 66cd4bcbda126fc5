package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smlmproc/internal/models"
	"smlmproc/pkg/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pipelineMeta() models.Metadata {
	return models.Metadata{
		PixelSizeNm: 160,
		Width:       64,
		Height:      64,
		Shape:       1,
		NrChannels:  2,
		NrFrames:    3,
		NrSlices:    1,
		NrPositions: 1,
	}
}

func mustDataset(t *testing.T, spots []models.Spot) *models.Dataset {
	t.Helper()
	ds, err := models.NewDataset(pipelineMeta(), spots)
	require.NoError(t, err)
	return ds
}

func linkableSpots() []models.Spot {
	var spots []models.Spot
	for f := 1; f <= 3; f++ {
		spots = append(spots, models.Spot{Channel: 1, Frame: f, XPix: 10, YPix: 10, X: 1680, Y: 1680, Intensity: 100, Sigma: 10})
	}
	return spots
}

// twoColorSpots lays out beads in frame 1 with channel 2 shifted by (30, -20).
func twoColorSpots() []models.Spot {
	var spots []models.Spot
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			x := 1000 + float64(c)*700 + float64(r)*13
			y := 1000 + float64(r)*700 + float64(c)*9
			spots = append(spots,
				models.Spot{Channel: 1, Frame: 1, X: x, Y: y},
				models.Spot{Channel: 2, Frame: 1, X: x + 30, Y: y - 20},
			)
		}
	}
	return spots
}

func newTestProcessor(metrics *Metrics) *Processor {
	cfg := config.DefaultConfig()
	cfg.Drift.FramesToCombine = 1
	return NewProcessor(cfg, NewRegistry(), quietLogger(), metrics)
}

func waitOutcome(t *testing.T, task *Task) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

func TestRegistryAssignsIncreasingIDs(t *testing.T) {
	r := NewRegistry()
	a := r.Add("a", nil)
	ids := r.addAll([]Entry{{Name: "b"}, {Name: "c"}})
	assert.Equal(t, 1, a)
	assert.Equal(t, []int{2, 3}, ids)
	assert.Equal(t, 3, r.Len())

	e, err := r.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "b", e.Name)

	_, err = r.Get(4)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = r.Get(0)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	names := []string{}
	for _, e := range r.List() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestLinkRegistersOutput(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("run1", mustDataset(t, linkableSpots()))

	task, err := p.Link(context.Background(), src)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, OpLink, task.Operation)

	outcome, err := waitOutcome(t, task)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, []int{2}, outcome.DatasetIDs)

	e, err := p.Registry().Get(2)
	require.NoError(t, err)
	assert.Equal(t, "run1Linked", e.Name)
	assert.Equal(t, 1, e.Dataset.Len())
	assert.Equal(t, 3, e.Dataset.Spot(0).LinkedCount)
}

func TestCorrectDriftRegistersTrackThenCorrected(t *testing.T) {
	p := newTestProcessor(nil)
	spots := []models.Spot{
		{Channel: 1, Frame: 1, X: 4000, Y: 4000},
		{Channel: 1, Frame: 1, X: 6000, Y: 5000},
		{Channel: 1, Frame: 2, X: 4080, Y: 4000},
		{Channel: 1, Frame: 2, X: 6080, Y: 5000},
	}
	src := p.Registry().Add("beads", mustDataset(t, spots))

	task, err := p.CorrectDrift(context.Background(), src)
	require.NoError(t, err)
	outcome, err := waitOutcome(t, task)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, outcome.DatasetIDs)

	trackEntry, _ := p.Registry().Get(2)
	corrected, _ := p.Registry().Get(3)
	assert.Equal(t, "beadsDrift", trackEntry.Name)
	assert.True(t, trackEntry.Dataset.IsTrack())
	assert.Equal(t, "beadsJitter-Correct", corrected.Name)
	assert.Equal(t, len(spots), corrected.Dataset.Len())
}

func TestCorrectDriftSkipsTinyDataset(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("tiny", mustDataset(t, []models.Spot{{Channel: 1, Frame: 1}}))

	task, err := p.CorrectDrift(context.Background(), src)
	require.NoError(t, err)
	outcome, err := waitOutcome(t, task)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.NotEmpty(t, outcome.Message)
	assert.Equal(t, 1, p.Registry().Len(), "nothing registered")
}

func TestFailedOperationLeavesRegistryUntouched(t *testing.T) {
	p := newTestProcessor(nil)
	meta := pipelineMeta()
	meta.Width, meta.Height = 100, 100
	ds, err := models.NewDataset(meta, linkableSpots())
	require.NoError(t, err)
	src := p.Registry().Add("odd", ds)

	task, err := p.CorrectDrift(context.Background(), src)
	require.NoError(t, err)
	outcome, err := waitOutcome(t, task)
	assert.True(t, errors.Is(err, models.ErrGeometryConstraintViolation))
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, 1, p.Registry().Len())
}

func TestCalibrateThenCorrectChannels(t *testing.T) {
	p := newTestProcessor(nil)
	ref := p.Registry().Add("beads", mustDataset(t, twoColorSpots()))

	task, err := p.Calibrate(context.Background(), ref)
	require.NoError(t, err)
	outcome, err := waitOutcome(t, task)
	require.NoError(t, err)
	require.NotNil(t, outcome.Calibration)
	assert.Empty(t, outcome.DatasetIDs)
	assert.Equal(t, 12, outcome.Calibration.Len())

	sample := p.Registry().Add("cells", mustDataset(t, []models.Spot{
		{Channel: 1, Frame: 2, X: 2000, Y: 2000},
		{Channel: 2, Frame: 2, X: 2000, Y: 2000},
	}))
	task, err = p.CorrectChannels(context.Background(), sample, outcome.Calibration)
	require.NoError(t, err)
	outcome, err = waitOutcome(t, task)
	require.NoError(t, err)
	require.Len(t, outcome.DatasetIDs, 1)

	e, _ := p.Registry().Get(outcome.DatasetIDs[0])
	assert.Equal(t, "cellsChannel-Correct", e.Name)
	assert.InDelta(t, 2030, e.Dataset.Spot(0).X, 1e-6)
	assert.InDelta(t, 1980, e.Dataset.Spot(0).Y, 1e-6)
	assert.Equal(t, 2000.0, e.Dataset.Spot(1).X)
}

func TestCalibrateWithoutSecondChannelFails(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("one-color", mustDataset(t, linkableSpots()))

	task, err := p.Calibrate(context.Background(), src)
	require.NoError(t, err)
	_, err = waitOutcome(t, task)
	assert.True(t, errors.Is(err, models.ErrNoSecondChannel))
}

func TestCorrectChannelsNeedsCalibration(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("cells", mustDataset(t, linkableSpots()))

	_, err := p.CorrectChannels(context.Background(), src, nil)
	assert.True(t, errors.Is(err, models.ErrUncalibratedRegistration))
}

func TestPairStatisticsTask(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("beads", mustDataset(t, twoColorSpots()))

	task, err := p.PairStatistics(context.Background(), src)
	require.NoError(t, err)
	outcome, err := waitOutcome(t, task)
	require.NoError(t, err)
	require.Len(t, outcome.Pairs, 1)
	assert.InDelta(t, 30, outcome.Pairs[0].MeanErrorX, 1e-9)
	assert.InDelta(t, -20, outcome.Pairs[0].MeanErrorY, 1e-9)
}

func TestStraightenTask(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("walker", mustDataset(t, []models.Spot{
		{Channel: 1, Frame: 1, X: 0, Y: 0},
		{Channel: 1, Frame: 2, X: 10, Y: 10},
		{Channel: 1, Frame: 3, X: 20, Y: 20},
	}))

	task, err := p.Straighten(context.Background(), src)
	require.NoError(t, err)
	outcome, err := waitOutcome(t, task)
	require.NoError(t, err)

	e, _ := p.Registry().Get(outcome.DatasetIDs[0])
	assert.Equal(t, "walkerStraightened", e.Name)
	assert.True(t, e.Dataset.IsTrack())
}

func TestUnknownSource(t *testing.T) {
	p := newTestProcessor(nil)
	_, err := p.Link(context.Background(), 42)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestSecondOperationOnSameSourceIsBusy(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("run1", mustDataset(t, linkableSpots()))
	other := p.Registry().Add("run2", mustDataset(t, linkableSpots()))

	release := make(chan struct{})
	blocking := func(ctx context.Context, _ *models.Dataset, _ models.ProgressCallback) (result, error) {
		<-release
		return result{}, nil
	}

	first, err := p.submit(context.Background(), "block", src, blocking)
	require.NoError(t, err)

	_, err = p.Link(context.Background(), src)
	assert.True(t, errors.Is(err, models.ErrBusy))

	// Other sources are unaffected
	task, err := p.Link(context.Background(), other)
	require.NoError(t, err)
	_, err = waitOutcome(t, task)
	require.NoError(t, err)

	close(release)
	_, err = waitOutcome(t, first)
	require.NoError(t, err)

	// The source is free again once the first task is done
	task, err = p.Link(context.Background(), src)
	require.NoError(t, err)
	_, err = waitOutcome(t, task)
	require.NoError(t, err)
	p.Wait()
}

func TestCancelledTaskPublishesNothing(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("run1", mustDataset(t, linkableSpots()))

	started := make(chan struct{})
	task, err := p.submit(context.Background(), "wait", src, func(ctx context.Context, ds *models.Dataset, _ models.ProgressCallback) (result, error) {
		close(started)
		<-ctx.Done()
		return result{outputs: []output{{suffix: "Partial", dataset: ds}}}, nil
	})
	require.NoError(t, err)

	<-started
	task.Cancel()
	outcome, err := waitOutcome(t, task)
	assert.True(t, errors.Is(err, models.ErrCancelled))
	assert.Equal(t, StatusCancelled, outcome.Status)
	assert.Equal(t, 1, p.Registry().Len())
}

func TestProgressIsMonotonicAndClosed(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("run1", mustDataset(t, linkableSpots()))

	task, err := p.submit(context.Background(), "progress", src, func(_ context.Context, _ *models.Dataset, progress models.ProgressCallback) (result, error) {
		for _, c := range []int{1, 1, 3, 2, 4} {
			progress(c, 4, "step")
		}
		return result{}, nil
	})
	require.NoError(t, err)

	var seen []float64
	for f := range task.Progress() {
		seen = append(seen, f)
	}
	assert.Equal(t, []float64{0.25, 0.75, 1}, seen)
	<-task.Done()
}

func TestWaitHonoursCallerContext(t *testing.T) {
	p := newTestProcessor(nil)
	src := p.Registry().Add("run1", mustDataset(t, linkableSpots()))

	release := make(chan struct{})
	task, err := p.submit(context.Background(), "block", src, func(context.Context, *models.Dataset, models.ProgressCallback) (result, error) {
		<-release
		return result{}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = task.Wait(ctx)
	assert.True(t, errors.Is(err, models.ErrCancelled))

	close(release)
	p.Wait()
}

func TestMetricsRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p := newTestProcessor(metrics)

	src := p.Registry().Add("run1", mustDataset(t, linkableSpots()))
	task, err := p.Link(context.Background(), src)
	require.NoError(t, err)
	_, err = waitOutcome(t, task)
	require.NoError(t, err)
	p.Wait()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
		if f.GetName() != "smlm_operations_total" {
			continue
		}
		require.Len(t, f.GetMetric(), 1)
		m := f.GetMetric()[0]
		assert.Equal(t, 1.0, m.GetCounter().GetValue())
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		assert.Equal(t, map[string]string{"operation": OpLink, "status": string(StatusCompleted)}, labels)
	}
	assert.True(t, names["smlm_operations_total"])
	assert.True(t, names["smlm_operation_duration_seconds"])
}
