// Package pipeline runs processing operations off the caller's goroutine
// and publishes their outputs to a dataset registry.
//
// Every operation reads one registered source dataset and, on success,
// registers its derived datasets under names built from the source name:
//
//	CorrectDrift     <source>Drift, <source>Jitter-Correct
//	CorrectChannels  <source>Channel-Correct
//	Link             <source>Linked
//	Straighten       <source>Straightened
//
// Calibrate and PairStatistics register nothing; their results are
// returned in the task Outcome.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"smlmproc/internal/models"
	"smlmproc/pkg/config"
	"smlmproc/pkg/drift"
	"smlmproc/pkg/linking"
	"smlmproc/pkg/registration"
	"smlmproc/pkg/track"
)

// Operation names used in logs and metrics
const (
	OpCorrectDrift    = "correct_drift"
	OpCalibrate       = "calibrate"
	OpCorrectChannels = "correct_channels"
	OpPairStatistics  = "pair_statistics"
	OpLink            = "link"
	OpStraighten      = "straighten"
)

// output is a derived dataset waiting to be registered.
type output struct {
	suffix  string
	dataset *models.Dataset
}

// result is what an operation hands back to the processor.
type result struct {
	outputs     []output
	calibration *registration.Calibration
	pairs       []registration.FramePairs
}

type operation func(ctx context.Context, source *models.Dataset, progress models.ProgressCallback) (result, error)

// Processor submits operations on registered datasets. At most one
// operation runs per source dataset at a time.
type Processor struct {
	cfg      *config.Config
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics

	mu       sync.Mutex
	inFlight map[int]string // source id -> task id
	wg       sync.WaitGroup
}

// NewProcessor creates a processor. A nil cfg uses config.DefaultConfig(),
// a nil logger uses slog.Default() and nil metrics records nothing.
func NewProcessor(cfg *config.Config, registry *Registry, logger *slog.Logger, metrics *Metrics) *Processor {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With(slog.String("component", "processor")),
		metrics:  metrics,
		inFlight: make(map[int]string),
	}
}

// Registry returns the registry the processor publishes to.
func (p *Processor) Registry() *Registry { return p.registry }

// Wait blocks until every submitted task has finished.
func (p *Processor) Wait() { p.wg.Wait() }

// CorrectDrift estimates drift in the source and registers the drift
// track followed by the corrected dataset. A source with fewer than two
// spots yields a skipped outcome.
func (p *Processor) CorrectDrift(ctx context.Context, sourceID int) (*Task, error) {
	return p.submit(ctx, OpCorrectDrift, sourceID, func(ctx context.Context, ds *models.Dataset, progress models.ProgressCallback) (result, error) {
		est := drift.NewEstimator(p.driftParams(), p.logger)
		est.SetProgressCallback(progress)
		res, err := est.Estimate(ctx, ds)
		if err != nil {
			return result{}, err
		}
		return result{outputs: []output{
			{suffix: "Drift", dataset: res.Track},
			{suffix: "Jitter-Correct", dataset: res.Corrected},
		}}, nil
	})
}

// Calibrate fits a channel registration on the source. The calibration
// is returned in the Outcome.
func (p *Processor) Calibrate(ctx context.Context, sourceID int) (*Task, error) {
	return p.submit(ctx, OpCalibrate, sourceID, func(ctx context.Context, ds *models.Dataset, _ models.ProgressCallback) (result, error) {
		cal, err := registration.NewRegistrar(p.registrationParams(), p.logger).Calibrate(ctx, ds)
		if err != nil {
			return result{}, err
		}
		return result{calibration: cal}, nil
	})
}

// CorrectChannels applies cal to the source and registers the result.
func (p *Processor) CorrectChannels(ctx context.Context, sourceID int, cal *registration.Calibration) (*Task, error) {
	if cal == nil {
		return nil, models.Errorf(models.KindUncalibratedRegistration, "pipeline.CorrectChannels",
			"no calibration, calibrate on a two-channel reference first")
	}
	return p.submit(ctx, OpCorrectChannels, sourceID, func(ctx context.Context, ds *models.Dataset, progress models.ProgressCallback) (result, error) {
		if ds.Len() <= 1 {
			return result{}, models.Errorf(models.KindInsufficientData, "pipeline.CorrectChannels",
				"%d spots, nothing to correct", ds.Len())
		}
		reg := registration.NewRegistrar(p.registrationParams(), p.logger)
		reg.SetProgressCallback(progress)
		out, err := reg.Apply(ctx, ds, cal)
		if err != nil {
			return result{}, err
		}
		return result{outputs: []output{{suffix: "Channel-Correct", dataset: out}}}, nil
	})
}

// PairStatistics reports per-frame channel pairing errors of the source.
func (p *Processor) PairStatistics(ctx context.Context, sourceID int) (*Task, error) {
	return p.submit(ctx, OpPairStatistics, sourceID, func(ctx context.Context, ds *models.Dataset, progress models.ProgressCallback) (result, error) {
		reg := registration.NewRegistrar(p.registrationParams(), p.logger)
		reg.SetProgressCallback(progress)
		pairs, err := reg.PairStatistics(ctx, ds, 0)
		if err != nil {
			return result{}, err
		}
		return result{pairs: pairs}, nil
	})
}

// Link merges consecutive same-pixel detections of the source.
func (p *Processor) Link(ctx context.Context, sourceID int) (*Task, error) {
	return p.submit(ctx, OpLink, sourceID, func(ctx context.Context, ds *models.Dataset, progress models.ProgressCallback) (result, error) {
		l := linking.NewLinker(linking.Params{ProgressEvery: p.cfg.Linking.ProgressEvery}, p.logger)
		l.SetProgressCallback(progress)
		out, err := l.Link(ctx, ds)
		if err != nil {
			return result{}, err
		}
		return result{outputs: []output{{suffix: "Linked", dataset: out}}}, nil
	})
}

// Straighten rotates the source onto its direction of travel.
func (p *Processor) Straighten(ctx context.Context, sourceID int) (*Task, error) {
	return p.submit(ctx, OpStraighten, sourceID, func(ctx context.Context, ds *models.Dataset, _ models.ProgressCallback) (result, error) {
		out, err := track.Straighten(ctx, ds)
		if err != nil {
			return result{}, err
		}
		return result{outputs: []output{{suffix: "Straightened", dataset: out}}}, nil
	})
}

func (p *Processor) driftParams() drift.Params {
	return drift.Params{
		FramesToCombine:    p.cfg.Drift.FramesToCombine,
		TargetSuperPixelNm: p.cfg.Drift.TargetSuperPixelNm,
		MaxHistogramBytes:  p.cfg.Drift.MaxHistogramBytes,
		PeakSearchRadius:   p.cfg.Drift.PeakSearchRadius,
		CentroidRadius:     p.cfg.Drift.CentroidRadius,
		NumWorkers:         p.cfg.Processing.NumCores,
	}
}

func (p *Processor) registrationParams() registration.Params {
	return registration.Params{
		MaxMatchDistanceNm: p.cfg.Registration.MaxMatchDistanceNm,
		MinPairs:           p.cfg.Registration.MinPairs,
		Neighbors:          p.cfg.Registration.Neighbors,
		PolynomialOrder:    p.cfg.Registration.PolynomialOrder,
	}
}

// submit claims the source, starts run on its own goroutine and returns
// the task immediately.
func (p *Processor) submit(ctx context.Context, name string, sourceID int, run operation) (*Task, error) {
	const op = "pipeline.submit"

	source, err := p.registry.Get(sourceID)
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := newTask(name, sourceID, cancel)

	p.mu.Lock()
	if running, busy := p.inFlight[sourceID]; busy {
		p.mu.Unlock()
		cancel()
		return nil, models.Errorf(models.KindBusy, op, "dataset %d already has task %s in flight", sourceID, running)
	}
	p.inFlight[sourceID] = task.ID
	p.mu.Unlock()

	logger := p.logger.With(
		slog.String("task_id", task.ID),
		slog.String("operation", name),
		slog.Int("source_id", sourceID),
		slog.String("source", source.Name))
	logger.InfoContext(taskCtx, "operation started", slog.Int("spots", source.Dataset.Len()))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		start := time.Now()

		res, err := run(taskCtx, source.Dataset, task.report)
		outcome, err := p.conclude(taskCtx, source, res, err)
		elapsed := time.Since(start)

		p.metrics.observe(name, outcome.Status, elapsed)
		switch outcome.Status {
		case StatusCompleted:
			logger.InfoContext(taskCtx, "operation completed",
				slog.Any("dataset_ids", outcome.DatasetIDs),
				slog.Duration("elapsed", elapsed))
		case StatusSkipped:
			logger.InfoContext(taskCtx, "operation skipped", slog.String("reason", outcome.Message))
		default:
			logger.ErrorContext(taskCtx, "operation failed",
				slog.String("status", string(outcome.Status)),
				slog.String("error", err.Error()))
		}

		p.mu.Lock()
		delete(p.inFlight, sourceID)
		p.mu.Unlock()

		task.finish(outcome, err)
	}()

	return task, nil
}

// conclude maps an operation's result to an outcome and registers outputs
// only when the operation succeeded and was not cancelled.
func (p *Processor) conclude(ctx context.Context, source Entry, res result, err error) (Outcome, error) {
	if err == nil && ctx.Err() != nil {
		err = models.Wrap(models.KindCancelled, "pipeline.conclude", ctx.Err())
	}

	switch {
	case err == nil:
	case errors.Is(err, models.ErrInsufficientData):
		return Outcome{Status: StatusSkipped, Message: err.Error()}, nil
	case errors.Is(err, models.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Outcome{Status: StatusCancelled}, err
	default:
		return Outcome{Status: StatusFailed}, err
	}

	entries := make([]Entry, len(res.outputs))
	for i, o := range res.outputs {
		entries[i] = Entry{Name: source.Name + o.suffix, Dataset: o.dataset}
	}
	return Outcome{
		Status:      StatusCompleted,
		DatasetIDs:  p.registry.addAll(entries),
		Calibration: res.calibration,
		Pairs:       res.pairs,
	}, nil
}
