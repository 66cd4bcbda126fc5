package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"smlmproc/internal/models"
	"smlmproc/pkg/registration"
)

// Status is the final state of a task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is what a finished task produced. Datasets are registered only
// when Status is StatusCompleted.
type Outcome struct {
	Status Status

	// DatasetIDs lists the registered outputs in the order the operation
	// documents them
	DatasetIDs []int

	// Calibration is set by calibration tasks
	Calibration *registration.Calibration

	// Pairs is set by pair statistics tasks
	Pairs []registration.FramePairs

	// Message explains a skipped task
	Message string
}

// progressBuffer is the capacity of a task's progress channel
const progressBuffer = 16

// Task is a running or finished operation on one source dataset.
type Task struct {
	ID        string
	Operation string
	SourceID  int

	cancel   context.CancelFunc
	progress chan float64
	done     chan struct{}

	mu       sync.Mutex
	last     float64
	finished bool
	outcome  Outcome
	err      error
}

func newTask(operation string, sourceID int, cancel context.CancelFunc) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Operation: operation,
		SourceID:  sourceID,
		cancel:    cancel,
		progress:  make(chan float64, progressBuffer),
		done:      make(chan struct{}),
	}
}

// Progress returns a stream of completion fractions in (0, 1]. Values only
// increase. Updates are dropped while the channel is full. The channel is
// closed when the task finishes.
func (t *Task) Progress() <-chan float64 { return t.progress }

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel asks the task to stop. A cancelled task publishes no datasets.
func (t *Task) Cancel() { t.cancel() }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.outcome, t.err
	case <-ctx.Done():
		return Outcome{}, models.Wrap(models.KindCancelled, "pipeline.Task.Wait", ctx.Err())
	}
}

// report is the ProgressCallback handed to the processing packages.
func (t *Task) report(completed, total int, _ string) {
	if total <= 0 {
		return
	}
	frac := min(float64(completed)/float64(total), 1)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || frac <= t.last {
		return
	}
	t.last = frac
	select {
	case t.progress <- frac:
	default:
	}
}

func (t *Task) finish(outcome Outcome, err error) {
	t.mu.Lock()
	t.finished = true
	t.outcome = outcome
	t.err = err
	close(t.progress)
	t.mu.Unlock()

	t.cancel()
	close(t.done)
}
