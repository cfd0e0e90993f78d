package trainer

import (
	"context"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"digitpad/internal/dataset"
	"digitpad/internal/metrics"
	"digitpad/internal/model"
)

var (
	// ErrInvalidArgument is returned for unusable run configurations.
	ErrInvalidArgument = dataset.ErrInvalidArgument
	// ErrBusy is returned by Trainer.Run while another run is active.
	ErrBusy = errors.New("trainer: a run is already in progress")
)

// Record is one entry of the progress log. Accuracy is set only on
// validation steps. A step that failed to fit is logged with a non-finite
// loss.
type Record struct {
	Step     int
	Loss     float64
	Accuracy *float64
}

// BatchSource hands out fresh train and validation batches.
type BatchSource interface {
	NextTrainBatch(batchSize int) (dataset.Batch, error)
	NextTestBatch(batchSize int) (dataset.Batch, error)
}

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Steps               int
	BatchSize           int
	ValidationBatchSize int
	ValidationEvery     int
	LearningRate        float64
	LogEvery            int

	// OnProgress is called synchronously after every validation step.
	OnProgress func(Record)
	// Yield suspends the loop between steps. Returning an error stops the
	// run. Defaults to Gosched.
	Yield func(ctx context.Context) error
}

func (c *RunConfig) validate() error {
	if c.Steps <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "trainer: steps must be > 0 (got %d)", c.Steps)
	}
	if c.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "trainer: batch size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ValidationBatchSize <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "trainer: validation batch size must be > 0 (got %d)", c.ValidationBatchSize)
	}
	if c.ValidationEvery <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "trainer: validation period must be > 0 (got %d)", c.ValidationEvery)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.Yield == nil {
		c.Yield = Gosched
	}
	return nil
}

// Run trains mdl for cfg.Steps steps, validating every cfg.ValidationEvery
// steps, and returns the progress log. On failure the log holds every step
// up to and including the failing one.
//
// Run must not be called concurrently against the same source or model;
// Trainer enforces that.
func Run(ctx context.Context, cfg RunConfig, src BatchSource, mdl model.Trainable) ([]Record, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if src == nil || mdl == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "trainer: source and model are required")
	}
	if setter, ok := mdl.(model.LearningRateSetter); ok && cfg.LearningRate > 0 {
		setter.SetLearningRate(cfg.LearningRate)
	}

	runID := uuid.New().String()
	log.Printf("run=%s start steps=%d batch_size=%d validation_batch_size=%d validate_every=%d",
		runID, cfg.Steps, cfg.BatchSize, cfg.ValidationBatchSize, cfg.ValidationEvery)

	records := make([]Record, 0, cfg.Steps)
	var window metrics.Window
	for step := 0; step < cfg.Steps; step++ {
		rec, fitted, err := runStep(step, &cfg, src, mdl, &window)
		if fitted {
			records = append(records, rec)
		}
		if err != nil {
			log.Printf("run=%s step=%d failed: %v", runID, step, err)
			return records, errors.Wrapf(err, "step %d", step)
		}
		if (step+1)%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			accuracy := "n/a"
			if snap.HasAccuracy {
				accuracy = strconv.FormatFloat(snap.LastAccuracy, 'f', 4, 64)
			}
			log.Printf("run=%s step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f accuracy=%s",
				runID,
				step,
				snap.ImagesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.AvgLoss,
				accuracy,
			)
		}

		if step < cfg.Steps-1 {
			if err := cfg.Yield(ctx); err != nil {
				return records, err
			}
		}
	}
	log.Printf("run=%s done steps=%d", runID, len(records))
	return records, nil
}

// runStep draws the step's batches, fits once, notifies OnProgress on
// validation steps and releases every batch tensor before returning,
// whatever the outcome. fitted reports whether the
// model was asked to fit, which is when the step belongs in the log.
func runStep(step int, cfg *RunConfig, src BatchSource, mdl model.Trainable, window *metrics.Window) (rec Record, fitted bool, err error) {
	rec.Step = step
	startData := time.Now()

	train, err := src.NextTrainBatch(cfg.BatchSize)
	if err != nil {
		return rec, false, errors.Wrap(err, "train batch")
	}
	defer mdl.Dispose(train.Tensors()...)

	opts := model.FitOptions{BatchSize: cfg.BatchSize, Epochs: 1}
	if step%cfg.ValidationEvery == 0 {
		val, err := src.NextTestBatch(cfg.ValidationBatchSize)
		if err != nil {
			return rec, false, errors.Wrap(err, "validation batch")
		}
		defer mdl.Dispose(val.Tensors()...)
		opts.Validation = &model.Validation{Images: val.Images, Labels: val.Labels}
	}
	dataTime := time.Since(startData)

	startCompute := time.Now()
	res, err := mdl.Fit(train.Images, train.Labels, opts)
	computeTime := time.Since(startCompute)

	if err == nil && !finite(res.Loss) {
		err = errors.Wrapf(model.ErrTrainingFailure, "loss is %v", res.Loss)
	}
	if err == nil && opts.Validation != nil && res.Accuracy == nil {
		err = errors.Wrap(model.ErrTrainingFailure, "no accuracy reported for validation step")
	}
	if err != nil {
		if !errors.Is(err, model.ErrTrainingFailure) {
			err = &fitError{err: err}
		}
		rec.Loss = res.Loss
		if finite(rec.Loss) {
			rec.Loss = math.NaN()
		}
		return rec, true, err
	}

	rec.Loss = res.Loss
	if opts.Validation != nil {
		acc := *res.Accuracy
		rec.Accuracy = &acc
	}
	window.Record(cfg.BatchSize, dataTime, computeTime, rec.Loss, rec.Accuracy)
	// observers run while the step's batches are still live
	if rec.Accuracy != nil && cfg.OnProgress != nil {
		cfg.OnProgress(rec)
	}
	return rec, true, nil
}

// fitError classifies an error returned by Fit as a training failure while
// keeping the backend's cause.
type fitError struct {
	err error
}

func (e *fitError) Error() string { return e.err.Error() }

func (e *fitError) Unwrap() error { return e.err }

// Is reports fitError as model.ErrTrainingFailure.
func (e *fitError) Is(target error) bool { return target == model.ErrTrainingFailure }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Trainer serializes runs: only one may be active at a time.
type Trainer struct {
	mu sync.Mutex
}

// Run is Run guarded against overlapping calls; it returns ErrBusy instead
// of waiting.
func (t *Trainer) Run(ctx context.Context, cfg RunConfig, src BatchSource, mdl model.Trainable) ([]Record, error) {
	if !t.mu.TryLock() {
		return nil, ErrBusy
	}
	defer t.mu.Unlock()
	return Run(ctx, cfg, src, mdl)
}
