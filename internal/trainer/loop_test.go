package trainer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"digitpad/internal/dataset"
	"digitpad/internal/model"
)

type fakeSource struct {
	allocated map[*tensor.Dense]bool
	trainErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{allocated: make(map[*tensor.Dense]bool)}
}

func (s *fakeSource) batch(n int) dataset.Batch {
	b := dataset.Batch{
		Images: tensor.New(tensor.WithShape(n, 28, 28, 1), tensor.Of(tensor.Float32)),
		Labels: tensor.New(tensor.WithShape(n, 10), tensor.Of(tensor.Float32)),
	}
	s.allocated[b.Images] = true
	s.allocated[b.Labels] = true
	return b
}

func (s *fakeSource) NextTrainBatch(n int) (dataset.Batch, error) {
	if s.trainErr != nil {
		return dataset.Batch{}, s.trainErr
	}
	return s.batch(n), nil
}

func (s *fakeSource) NextTestBatch(n int) (dataset.Batch, error) { return s.batch(n), nil }

type fakeModel struct {
	failAt    int
	fits      int
	validated []int
	disposed  map[*tensor.Dense]int
	lr        float64
}

func newFakeModel() *fakeModel {
	return &fakeModel{failAt: -1, disposed: make(map[*tensor.Dense]int)}
}

func (m *fakeModel) Fit(images, labels *tensor.Dense, opts model.FitOptions) (model.FitResult, error) {
	step := m.fits
	m.fits++
	if step == m.failAt {
		return model.FitResult{Loss: math.Inf(1)}, model.ErrTrainingFailure
	}
	res := model.FitResult{Loss: 1 / float64(step+1)}
	if opts.Validation != nil {
		m.validated = append(m.validated, step)
		acc := float64(step) / 100
		res.Accuracy = &acc
	}
	return res, nil
}

func (m *fakeModel) Predict(images *tensor.Dense) (*tensor.Dense, error) { return nil, nil }

func (m *fakeModel) Dispose(ts ...*tensor.Dense) {
	for _, t := range ts {
		m.disposed[t]++
	}
}

func (m *fakeModel) SetLearningRate(lr float64) { m.lr = lr }

func assertAllReleased(t *testing.T, src *fakeSource, mdl *fakeModel) {
	t.Helper()
	assert.Equal(t, len(src.allocated), len(mdl.disposed), "every batch tensor must be released")
	for tt := range src.allocated {
		assert.Equal(t, 1, mdl.disposed[tt], "tensor released %d times", mdl.disposed[tt])
	}
}

func baseConfig() RunConfig {
	return RunConfig{
		Steps:               10,
		BatchSize:           2,
		ValidationBatchSize: 3,
		ValidationEvery:     5,
		LearningRate:        0.15,
	}
}

func TestRunValidatesPeriodically(t *testing.T) {
	src, mdl := newFakeSource(), newFakeModel()
	var progress []Record
	cfg := baseConfig()
	cfg.OnProgress = func(r Record) { progress = append(progress, r) }

	records, err := Run(context.Background(), cfg, src, mdl)
	require.NoError(t, err)

	require.Len(t, records, 10)
	for i, r := range records {
		assert.Equal(t, i, r.Step)
		assert.InDelta(t, 1/float64(i+1), r.Loss, 1e-12)
		if i%5 == 0 {
			assert.NotNil(t, r.Accuracy, "step %d should carry accuracy", i)
		} else {
			assert.Nil(t, r.Accuracy, "step %d should not carry accuracy", i)
		}
	}
	steps := make([]int, len(progress))
	for i, r := range progress {
		steps[i] = r.Step
	}
	if diff := cmp.Diff([]int{0, 5}, steps); diff != "" {
		t.Fatalf("progress callbacks (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{0, 5}, mdl.validated)
	assert.Equal(t, 0.15, mdl.lr)
	assert.Len(t, src.allocated, 10*2+2*2)
	assertAllReleased(t, src, mdl)
}

func TestRunPropagatesFitFailure(t *testing.T) {
	src, mdl := newFakeSource(), newFakeModel()
	mdl.failAt = 2
	var progress []Record
	cfg := baseConfig()
	cfg.ValidationEvery = 1
	cfg.OnProgress = func(r Record) { progress = append(progress, r) }

	records, err := Run(context.Background(), cfg, src, mdl)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTrainingFailure), "got %v", err)

	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, i, r.Step)
	}
	assert.True(t, math.IsInf(records[2].Loss, 1))
	assert.Nil(t, records[2].Accuracy)
	assert.Len(t, progress, 2, "failed step must not notify observers")
	assert.Equal(t, 3, mdl.fits)
	assert.Len(t, src.allocated, 3*4)
	assertAllReleased(t, src, mdl)
}

func TestRunRejectsNonFiniteLoss(t *testing.T) {
	src := newFakeSource()
	mdl := &nanModel{fakeModel: newFakeModel()}
	records, err := Run(context.Background(), baseConfig(), src, mdl)
	assert.True(t, errors.Is(err, model.ErrTrainingFailure), "got %v", err)
	require.Len(t, records, 1)
	assert.True(t, math.IsNaN(records[0].Loss))
	assertAllReleased(t, src, mdl.fakeModel)
}

type nanModel struct{ *fakeModel }

func (m *nanModel) Fit(images, labels *tensor.Dense, opts model.FitOptions) (model.FitResult, error) {
	res, _ := m.fakeModel.Fit(images, labels, opts)
	res.Loss = math.NaN()
	return res, nil
}

type rejectingModel struct{ *fakeModel }

func (m *rejectingModel) Fit(images, labels *tensor.Dense, opts model.FitOptions) (model.FitResult, error) {
	res, _ := m.fakeModel.Fit(images, labels, opts)
	return res, errRejected
}

var errRejected = errors.New("backend rejected step")

func TestRunClassifiesRejectedFit(t *testing.T) {
	src := newFakeSource()
	mdl := &rejectingModel{fakeModel: newFakeModel()}
	records, err := Run(context.Background(), baseConfig(), src, mdl)
	assert.True(t, errors.Is(err, model.ErrTrainingFailure), "got %v", err)
	assert.True(t, errors.Is(err, errRejected), "cause lost: %v", err)
	assert.Contains(t, err.Error(), "backend rejected step")

	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Step)
	assert.True(t, math.IsNaN(records[0].Loss))
	assert.Nil(t, records[0].Accuracy)
	assertAllReleased(t, src, mdl.fakeModel)
}

func TestRunNotifiesBeforeRelease(t *testing.T) {
	src, mdl := newFakeSource(), newFakeModel()
	cfg := baseConfig()
	cfg.Steps = 6
	var releasedAtNotify []int
	cfg.OnProgress = func(Record) {
		releasedAtNotify = append(releasedAtNotify, len(mdl.disposed))
	}
	_, err := Run(context.Background(), cfg, src, mdl)
	require.NoError(t, err)
	// steps 0 and 5 validate; each step allocates four tensors when
	// validating and two otherwise
	assert.Equal(t, []int{0, 4 + 4*2}, releasedAtNotify)
	assertAllReleased(t, src, mdl)
}

func TestRunBatchErrorIsNotLogged(t *testing.T) {
	src, mdl := newFakeSource(), newFakeModel()
	src.trainErr = errors.New("no data")
	records, err := Run(context.Background(), baseConfig(), src, mdl)
	require.Error(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 0, mdl.fits)
}

func TestRunInvalidConfig(t *testing.T) {
	for name, mutate := range map[string]func(*RunConfig){
		"steps":            func(c *RunConfig) { c.Steps = 0 },
		"batch":            func(c *RunConfig) { c.BatchSize = -1 },
		"validation batch": func(c *RunConfig) { c.ValidationBatchSize = 0 },
		"period":           func(c *RunConfig) { c.ValidationEvery = 0 },
	} {
		cfg := baseConfig()
		mutate(&cfg)
		_, err := Run(context.Background(), cfg, newFakeSource(), newFakeModel())
		assert.True(t, errors.Is(err, ErrInvalidArgument), "%s: got %v", name, err)
	}
}

func TestRunYieldsBetweenSteps(t *testing.T) {
	src, mdl := newFakeSource(), newFakeModel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	yields := 0
	cfg := baseConfig()
	cfg.Yield = func(ctx context.Context) error {
		yields++
		// every batch of the finished step is already released
		assert.Equal(t, len(src.allocated), len(mdl.disposed))
		if yields == 2 {
			cancel()
		}
		return Gosched(ctx)
	}

	records, err := Run(ctx, cfg, src, mdl)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Len(t, records, 2)
	assert.Equal(t, 2, yields)
}

func TestTrainerRejectsOverlappingRuns(t *testing.T) {
	var tr Trainer
	entered := make(chan struct{})
	release := make(chan struct{})
	cfg := baseConfig()
	cfg.Steps = 2
	cfg.Yield = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := tr.Run(context.Background(), cfg, newFakeSource(), newFakeModel())
		done <- err
	}()
	<-entered

	_, err := tr.Run(context.Background(), baseConfig(), newFakeSource(), newFakeModel())
	assert.True(t, errors.Is(err, ErrBusy), "got %v", err)

	close(release)
	require.NoError(t, <-done)
	_, err = tr.Run(context.Background(), baseConfig(), newFakeSource(), newFakeModel())
	assert.NoError(t, err)
}

func TestFrames(t *testing.T) {
	yield, stop := Frames(time.Millisecond)
	defer stop()
	require.NoError(t, yield(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stop()
	assert.True(t, errors.Is(yield(ctx), context.Canceled))
}

type memSource map[dataset.Asset][]byte

func (m memSource) Open(_ context.Context, a dataset.Asset) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m[a])), nil
}

func TestRunEndToEnd(t *testing.T) {
	const total, train = 10, 7
	img := image.NewGray(image.Rect(0, 0, dataset.ImageSize, total))
	labels := make([]byte, total*dataset.NumClasses)
	for r := 0; r < total; r++ {
		class := r % 2
		for x := 0; x < dataset.ImageSize; x++ {
			if (x < dataset.ImageSize/2) == (class == 0) {
				img.SetGray(x, r, color.Gray{Y: 255})
			}
		}
		labels[r*dataset.NumClasses+class] = 1
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	store := dataset.NewStore(memSource{
		dataset.AssetImages: buf.Bytes(),
		dataset.AssetLabels: labels,
	}, dataset.WithDimensions(total, train))
	data, err := store.Load(context.Background())
	require.NoError(t, err)

	mdl := model.NewLinear(dataset.NumClasses, dataset.ImageSize, 0.05, 1)
	var progress []Record
	records, err := Run(context.Background(), RunConfig{
		Steps:               30,
		BatchSize:           2,
		ValidationBatchSize: 3,
		ValidationEvery:     10,
		OnProgress:          func(r Record) { progress = append(progress, r) },
	}, data, mdl)
	require.NoError(t, err)
	require.Len(t, records, 30)
	require.Len(t, progress, 3)
	assert.Less(t, records[29].Loss, records[0].Loss)
	assert.Equal(t, 1.0, *progress[2].Accuracy)
}
