package predict

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"digitpad/internal/canvas"
	"digitpad/internal/dataset"
	"digitpad/internal/model"
)

// stubModel answers with a fixed distribution and remembers what it saw.
type stubModel struct {
	probs    []float32
	input    []float32
	disposed int
	err      error
}

func (m *stubModel) Fit(*tensor.Dense, *tensor.Dense, model.FitOptions) (model.FitResult, error) {
	return model.FitResult{}, nil
}

func (m *stubModel) Predict(images *tensor.Dense) (*tensor.Dense, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.input = append([]float32(nil), images.Data().([]float32)...)
	return tensor.New(tensor.WithShape(1, 10), tensor.WithBacking(append([]float32(nil), m.probs...))), nil
}

func (m *stubModel) Dispose(ts ...*tensor.Dense) { m.disposed += len(ts) }

func TestPixelsAreNormalized(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 28, 28))
	img.SetGray(0, 0, color.Gray{Y: 255})
	img.SetGray(27, 27, color.Gray{Y: 51})

	px := Pixels(img)
	require.Len(t, px, dataset.ImageSize)
	assert.InDelta(t, 1.0, px[0], 1e-6)
	assert.InDelta(t, 0.2, px[dataset.ImageSize-1], 1e-6)
	for _, v := range px {
		if v < 0 || v > 1 {
			t.Fatalf("pixel outside [0,1]: %v", v)
		}
	}
}

func TestPredictPicksMostProbableDigit(t *testing.T) {
	m := &stubModel{probs: []float32{0.01, 0.01, 0.02, 0.8, 0.02, 0.04, 0.03, 0.03, 0.02, 0.02}}
	c := canvas.New()
	c.Stroke(canvas.Point{X: 200, Y: 50}, canvas.Point{X: 200, Y: 350})

	got, err := Predictor{Model: m}.Predict(c.Render())
	require.NoError(t, err)
	assert.Equal(t, 3, got.Digit)
	assert.Equal(t, m.probs, got.Probabilities)
	assert.Equal(t, 2, m.disposed, "input and output are released")
	require.Len(t, m.input, dataset.ImageSize)
	assert.Greater(t, m.input[14*28+14], float32(0))
}

func TestPredictReader(t *testing.T) {
	m := &stubModel{probs: []float32{0, 0, 0, 0, 0, 0, 0, 1, 0, 0}}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 56, 56))))

	got, err := Predictor{Model: m}.PredictReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Digit)

	_, err = Predictor{Model: m}.PredictReader(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestPredictErrors(t *testing.T) {
	_, err := Predictor{}.Predict(image.NewGray(image.Rect(0, 0, 28, 28)))
	assert.True(t, errors.Is(err, dataset.ErrInvalidArgument), "got %v", err)

	boom := errors.New("boom")
	_, err = Predictor{Model: &stubModel{err: boom}}.Predict(image.NewGray(image.Rect(0, 0, 28, 28)))
	assert.True(t, errors.Is(err, boom), "got %v", err)
}

func TestPredictWithLinearModel(t *testing.T) {
	mdl := model.NewLinear(dataset.NumClasses, dataset.ImageSize, 0.1, 1)
	got, err := Predictor{Model: mdl}.Predict(image.NewGray(image.Rect(0, 0, 28, 28)))
	require.NoError(t, err)
	assert.Len(t, got.Probabilities, 10)
	var sum float32
	for _, p := range got.Probabilities {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}
