// Package predict turns a drawn or decoded image into a digit guess.
package predict

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"

	"digitpad/internal/canvas"
	"digitpad/internal/dataset"
	"digitpad/internal/model"
)

// Prediction is the classifier's answer for one image.
type Prediction struct {
	Digit         int
	Probabilities []float32
}

// Predictor classifies single images with a trained model.
type Predictor struct {
	Model model.Trainable
}

// Predict captures img at 28x28, scales pixels to [0, 1] the way training
// data is scaled and returns the most probable digit.
func (p Predictor) Predict(img image.Image) (Prediction, error) {
	if p.Model == nil {
		return Prediction{}, errors.Wrap(dataset.ErrInvalidArgument, "predict: no model")
	}
	in := tensor.New(
		tensor.WithShape(1, dataset.ImageHeight, dataset.ImageWidth, 1),
		tensor.WithBacking(Pixels(img)),
	)
	defer p.Model.Dispose(in)

	out, err := p.Model.Predict(in)
	if err != nil {
		return Prediction{}, errors.Wrap(err, "predict")
	}
	defer p.Model.Dispose(out)

	probs, ok := out.Data().([]float32)
	if !ok || len(probs) != dataset.NumClasses {
		return Prediction{}, errors.Errorf("predict: unexpected output %v %v", out.Dtype(), out.Shape())
	}
	probs = append([]float32(nil), probs...)
	return Prediction{Digit: vecf32.Argmax(probs), Probabilities: probs}, nil
}

// PredictReader decodes a PNG or JPEG and predicts it.
func (p Predictor) PredictReader(r io.Reader) (Prediction, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Prediction{}, errors.Wrap(err, "predict: decode image")
	}
	return p.Predict(img)
}

// Pixels returns the 784 intensities of img captured at 28x28, in [0, 1].
func Pixels(img image.Image) []float32 {
	gray := canvas.FromImage(img)
	out := make([]float32, 0, dataset.ImageSize)
	for y := 0; y < dataset.ImageHeight; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+dataset.ImageWidth]
		for _, v := range row {
			out = append(out, float32(v))
		}
	}
	vecf32.Scale(out, 1.0/255)
	return out
}
