package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// ErrTrainingFailure is reported when a fit step diverges or is rejected.
var ErrTrainingFailure = errors.New("model: training failure")

// Validation is held-out data a fit step is scored against.
type Validation struct {
	Images *tensor.Dense
	Labels *tensor.Dense
}

// FitOptions configures one call to Fit.
type FitOptions struct {
	// BatchSize, when set, must equal the number of image rows.
	BatchSize  int
	Epochs     int
	Validation *Validation
}

func (o FitOptions) checkRows(rows int) error {
	if o.BatchSize > 0 && o.BatchSize != rows {
		return errors.Errorf("fit: batch size %d does not match %d image rows", o.BatchSize, rows)
	}
	return nil
}

// FitResult is what a fit step reports. Accuracy is set only when
// validation data was supplied.
type FitResult struct {
	Loss     float64
	Accuracy *float64
}

// Trainable is the capability the training loop and the predictor need from
// a model. Images are shaped [n, 28, 28, 1], labels and predictions [n, 10].
type Trainable interface {
	Fit(images, labels *tensor.Dense, opts FitOptions) (FitResult, error)
	Predict(images *tensor.Dense) (*tensor.Dense, error)
	Dispose(ts ...*tensor.Dense)
}

// LearningRateSetter is implemented by models whose step size can change.
type LearningRateSetter interface {
	SetLearningRate(lr float64)
}

// Accuracy is the fraction of rows whose highest prediction matches the
// hot class of the label row.
func Accuracy(predictions, labels *tensor.Dense) (float64, error) {
	pShape, lShape := predictions.Shape(), labels.Shape()
	if len(pShape) != 2 || !pShape.Eq(lShape) {
		return 0, errors.Errorf("accuracy: shape mismatch %v vs %v", pShape, lShape)
	}
	rows, cols := pShape[0], pShape[1]
	if rows == 0 {
		return 0, nil
	}
	p, ok := predictions.Data().([]float32)
	if !ok {
		return 0, errors.Errorf("accuracy: predictions are %v, want float32", predictions.Dtype())
	}
	l, ok := labels.Data().([]float32)
	if !ok {
		return 0, errors.Errorf("accuracy: labels are %v, want float32", labels.Dtype())
	}
	correct := 0
	for r := 0; r < rows; r++ {
		if vecf32.Argmax(p[r*cols:(r+1)*cols]) == vecf32.Argmax(l[r*cols:(r+1)*cols]) {
			correct++
		}
	}
	return float64(correct) / float64(rows), nil
}

func dispose(ts []*tensor.Dense) {
	for _, t := range ts {
		if t != nil {
			tensor.ReturnTensor(t)
		}
	}
}
