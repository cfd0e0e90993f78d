package model

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Linear is a softmax regression over raw pixels trained with per-sample SGD.
// It trains in milliseconds and is the backend of choice for smoke runs.
type Linear struct {
	mu         sync.Mutex
	numClasses int
	inputSize  int
	weights    []float32
	bias       []float32
	lr         float32
}

// PredictWorkers is how many goroutines Linear.Predict spreads rows over:
// one per physical core as reported by cpuid.
var PredictWorkers = physicalCores()

func physicalCores() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// NewLinear constructs the model with small random weights.
func NewLinear(numClasses, inputSize int, lr float64, seed int64) *Linear {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 784
	}
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float32, numClasses*inputSize)
	for i := range weights {
		weights[i] = (rng.Float32()*2 - 1) * 0.01
	}
	return &Linear{
		numClasses: numClasses,
		inputSize:  inputSize,
		weights:    weights,
		bias:       make([]float32, numClasses),
		lr:         float32(lr),
	}
}

// SetLearningRate implements LearningRateSetter.
func (m *Linear) SetLearningRate(lr float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lr > 0 {
		m.lr = float32(lr)
	}
}

// Fit runs opts.Epochs passes of SGD over the batch and reports the mean
// cross-entropy of the last pass.
func (m *Linear) Fit(images, labels *tensor.Dense, opts FitOptions) (FitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	xs, rows, err := m.rows(images)
	if err != nil {
		return FitResult{}, err
	}
	if err := opts.checkRows(rows); err != nil {
		return FitResult{}, err
	}
	ys, ok := labels.Data().([]float32)
	if !ok || len(ys) != rows*m.numClasses {
		return FitResult{}, errors.Errorf("linear: labels shape %v does not match %d rows", labels.Shape(), rows)
	}

	epochs := opts.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	var res FitResult
	logits := make([]float32, m.numClasses)
	for e := 0; e < epochs; e++ {
		var total float32
		for r := 0; r < rows; r++ {
			input := xs[r*m.inputSize : (r+1)*m.inputSize]
			target := ys[r*m.numClasses : (r+1)*m.numClasses]
			probs := m.forward(input, logits)
			for c, p := range probs {
				total -= target[c] * math32.Log(math32.Max(p, 1e-9))
			}
			for c := range probs {
				grad := probs[c] - target[c]
				m.bias[c] -= m.lr * grad
				w := m.weights[c*m.inputSize : (c+1)*m.inputSize]
				for j, v := range input {
					w[j] -= m.lr * grad * v
				}
			}
		}
		loss := total / float32(rows)
		res.Loss = float64(loss)
		if math32.IsNaN(loss) || math32.IsInf(loss, 0) {
			return res, errors.Wrapf(ErrTrainingFailure, "linear: non-finite loss %v", loss)
		}
	}

	if v := opts.Validation; v != nil {
		probs, err := m.predict(v.Images)
		if err != nil {
			return res, errors.Wrap(err, "linear: validation")
		}
		acc, err := Accuracy(probs, v.Labels)
		tensor.ReturnTensor(probs)
		if err != nil {
			return res, err
		}
		res.Accuracy = &acc
	}
	return res, nil
}

// Predict returns class probabilities shaped [n, numClasses].
func (m *Linear) Predict(images *tensor.Dense) (*tensor.Dense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predict(images)
}

// Dispose returns tensors to the tensor pool.
func (m *Linear) Dispose(ts ...*tensor.Dense) { dispose(ts) }

func (m *Linear) predict(images *tensor.Dense) (*tensor.Dense, error) {
	xs, rows, err := m.rows(images)
	if err != nil {
		return nil, err
	}
	out := make([]float32, rows*m.numClasses)
	workers := PredictWorkers
	if workers > rows {
		workers = rows
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			logits := make([]float32, m.numClasses)
			for r := start; r < end; r++ {
				copy(out[r*m.numClasses:], m.forward(xs[r*m.inputSize:(r+1)*m.inputSize], logits))
			}
		}(start, end)
	}
	wg.Wait()
	return tensor.New(tensor.WithShape(rows, m.numClasses), tensor.WithBacking(out)), nil
}

func (m *Linear) rows(images *tensor.Dense) ([]float32, int, error) {
	xs, ok := images.Data().([]float32)
	if !ok {
		return nil, 0, errors.Errorf("linear: images are %v, want float32", images.Dtype())
	}
	if len(xs)%m.inputSize != 0 {
		return nil, 0, errors.Errorf("linear: %d values is not a multiple of input size %d", len(xs), m.inputSize)
	}
	return xs, len(xs) / m.inputSize, nil
}

// forward writes softmax probabilities into logits and returns it.
func (m *Linear) forward(input, logits []float32) []float32 {
	for c := 0; c < m.numClasses; c++ {
		sum := m.bias[c]
		w := m.weights[c*m.inputSize : (c+1)*m.inputSize]
		for j, v := range input {
			sum += w[j] * v
		}
		logits[c] = sum
	}
	return softmax(logits)
}

func softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float32
	for i, v := range logits {
		exp := math32.Exp(v - maxLogit)
		logits[i] = exp
		sum += exp
	}
	inv := 1 / sum
	for i := range logits {
		logits[i] *= inv
	}
	return logits
}
