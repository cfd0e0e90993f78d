// Package metrics aggregates training-step measurements between log lines.
package metrics

import "time"

// Window accumulates per-step stats between two log lines.
type Window struct {
	samples int
	steps   int
	data    time.Duration
	compute time.Duration
	lossSum float64
	loss    float64

	validations int
	accuracy    *float64
}

// Record adds one fitted step. A nil accuracy means the step was not
// validated.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64, accuracy *float64) {
	w.samples += batchSize
	w.steps++
	w.data += dataTime
	w.compute += computeTime
	w.lossSum += loss
	w.loss = loss
	if accuracy != nil {
		acc := *accuracy
		w.accuracy = &acc
		w.validations++
	}
}

// Snapshot returns aggregated metrics and starts a new window. The latest
// validation accuracy is kept across windows.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{
		LastLoss:    w.loss,
		Validations: w.validations,
	}
	if total := w.data + w.compute; total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		n := float64(w.steps)
		snap.AvgDataMS = float64(w.data.Microseconds()) / 1000 / n
		snap.AvgComputeMS = float64(w.compute.Microseconds()) / 1000 / n
		snap.AvgLoss = w.lossSum / n
	}
	if w.accuracy != nil {
		snap.HasAccuracy = true
		snap.LastAccuracy = *w.accuracy
	}

	*w = Window{accuracy: w.accuracy}
	return snap
}

// Snapshot represents loggable metrics. LastAccuracy is meaningful only when
// HasAccuracy is set.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	AvgLoss      float64
	LastLoss     float64
	LastAccuracy float64
	HasAccuracy  bool
	Validations  int
}
