package dataset

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Batch is a minibatch of images shaped [n, 28, 28, 1] and one-hot labels
// shaped [n, 10]. The step that draws a batch owns it and must release both
// tensors before the step ends.
type Batch struct {
	Images *tensor.Dense
	Labels *tensor.Dense
}

// Size returns the number of rows in the batch.
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Shape()[0]
}

// Tensors lists the non-nil tensors backing the batch.
func (b Batch) Tensors() []*tensor.Dense {
	out := make([]*tensor.Dense, 0, 2)
	if b.Images != nil {
		out = append(out, b.Images)
	}
	if b.Labels != nil {
		out = append(out, b.Labels)
	}
	return out
}

// NextBatch copies batchSize rows of p, picked by s, into fresh buffers.
//
// The sampler keeps cycling, so a batch larger than what is left of the
// current cycle wraps around and may contain the same row twice.
func NextBatch(p Partition, s *Sampler, batchSize int) (Batch, error) {
	if batchSize <= 0 {
		return Batch{}, errors.Wrapf(ErrInvalidArgument, "batch size must be > 0 (got %d)", batchSize)
	}
	if s == nil || s.Size() != p.Size {
		return Batch{}, errors.Wrap(ErrInvalidArgument, "sampler does not cover partition")
	}

	images := make([]float32, batchSize*ImageSize)
	labels := make([]float32, batchSize*NumClasses)
	for i := 0; i < batchSize; i++ {
		idx := s.Next()
		copy(images[i*ImageSize:(i+1)*ImageSize], p.Image(idx))
		row := labels[i*NumClasses : (i+1)*NumClasses]
		for j, v := range p.Label(idx) {
			row[j] = float32(v)
		}
	}

	return Batch{
		Images: tensor.New(tensor.WithShape(batchSize, ImageHeight, ImageWidth, 1), tensor.WithBacking(images)),
		Labels: tensor.New(tensor.WithShape(batchSize, NumClasses), tensor.WithBacking(labels)),
	}, nil
}
