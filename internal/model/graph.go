package model

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	nnops "gorgonia.org/gorgonia/ops/nn"
	"gorgonia.org/tensor"
)

// maebe carries the first error met while building a graph; every builder
// becomes a no-op once it is set.
type maebe struct {
	err error
}

func (m *maebe) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// conv is a valid (unpadded) 5x5 convolution followed by relu and a 2x2
// max pool with stride 2.
func (m *maebe) conv(input, filter *G.Node) *G.Node {
	out := m.do(func() (*G.Node, error) {
		return nnops.Conv2d(input, filter, tensor.Shape{kernelSize, kernelSize}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	})
	out = m.do(func() (*G.Node, error) { return nnops.Rectify(out) })
	return m.do(func() (*G.Node, error) {
		return nnops.MaxPool2D(out, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	})
}

// xent is the categorical cross-entropy of probabilities against one-hot
// targets, averaged over the batch.
func (m *maebe) xent(probs, target *G.Node) *G.Node {
	logp := m.do(func() (*G.Node, error) { return G.Log(probs) })
	prod := m.do(func() (*G.Node, error) { return G.HadamardProd(target, logp) })
	perRow := m.do(func() (*G.Node, error) { return G.Sum(prod, 1) })
	mean := m.do(func() (*G.Node, error) { return G.Mean(perRow) })
	return m.do(func() (*G.Node, error) { return G.Neg(mean) })
}

type manyErr []error

func (err manyErr) Error() string {
	var buf bytes.Buffer
	for _, e := range err {
		fmt.Fprintln(&buf, e.Error())
	}
	return buf.String()
}
