package model

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Float is the dtype every CNN tensor uses.
var Float = G.Float32

const (
	inputHeight = 28
	inputWidth  = 28
	numClasses  = 10
	filters     = 8
	kernelSize  = 5

	// 28 -conv5-> 24 -pool2-> 12 -conv5-> 8 -pool2-> 4
	flatSize = filters * 4 * 4
)

var weightNames = []string{"conv1", "conv2", "dense_w", "dense_b"}

// CNN is a small convolutional digit classifier:
//
//	conv 5x5x8 relu, maxpool 2, conv 5x5x8 relu, maxpool 2, dense 10 softmax
//
// trained with categorical cross-entropy and plain SGD. Expression graphs
// have fixed shapes, so one graph is built per batch size; all graphs share
// the same weights.
type CNN struct {
	mu      sync.Mutex
	lr      float64
	weights []*tensor.Dense

	train map[int]*net
	eval  map[int]*net
}

type net struct {
	g          *G.ExprGraph
	x, y       *G.Node
	learnables G.Nodes

	probs G.Value
	cost  G.Value

	vm     G.VM
	solver G.Solver
}

// NewCNN returns a CNN with Glorot-initialized weights.
func NewCNN(lr float64) *CNN {
	if lr <= 0 {
		lr = 0.15
	}
	shapes := []tensor.Shape{
		{filters, 1, kernelSize, kernelSize},
		{filters, filters, kernelSize, kernelSize},
		{flatSize, numClasses},
		{1, numClasses},
	}
	weights := make([]*tensor.Dense, len(shapes))
	for i, s := range shapes {
		var backing interface{}
		if i == len(shapes)-1 {
			backing = make([]float32, s.TotalSize())
		} else {
			backing = G.GlorotN(1.0)(Float, s...)
		}
		weights[i] = tensor.New(tensor.WithShape(s...), tensor.WithBacking(backing))
	}
	return &CNN{
		lr:      lr,
		weights: weights,
		train:   make(map[int]*net),
		eval:    make(map[int]*net),
	}
}

// SetLearningRate implements LearningRateSetter.
func (c *CNN) SetLearningRate(lr float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lr <= 0 || lr == c.lr {
		return
	}
	c.lr = lr
	for _, n := range c.train {
		n.solver = G.NewVanillaSolver(G.WithLearnRate(lr))
	}
}

// Fit runs opts.Epochs SGD steps on the batch. When validation data is given
// the returned accuracy is measured on it after the last step.
func (c *CNN) Fit(images, labels *tensor.Dense, opts FitOptions) (FitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	x, err := asPlanes(images)
	if err != nil {
		return FitResult{}, err
	}
	if err := opts.checkRows(x.Shape()[0]); err != nil {
		return FitResult{}, err
	}
	n, err := c.net(x.Shape()[0], true)
	if err != nil {
		return FitResult{}, err
	}

	epochs := opts.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	var res FitResult
	for e := 0; e < epochs; e++ {
		cost, err := c.step(n, x, labels)
		res.Loss = float64(cost)
		if err != nil {
			return res, err
		}
	}

	if v := opts.Validation; v != nil {
		probs, err := c.forward(v.Images)
		if err != nil {
			return res, errors.Wrap(err, "cnn: validation")
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

func (c *CNN) step(n *net, x, labels *tensor.Dense) (float32, error) {
	defer n.vm.Reset()
	c.load(n)
	if err := G.Let(n.x, x); err != nil {
		return 0, errors.Wrap(err, "cnn: bind images")
	}
	if err := G.Let(n.y, labels); err != nil {
		return 0, errors.Wrap(err, "cnn: bind labels")
	}
	if err := n.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "cnn: run")
	}
	cost, ok := n.cost.Data().(float32)
	if !ok {
		return 0, errors.Errorf("cnn: unexpected cost value %v", n.cost)
	}
	if math32.IsNaN(cost) || math32.IsInf(cost, 0) {
		return cost, errors.Wrapf(ErrTrainingFailure, "cnn: non-finite loss %v", cost)
	}
	if err := n.solver.Step(G.NodesToValueGrads(n.learnables)); err != nil {
		return cost, errors.Wrap(err, "cnn: solver step")
	}
	c.store(n)
	return cost, nil
}

// Predict returns class probabilities shaped [n, 10].
func (c *CNN) Predict(images *tensor.Dense) (*tensor.Dense, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forward(images)
}

func (c *CNN) forward(images *tensor.Dense) (*tensor.Dense, error) {
	x, err := asPlanes(images)
	if err != nil {
		return nil, err
	}
	n, err := c.net(x.Shape()[0], false)
	if err != nil {
		return nil, err
	}
	defer n.vm.Reset()
	c.load(n)
	if err := G.Let(n.x, x); err != nil {
		return nil, errors.Wrap(err, "cnn: bind images")
	}
	if err := n.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "cnn: run")
	}
	probs, ok := n.probs.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("cnn: unexpected output %T", n.probs)
	}
	return probs.Clone().(*tensor.Dense), nil
}

// Dispose returns tensors to the tensor pool.
func (c *CNN) Dispose(ts ...*tensor.Dense) { dispose(ts) }

// Close releases every VM the model has built.
func (c *CNN) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs manyErr
	for _, nets := range []map[int]*net{c.train, c.eval} {
		for size, n := range nets {
			if err := n.vm.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(nets, size)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// load copies the shared weights into n's learnables; store copies them back.
func (c *CNN) load(n *net) {
	for i, l := range n.learnables {
		copy(l.Value().Data().([]float32), c.weights[i].Data().([]float32))
	}
}

func (c *CNN) store(n *net) {
	for i, l := range n.learnables {
		copy(c.weights[i].Data().([]float32), l.Value().Data().([]float32))
	}
}

func (c *CNN) net(batch int, training bool) (*net, error) {
	cache := c.eval
	if training {
		cache = c.train
	}
	if n, ok := cache[batch]; ok {
		return n, nil
	}
	n, err := c.build(batch, training)
	if err != nil {
		return nil, err
	}
	cache[batch] = n
	return n, nil
}

func (c *CNN) build(batch int, training bool) (*net, error) {
	g := G.NewGraph()
	n := &net{g: g}
	n.x = G.NewTensor(g, Float, 4, G.WithShape(batch, 1, inputHeight, inputWidth), G.WithName("x"))
	n.learnables = make(G.Nodes, len(c.weights))
	for i, w := range c.weights {
		n.learnables[i] = G.NewTensor(g, Float, w.Dims(),
			G.WithShape(w.Shape().Clone()...),
			G.WithName(weightNames[i]),
			G.WithValue(w.Clone().(*tensor.Dense)))
	}

	var m maebe
	h := m.conv(n.x, n.learnables[0])
	h = m.conv(h, n.learnables[1])
	h = m.do(func() (*G.Node, error) { return G.Reshape(h, tensor.Shape{batch, flatSize}) })
	h = m.do(func() (*G.Node, error) { return G.Mul(h, n.learnables[2]) })
	h = m.do(func() (*G.Node, error) { return G.BroadcastAdd(h, n.learnables[3], nil, []byte{0}) })
	out := m.do(func() (*G.Node, error) { return G.SoftMax(h) })
	if m.err != nil {
		return nil, m.err
	}
	G.Read(out, &n.probs)

	if !training {
		n.vm = G.NewTapeMachine(g)
		return n, nil
	}

	n.y = G.NewMatrix(g, Float, G.WithShape(batch, numClasses), G.WithName("y"))
	cost := m.xent(out, n.y)
	if m.err != nil {
		return nil, m.err
	}
	G.Read(cost, &n.cost)
	if _, err := G.Grad(cost, n.learnables...); err != nil {
		return nil, errors.WithStack(err)
	}
	n.vm = G.NewTapeMachine(g, G.BindDualValues(n.learnables...))
	n.solver = G.NewVanillaSolver(G.WithLearnRate(c.lr))
	return n, nil
}

// asPlanes views [n, 28, 28, 1] images as the [n, 1, 28, 28] planes the
// convolution expects. With a single channel both layouts share memory order.
func asPlanes(images *tensor.Dense) (*tensor.Dense, error) {
	s := images.Shape()
	if len(s) != 4 || s[1] != inputHeight || s[2] != inputWidth || s[3] != 1 {
		return nil, errors.Errorf("cnn: images shaped %v, want [n %d %d 1]", s, inputHeight, inputWidth)
	}
	if images.Dtype() != Float {
		return nil, errors.Errorf("cnn: images are %v, want %v", images.Dtype(), Float)
	}
	return tensor.New(tensor.WithShape(s[0], 1, inputHeight, inputWidth), tensor.WithBacking(images.Data())), nil
}

// GobEncode writes the weights.
func (c *CNN) GobEncode() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, w := range c.weights {
		if err := enc.Encode(w); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode replaces the weights with previously encoded ones.
func (c *CNN) GobDecode(p []byte) error {
	c.mu.Lock()
	if c.weights == nil {
		fresh := NewCNN(0)
		c.lr, c.weights = fresh.lr, fresh.weights
		c.train, c.eval = fresh.train, fresh.eval
	}
	defer c.mu.Unlock()
	dec := gob.NewDecoder(bytes.NewReader(p))
	for i, w := range c.weights {
		v := new(tensor.Dense)
		if err := dec.Decode(v); err != nil {
			return errors.Wrapf(err, "decode %s", weightNames[i])
		}
		if !v.Shape().Eq(w.Shape()) {
			return errors.Errorf("decode %s: shape %v, want %v", weightNames[i], v.Shape(), w.Shape())
		}
		copy(w.Data().([]float32), v.Data().([]float32))
	}
	return nil
}
