package dataset

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"log"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorgonia.org/vecf32"
)

const (
	ImageWidth  = 28
	ImageHeight = 28
	ImageSize   = ImageWidth * ImageHeight
	NumClasses  = 10

	DefaultTotal     = 65000
	DefaultTrain     = 55000
	DefaultChunkRows = 5000
)

var (
	// ErrDataLoad marks failures to fetch, decode or size-check the dataset.
	ErrDataLoad = errors.New("dataset: load failed")
	// ErrInvalidArgument marks malformed sizes passed to samplers and batches.
	ErrInvalidArgument = errors.New("invalid argument")
)

// LoadError describes which part of a load failed.
type LoadError struct {
	Op  string
	Err error
}

func (e *LoadError) Error() string { return "dataset: " + e.Op + ": " + e.Err.Error() }

func (e *LoadError) Unwrap() error { return e.Err }

// Is reports LoadError as ErrDataLoad.
func (e *LoadError) Is(target error) bool { return target == ErrDataLoad }

func loadErr(op string, err error) error {
	return &LoadError{Op: op, Err: errors.WithStack(err)}
}

// Partition is a contiguous run of rows of the dataset.
type Partition struct {
	Images []float32
	Labels []uint8
	Offset int
	Size   int
}

// Image returns row idx of the partition's pixels.
func (p Partition) Image(idx int) []float32 {
	return p.Images[idx*ImageSize : (idx+1)*ImageSize]
}

// Label returns the one-hot label of row idx.
func (p Partition) Label(idx int) []uint8 {
	return p.Labels[idx*NumClasses : (idx+1)*NumClasses]
}

// Split cuts the flat dataset into a train partition holding the first
// train rows and a test partition holding the rest.
func Split(images []float32, labels []uint8, total, train int) (Partition, Partition, error) {
	if total <= 0 || train < 0 || train > total {
		return Partition{}, Partition{}, errors.Wrapf(ErrInvalidArgument, "cannot split %d rows at %d", total, train)
	}
	if len(images) != total*ImageSize {
		return Partition{}, Partition{}, loadErr("split", errors.Errorf("got %d pixels, want %d", len(images), total*ImageSize))
	}
	if len(labels) != total*NumClasses {
		return Partition{}, Partition{}, loadErr("split", errors.Errorf("got %d label bytes, want %d", len(labels), total*NumClasses))
	}
	trainPart := Partition{
		Images: images[:train*ImageSize],
		Labels: labels[:train*NumClasses],
		Size:   train,
	}
	testPart := Partition{
		Images: images[train*ImageSize:],
		Labels: labels[train*NumClasses:],
		Offset: train,
		Size:   total - train,
	}
	return trainPart, testPart, nil
}

// Data is a loaded dataset together with one sampler per partition.
type Data struct {
	Train Partition
	Test  Partition

	trainSampler *Sampler
	testSampler  *Sampler
}

// NextTrainBatch draws a batch from the train partition.
func (d *Data) NextTrainBatch(batchSize int) (Batch, error) {
	return NextBatch(d.Train, d.trainSampler, batchSize)
}

// NextTestBatch draws a batch from the test partition.
func (d *Data) NextTestBatch(batchSize int) (Batch, error) {
	return NextBatch(d.Test, d.testSampler, batchSize)
}

// StoreOption tweaks a Store.
type StoreOption func(*Store)

// WithDimensions overrides the dataset row counts.
func WithDimensions(total, train int) StoreOption {
	return func(s *Store) {
		s.total = total
		s.train = train
	}
}

// WithChunkRows sets how many atlas rows are converted at a time.
func WithChunkRows(rows int) StoreOption {
	return func(s *Store) { s.chunkRows = rows }
}

// WithSeed seeds the partition samplers.
func WithSeed(seed int64) StoreOption {
	return func(s *Store) { s.seed = seed }
}

// Store loads the dataset once per session. Concurrent Load calls share a
// single in-flight fetch; a successful result is kept for later calls.
type Store struct {
	src       Source
	total     int
	train     int
	chunkRows int
	seed      int64

	group singleflight.Group
	mu    sync.Mutex
	data  *Data
}

// NewStore returns a Store reading from src.
func NewStore(src Source, opts ...StoreOption) *Store {
	s := &Store{
		src:       src,
		total:     DefaultTotal,
		train:     DefaultTrain,
		chunkRows: DefaultChunkRows,
		seed:      defaultSeed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Loaded returns the cached dataset, if any.
func (s *Store) Loaded() (*Data, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, s.data != nil
}

// Load returns the dataset, fetching it on first use. Callers that arrive
// while a fetch is running wait for it instead of starting another. The
// fetch runs under the context of the caller that started it: if that
// context is canceled, every waiting caller gets the same context error,
// and nothing is cached, so a later Load starts afresh.
func (s *Store) Load(ctx context.Context) (*Data, error) {
	if d, ok := s.Loaded(); ok {
		return d, nil
	}
	v, err, _ := s.group.Do("load", func() (interface{}, error) {
		if d, ok := s.Loaded(); ok {
			return d, nil
		}
		d, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.data = d
		s.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Data), nil
}

func (s *Store) load(ctx context.Context) (*Data, error) {
	if s.src == nil {
		return nil, loadErr("load", errors.New("no source configured"))
	}
	if s.chunkRows <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "chunk rows must be > 0 (got %d)", s.chunkRows)
	}
	log.Printf("loading dataset rows=%d train=%d", s.total, s.train)

	var atlas, labels []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		atlas, err = readAsset(gctx, s.src, AssetImages)
		return err
	})
	g.Go(func() error {
		var err error
		labels, err = readAsset(gctx, s.src, AssetLabels)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pixels, err := decodeAtlas(atlas, s.total, s.chunkRows)
	if err != nil {
		s.reject(AssetImages)
		return nil, err
	}
	if len(labels) != s.total*NumClasses {
		s.reject(AssetLabels)
		return nil, loadErr("labels", errors.Errorf("got %d bytes, want %d", len(labels), s.total*NumClasses))
	}

	train, test, err := Split(pixels, labels, s.total, s.train)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(s.seed))
	trainSampler, err := NewSampler(train.Size, rng)
	if err != nil {
		return nil, errors.Wrap(err, "train sampler")
	}
	testSampler, err := NewSampler(test.Size, rng)
	if err != nil {
		return nil, errors.Wrap(err, "test sampler")
	}

	log.Printf("loaded dataset train=%d test=%d", train.Size, test.Size)
	return &Data{
		Train:        train,
		Test:         test,
		trainSampler: trainSampler,
		testSampler:  testSampler,
	}, nil
}

// Invalidator is implemented by sources that keep copies of assets and can
// drop one that failed to decode.
type Invalidator interface {
	Invalidate(asset Asset) error
}

func (s *Store) reject(asset Asset) {
	inv, ok := s.src.(Invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(asset); err != nil {
		log.Printf("invalidate failed asset=%s err=%v", asset, err)
		return
	}
	log.Printf("dropped stored asset=%s", asset)
}

func readAsset(ctx context.Context, src Source, asset Asset) ([]byte, error) {
	rc, err := src.Open(ctx, asset)
	if err != nil {
		return nil, loadErr("fetch "+asset.String(), err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, loadErr("read "+asset.String(), err)
	}
	return data, nil
}

// decodeAtlas turns a PNG holding one 784-pixel sample per row into a flat
// buffer of intensities in [0, 1]. Rows are converted chunkRows at a time
// through a single scratch image.
func decodeAtlas(raw []byte, total, chunkRows int) ([]float32, error) {
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, loadErr("decode images", err)
	}
	bounds := img.Bounds()
	if bounds.Dx()*bounds.Dy() != total*ImageSize || bounds.Dx() != ImageSize {
		return nil, loadErr("decode images", errors.Errorf("atlas is %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), ImageSize, total))
	}

	pixels := make([]float32, total*ImageSize)
	scratch := image.NewGray(image.Rect(0, 0, ImageSize, chunkRows))
	for start := 0; start < total; start += chunkRows {
		rows := chunkRows
		if start+rows > total {
			rows = total - start
		}
		draw.Draw(scratch, image.Rect(0, 0, ImageSize, rows), img, image.Pt(bounds.Min.X, bounds.Min.Y+start), draw.Src)

		view := pixels[start*ImageSize : (start+rows)*ImageSize]
		for i := range view {
			view[i] = float32(scratch.Pix[i])
		}
		vecf32.Scale(view, 1.0/255)
	}
	return pixels, nil
}
