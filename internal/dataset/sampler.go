package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
)

const defaultSeed = 42

// Sampler hands out indices of a partition in a shuffled order fixed at
// construction. Once the permutation is exhausted it starts over from the
// beginning in the same order; it never reshuffles.
//
// A Sampler is not safe for concurrent use.
type Sampler struct {
	perm   []int
	cursor int
}

// NewSampler builds a uniformly random permutation of [0, size).
// A nil rng uses a source seeded with the default seed.
func NewSampler(size int, rng *rand.Rand) (*Sampler, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "sampler size must be > 0 (got %d)", size)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(defaultSeed))
	}
	perm := make([]int, size)
	for i := range perm {
		perm[i] = i
	}
	rng.Shuffle(size, func(i, j int) {
		perm[i], perm[j] = perm[j], perm[i]
	})
	return &Sampler{perm: perm}, nil
}

// Next returns the index under the cursor and advances it, wrapping at Size.
func (s *Sampler) Next() int {
	idx := s.perm[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.perm)
	return idx
}

// Size is the length of the permutation.
func (s *Sampler) Size() int { return len(s.perm) }
