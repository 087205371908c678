package geometry

import (
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"
)

// NewRand returns a generator for the tie-breaking routines. Each caller owns
// its generator so concurrent minimizations never share random state.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// RandomUnitVector draws a direction uniformly from the unit sphere by
// rejection sampling inside the unit cube.
func RandomUnitVector(rng *rand.Rand) r3.Vec {
	for {
		v := r3.Vec{
			X: rng.Float64() - 0.5,
			Y: rng.Float64() - 0.5,
			Z: rng.Float64() - 0.5,
		}
		l := r3.Norm2(v)
		if l <= 0.25 && l >= 1e-4 {
			return r3.Scale(1/r3.Norm(v), v)
		}
	}
}
