package geometry

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/spatial/r3"
)

// flatten packs points into a single coordinate slice for fd.
func flatten(pts ...r3.Vec) []float64 {
	x := make([]float64, 0, 3*len(pts))
	for _, p := range pts {
		x = append(x, p.X, p.Y, p.Z)
	}
	return x
}

func unflatten(x []float64) []r3.Vec {
	pts := make([]r3.Vec, len(x)/3)
	for i := range pts {
		pts[i] = r3.Vec{X: x[3*i], Y: x[3*i+1], Z: x[3*i+2]}
	}
	return pts
}

// numericGradient differentiates f over the packed points with central
// differences.
func numericGradient(f func(pts []r3.Vec) float64, pts ...r3.Vec) []r3.Vec {
	x := flatten(pts...)
	g := fd.Gradient(nil, func(x []float64) float64 {
		return f(unflatten(x))
	}, x, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	return unflatten(g)
}

// assertVecsEqual checks if two point slices are approximately equal
func assertVecsEqual(t *testing.T, got, want []r3.Vec, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		d := r3.Sub(got[i], want[i])
		if math.Abs(d.X) > tol || math.Abs(d.Y) > tol || math.Abs(d.Z) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// assertAllFinite fails if any component is NaN or infinite
func assertAllFinite(t *testing.T, vs []r3.Vec) {
	t.Helper()

	for i, v := range vs {
		if !IsFinite(v) {
			t.Fatalf("at index %d: non-finite vector %v", i, v)
		}
	}
}
