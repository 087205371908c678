// Package geometry provides the internal-coordinate values used by molecular
// force fields (distances, bond angles, torsions and Wilson out-of-plane
// angles) together with their analytic first derivatives.
//
// All functions are pure. Degenerate configurations such as coincident atoms
// or collinear triples never produce NaN or Inf: the value collapses to a
// well-defined number and the derivative to zero.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// NearZero is the length below which a vector is treated as degenerate.
	NearZero = 2e-6

	// MinSeparation is the distance below which two atoms are considered
	// coincident for distance derivatives.
	MinSeparation = 0.1

	// RadToDeg converts radians to degrees.
	RadToDeg = 180.0 / math.Pi
	// DegToRad converts degrees to radians.
	DegToRad = math.Pi / 180.0
)

// IsFinite reports whether v has no NaN or infinite component.
func IsFinite(v r3.Vec) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isNearZero(f float64) bool {
	return math.Abs(f) < NearZero
}

// clampCos keeps a cosine inside [-1, 1] so math.Acos stays defined.
func clampCos(c float64) float64 {
	if c > 1 {
		return 1
	}
	if c < -1 {
		return -1
	}
	return c
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b r3.Vec) float64 {
	return r3.Norm(r3.Sub(a, b))
}

// Distance2 returns the squared Euclidean distance between a and b.
func Distance2(a, b r3.Vec) float64 {
	return r3.Norm2(r3.Sub(a, b))
}

// AngleRadians returns the a-b-c bond angle with b as the vertex.
// It returns 0 when either arm has near-zero length.
func AngleRadians(a, b, c r3.Vec) float64 {
	u := r3.Sub(a, b)
	v := r3.Sub(c, b)
	lu := r3.Norm(u)
	lv := r3.Norm(v)
	if isNearZero(lu) || isNearZero(lv) {
		return 0
	}
	return math.Acos(clampCos(r3.Dot(u, v) / (lu * lv)))
}

// TorsionRadians returns the i-j-k-l dihedral angle in (-π, π].
// It returns 0 when any bond has near-zero length or either of the two
// planes is undefined because three of the points are collinear.
func TorsionRadians(i, j, k, l r3.Vec) float64 {
	b1 := r3.Sub(j, i)
	b2 := r3.Sub(k, j)
	b3 := r3.Sub(l, k)
	if isNearZero(r3.Norm(b1)) || isNearZero(r3.Norm(b2)) || isNearZero(r3.Norm(b3)) {
		return 0
	}
	m := r3.Cross(b1, b2)
	n := r3.Cross(b2, b3)
	if isNearZero(r3.Norm(m)) || isNearZero(r3.Norm(n)) {
		return 0
	}
	return math.Atan2(r3.Norm(b2)*r3.Dot(b1, n), r3.Dot(m, n))
}

// OutOfPlaneRadians returns the Wilson angle between the bond j-l and the
// plane spanned by i, j and k, where j is the central atom.
func OutOfPlaneRadians(i, j, k, l r3.Vec) float64 {
	chi, _, ok := wilson(i, j, k, l)
	if !ok {
		return 0
	}
	return chi
}

// wilson computes the out-of-plane angle and the intermediate quantities
// shared with its derivative. ok is false for degenerate input.
func wilson(i, j, k, l r3.Vec) (chi float64, w wilsonTerms, ok bool) {
	dji := r3.Sub(i, j)
	djk := r3.Sub(k, j)
	djl := r3.Sub(l, j)
	w.rji = r3.Norm(dji)
	w.rjk = r3.Norm(djk)
	w.rjl = r3.Norm(djl)
	if isNearZero(w.rji) || isNearZero(w.rjk) || isNearZero(w.rjl) {
		return 0, w, false
	}
	w.eji = r3.Scale(1/w.rji, dji)
	w.ejk = r3.Scale(1/w.rjk, djk)
	w.ejl = r3.Scale(1/w.rjl, djl)

	w.cosTheta = clampCos(r3.Dot(w.eji, w.ejk))
	theta := math.Acos(w.cosTheta)
	if isNearZero(theta) || isNearZero(math.Abs(theta-math.Pi)) {
		return 0, w, false
	}
	w.sinTheta = math.Sin(theta)

	sinChi := r3.Dot(r3.Cross(w.eji, w.ejk), w.ejl) / w.sinTheta
	if sinChi > 1 {
		sinChi = 1
	} else if sinChi < -1 {
		sinChi = -1
	}
	w.sinChi = sinChi
	return math.Asin(sinChi), w, true
}

type wilsonTerms struct {
	rji, rjk, rjl    float64
	eji, ejk, ejl    r3.Vec
	cosTheta         float64
	sinTheta, sinChi float64
}
