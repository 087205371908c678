package geometry

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"
)

// DistanceGrad returns |a-b| and its partial derivatives with respect to a
// and b. When the two points are closer than MinSeparation the direction is
// replaced by a random unit vector drawn from rng, so the gradient pushes the
// pair apart instead of being undefined. A nil rng falls back to a fixed axis.
func DistanceGrad(a, b r3.Vec, rng *rand.Rand) (float64, [2]r3.Vec) {
	d := r3.Sub(a, b)
	r := r3.Norm(d)
	var u r3.Vec
	if r < MinSeparation {
		if rng != nil {
			u = RandomUnitVector(rng)
		} else {
			u = r3.Vec{X: 1}
		}
	} else {
		u = r3.Scale(1/r, d)
	}
	return r, [2]r3.Vec{u, r3.Scale(-1, u)}
}

// AngleGrad returns the a-b-c angle and its derivatives with respect to the
// three points. Either arm of near-zero length, or a collinear triple (0° or
// 180°), yields a zero value and a zero gradient. Callers that need the
// geometric angle of a linear triple use AngleRadians.
func AngleGrad(a, b, c r3.Vec) (float64, [3]r3.Vec) {
	var g [3]r3.Vec
	u := r3.Sub(a, b)
	v := r3.Sub(c, b)
	lu := r3.Norm(u)
	lv := r3.Norm(v)
	if isNearZero(lu) || isNearZero(lv) {
		return 0, g
	}
	eu := r3.Scale(1/lu, u)
	ev := r3.Scale(1/lv, v)
	cosT := clampCos(r3.Dot(eu, ev))
	theta := math.Acos(cosT)
	sinT := math.Sqrt(1 - cosT*cosT)
	if isNearZero(sinT) {
		return 0, g
	}

	g[0] = r3.Scale(1/(lu*sinT), r3.Sub(r3.Scale(cosT, eu), ev))
	g[2] = r3.Scale(1/(lv*sinT), r3.Sub(r3.Scale(cosT, ev), eu))
	g[1] = r3.Scale(-1, r3.Add(g[0], g[2]))
	return theta, g
}

// TorsionGrad returns the i-j-k-l dihedral and its derivatives with respect to
// the four points, using the Blondel-Karplus formulation which stays finite
// for every non-degenerate configuration. Collinear or zero-length input
// returns a zero value and a zero gradient.
func TorsionGrad(i, j, k, l r3.Vec) (float64, [4]r3.Vec) {
	var g [4]r3.Vec
	f := r3.Sub(i, j)
	gv := r3.Sub(j, k)
	h := r3.Sub(l, k)
	lg := r3.Norm(gv)
	if isNearZero(r3.Norm(f)) || isNearZero(lg) || isNearZero(r3.Norm(h)) {
		return 0, g
	}
	a := r3.Cross(f, gv)
	b := r3.Cross(h, gv)
	a2 := r3.Norm2(a)
	b2 := r3.Norm2(b)
	if isNearZero(math.Sqrt(a2)) || isNearZero(math.Sqrt(b2)) {
		return 0, g
	}

	fg := r3.Dot(f, gv)
	hg := r3.Dot(h, gv)
	g[0] = r3.Scale(-lg/a2, a)
	g[3] = r3.Scale(lg/b2, b)
	g[1] = r3.Add(r3.Scale(lg/a2+fg/(a2*lg), a), r3.Scale(-hg/(b2*lg), b))
	g[2] = r3.Add(r3.Scale(hg/(b2*lg)-lg/b2, b), r3.Scale(-fg/(a2*lg), a))

	return TorsionRadians(i, j, k, l), g
}

// OutOfPlaneGrad returns the Wilson angle of the j-l bond relative to the
// i-j-k plane and its derivatives with respect to the four points. Linear
// i-j-k arrangements, zero-length bonds and an out-of-plane angle of ±90°
// all give a zero gradient.
func OutOfPlaneGrad(i, j, k, l r3.Vec) (float64, [4]r3.Vec) {
	var g [4]r3.Vec
	chi, w, ok := wilson(i, j, k, l)
	if !ok {
		return 0, g
	}
	cosChi := math.Cos(chi)
	if cosChi < 1e-4 {
		return chi, g
	}
	tanChi := w.sinChi / cosChi
	st2 := w.sinTheta * w.sinTheta
	inv := 1 / (w.sinTheta * cosChi)

	g[3] = r3.Scale(1/w.rjl, r3.Sub(
		r3.Scale(inv, r3.Cross(w.eji, w.ejk)),
		r3.Scale(tanChi, w.ejl)))
	g[0] = r3.Scale(1/w.rji, r3.Sub(
		r3.Scale(inv, r3.Cross(w.ejk, w.ejl)),
		r3.Scale(tanChi/st2, r3.Sub(w.eji, r3.Scale(w.cosTheta, w.ejk)))))
	g[2] = r3.Scale(1/w.rjk, r3.Sub(
		r3.Scale(inv, r3.Cross(w.ejl, w.eji)),
		r3.Scale(tanChi/st2, r3.Sub(w.ejk, r3.Scale(w.cosTheta, w.eji)))))
	g[1] = r3.Scale(-1, r3.Add(r3.Add(g[0], g[2]), g[3]))
	return chi, g
}
