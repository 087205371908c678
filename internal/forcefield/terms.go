package forcefield

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/molmin/internal/constraint"
	"github.com/copyleftdev/molmin/internal/geometry"
)

// accumulate adds scale*d[n] to grad[atoms[n]]. A nil grad is ignored.
func accumulate(grad []r3.Vec, atoms []int, d []r3.Vec, scale float64) {
	if grad == nil || scale == 0 {
		return
	}
	for n, a := range atoms {
		grad[a] = r3.Add(grad[a], r3.Scale(scale, d[n]))
	}
}

func (h *Harmonic) stretch(s stretchTerm, pos, grad []r3.Vec) float64 {
	r, d := geometry.DistanceGrad(pos[s.a], pos[s.b], h.rng)
	dr := r - s.r0
	accumulate(grad, []int{s.a, s.b}, d[:], s.k*dr)
	return 0.5 * s.k * dr * dr
}

// bendValue returns the a-b-c angle with its gradient. A linear triple keeps
// its geometric value of π with a zero gradient.
func bendValue(a, b, c r3.Vec) (float64, [3]r3.Vec) {
	_, d := geometry.AngleGrad(a, b, c)
	return geometry.AngleRadians(a, b, c), d
}

func bend(b bendTerm, pos, grad []r3.Vec) float64 {
	theta, d := bendValue(pos[b.i], pos[b.j], pos[b.k])
	dt := theta - b.theta0
	accumulate(grad, []int{b.i, b.j, b.k}, d[:], b.forceK*dt)
	return 0.5 * b.forceK * dt * dt
}

func torsion(t torsionTerm, pos, grad []r3.Vec) float64 {
	phi, d := geometry.TorsionGrad(pos[t.i], pos[t.j], pos[t.k], pos[t.l])
	half := 0.5 * t.v
	accumulate(grad, []int{t.i, t.j, t.k, t.l}, d[:], half*t.sign*t.n*math.Sin(t.n*phi))
	return half * (1 - t.sign*math.Cos(t.n*phi))
}

func inversion(w inversionTerm, pos, grad []r3.Vec) float64 {
	chi, d := geometry.OutOfPlaneGrad(pos[w.i], pos[w.j], pos[w.k], pos[w.l])
	accumulate(grad, []int{w.i, w.j, w.k, w.l}, d[:], w.forceK*chi)
	return 0.5 * w.forceK * chi * chi
}

func (h *Harmonic) vdw(p pairTerm, pos, grad []r3.Vec) float64 {
	r, d := geometry.DistanceGrad(pos[p.a], pos[p.b], h.rng)
	if r < geometry.MinSeparation {
		r = geometry.MinSeparation
	}
	x := math.Pow(p.rStar/r, 6)
	accumulate(grad, []int{p.a, p.b}, d[:], 12*p.eps/r*(x-x*x))
	return p.eps * (x*x - 2*x)
}

func (h *Harmonic) restrain(r restraintTerm, pos, grad []r3.Vec) float64 {
	var value float64
	var d []r3.Vec
	switch r.kind {
	case constraint.Distance:
		v, g := geometry.DistanceGrad(pos[r.atoms[0]], pos[r.atoms[1]], h.rng)
		value, d = v, g[:]
	case constraint.Angle:
		v, g := bendValue(pos[r.atoms[0]], pos[r.atoms[1]], pos[r.atoms[2]])
		value, d = v, g[:]
	case constraint.Torsion:
		v, g := geometry.TorsionGrad(pos[r.atoms[0]], pos[r.atoms[1]], pos[r.atoms[2]], pos[r.atoms[3]])
		value, d = v, g[:]
	default:
		return 0
	}
	dv := value - r.target
	if r.kind == constraint.Torsion {
		dv = wrapAngle(dv)
	}
	accumulate(grad, r.atoms, d, r.forceK*dv)
	return 0.5 * r.forceK * dv * dv
}

// wrapAngle maps a in radians onto (-π, π].
func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
