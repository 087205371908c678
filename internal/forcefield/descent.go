package forcefield

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/molmin/internal/geometry"
)

// Line-search constants for the steepest-descent step.
const (
	initialStep     = 0.2
	maxStep         = 1.0
	trustRadius     = 0.3
	searchIters     = 10
	searchTolerance = 1e-3
	shrinkFactor    = 0.1
	growFactor      = 2.15
)

// TakeStep performs one steepest-descent step with a backtracking line
// search along the negative gradient. The energy never increases: trial
// points that raise it are discarded. Fixed atoms do not move.
func (h *Harmonic) TakeStep(pos []r3.Vec, st *StepState) {
	if len(st.Gradient) != len(pos) {
		st.Gradient = make([]r3.Vec, len(pos))
	}
	e0 := h.Energy(pos, st.Gradient)
	for i := range st.Gradient {
		if i < len(h.fixed) && h.fixed[i] {
			st.Gradient[i] = r3.Vec{}
		}
	}

	start := append([]r3.Vec(nil), pos...)
	move := func(alpha float64) {
		for i, g := range st.Gradient {
			d := r3.Scale(-alpha, g)
			if l := r3.Norm(d); l > trustRadius {
				d = r3.Scale(trustRadius/l, d)
			}
			pos[i] = r3.Add(start[i], d)
		}
	}

	e1 := e0
	alpha, step := 0.0, initialStep
	for iter := 0; iter < searchIters; iter++ {
		move(alpha + step)
		e2 := h.Energy(pos, nil)
		improved := e2 < e1
		if improved {
			alpha += step
		}
		if improved && math.Abs(e2-e1) < searchTolerance {
			e1 = e2
			break
		}
		if !improved {
			step *= shrinkFactor
			continue
		}
		e1 = e2
		step = math.Min(step*growFactor, maxStep)
	}
	move(alpha)

	st.Delta = e1 - e0
	st.Energy = e1
	h.logger.Debug("Line search finished",
		zap.Float64("energy", e1),
		zap.Float64("delta", st.Delta),
		zap.Float64("alpha", alpha))
}

// IsConverged reports whether the last step changed the energy by less than
// the criterion.
func (h *Harmonic) IsConverged(st *StepState) bool {
	return math.Abs(st.Delta) < st.Criterion
}

// DetectExplosion reports non-finite coordinates or any bond stretched past
// the explosion distance.
func (h *Harmonic) DetectExplosion(pos []r3.Vec) bool {
	for _, p := range pos {
		if !geometry.IsFinite(p) {
			return true
		}
	}
	limit := h.params.ExplosionDistance * h.params.ExplosionDistance
	for _, s := range h.stretches {
		if geometry.Distance2(pos[s.a], pos[s.b]) > limit {
			return true
		}
	}
	return false
}
