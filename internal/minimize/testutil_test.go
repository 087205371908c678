package minimize

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/molmin/internal/forcefield"
	"github.com/copyleftdev/molmin/internal/molecule"
)

// fakeForceField pulls every atom towards the origin with E = Σ|x|² and
// halves the coordinates on each step. It can be told to reject the
// topology or to blow up at a given step.
type fakeForceField struct {
	name      string
	acceptErr error
	explodeAt int
	steps     int
	fixed     []bool
}

func (f *fakeForceField) Name() string            { return f.name }
func (f *fakeForceField) Units() forcefield.Units { return forcefield.KJ }
func (f *fakeForceField) RequiresBonds() bool     { return false }
func (f *fakeForceField) IsConverged(st *forcefield.StepState) bool {
	return math.Abs(st.Delta) < st.Criterion
}

func (f *fakeForceField) AcceptTopology(s forcefield.Setup) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.fixed = s.Fixed
	return nil
}

func (f *fakeForceField) Energy(pos, grad []r3.Vec) float64 {
	var e float64
	for i, p := range pos {
		e += r3.Norm2(p)
		if grad != nil {
			grad[i] = r3.Scale(2, p)
		}
	}
	return e
}

func (f *fakeForceField) TakeStep(pos []r3.Vec, st *forcefield.StepState) {
	f.steps++
	if len(st.Gradient) != len(pos) {
		st.Gradient = make([]r3.Vec, len(pos))
	}
	e0 := f.Energy(pos, st.Gradient)
	for i := range pos {
		if f.fixed != nil && f.fixed[i] {
			continue
		}
		pos[i] = r3.Scale(0.5, pos[i])
	}
	if f.explodeAt > 0 && f.steps >= f.explodeAt {
		pos[0] = r3.Vec{X: math.NaN()}
	}
	e1 := f.Energy(pos, nil)
	st.Delta = e1 - e0
	st.Energy = e1
}

func (f *fakeForceField) DetectExplosion(pos []r3.Vec) bool {
	for _, p := range pos {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) {
			return true
		}
	}
	return false
}

// fakeFactory returns a constructor that hands out the listed force fields
// by name and falls back to the real registry for everything else.
func fakeFactory(ffs ...*fakeForceField) func(string, *forcefield.Parameters, *zap.Logger) (forcefield.ForceField, error) {
	return func(name string, p *forcefield.Parameters, l *zap.Logger) (forcefield.ForceField, error) {
		for _, f := range ffs {
			if f.name == name {
				return f, nil
			}
		}
		return forcefield.New(name, p, l)
	}
}

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	steps    []StepReport
}

func (r *recorder) Status(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) Step(sr StepReport) {
	r.mu.Lock()
	r.steps = append(r.steps, sr)
	r.mu.Unlock()
}

func (r *recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) Steps() []StepReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StepReport(nil), r.steps...)
}

// acetaldehyde returns a slightly distorted CH3-CHO.
func acetaldehyde(t *testing.T) *molecule.Molecule {
	t.Helper()
	m, err := molecule.New(
		[]molecule.Atom{
			{Element: "C"},
			{Element: "C", Position: r3.Vec{X: 1.52, Y: 0.05, Z: -0.02}},
			{Element: "O", Position: r3.Vec{X: 2.15, Y: 1.05, Z: 0.1}},
			{Element: "H", Position: r3.Vec{X: -0.38, Y: 1.01, Z: 0.12}},
			{Element: "H", Position: r3.Vec{X: -0.35, Y: -0.55, Z: 0.88}},
			{Element: "H", Position: r3.Vec{X: -0.33, Y: -0.48, Z: -0.91}},
			{Element: "H", Position: r3.Vec{X: 2.05, Y: -0.9, Z: -0.15}},
		},
		[]molecule.Bond{
			{A: 0, B: 1, Order: 1},
			{A: 1, B: 2, Order: 2},
			{A: 0, B: 3, Order: 1},
			{A: 0, B: 4, Order: 1},
			{A: 0, B: 5, Order: 1},
			{A: 1, B: 6, Order: 1},
		},
	)
	require.NoError(t, err)
	return m
}

// diatomic returns two bonded carbons stretched past their rest length.
func diatomic(t *testing.T) *molecule.Molecule {
	t.Helper()
	m, err := molecule.New(
		[]molecule.Atom{{Element: "C"}, {Element: "C", Position: r3.Vec{X: 1.7}}},
		[]molecule.Bond{{A: 0, B: 1, Order: 1}},
	)
	require.NoError(t, err)
	return m
}

// points returns n unbonded carbons away from the origin.
func points(t *testing.T, n int) *molecule.Molecule {
	t.Helper()
	atoms := make([]molecule.Atom, n)
	for i := range atoms {
		atoms[i] = molecule.Atom{Element: "C", Position: r3.Vec{X: float64(i + 1), Y: 1, Z: -1}}
	}
	m, err := molecule.New(atoms, nil)
	require.NoError(t, err)
	return m
}

var errRejected = errors.New("rejected")
