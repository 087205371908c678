// Package forcefield defines the contract between the minimization engine and
// an empirical force field, and provides a reference harmonic force field in
// two flavours: a strictly typed "mmff" preset and a generic "uff" preset
// that accepts any element and serves as the fallback.
package forcefield

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/molmin/internal/constraint"
	"github.com/copyleftdev/molmin/internal/topology"
)

var (
	// ErrUnknownForceField is returned by New for an unregistered name.
	ErrUnknownForceField = errors.New("unknown force field")
	// ErrAtomTyping is returned by AcceptTopology when an atom cannot be typed.
	ErrAtomTyping = errors.New("atom typing failed")
)

// Setup is everything a force field needs to build its terms for one run.
type Setup struct {
	Topology *topology.Topology
	// Constraints are restraints resolved to local indices.
	Constraints []constraint.Active
	// Fixed marks local atoms whose positions must not change. A nil slice
	// means every atom may move.
	Fixed []bool
}

// StepState carries the line-search bookkeeping between steps.
type StepState struct {
	// Criterion is the energy change below which a step counts as converged.
	Criterion float64
	// Energy is the energy at the current positions, in native units.
	Energy float64
	// Delta is the energy change produced by the last step.
	Delta float64
	// Gradient is the gradient evaluated at the start of the last step.
	Gradient []r3.Vec
}

// ForceField computes energies and gradients for an accepted topology and
// advances positions along the negative gradient.
//
// Implementations must not retain the position slices they are handed
// beyond a call.
type ForceField interface {
	// Name returns the registered name.
	Name() string
	// Units returns the unit energies are computed in.
	Units() Units
	// RequiresBonds reports whether a topology without bonds is unusable.
	RequiresBonds() bool
	// AcceptTopology types the atoms and builds every energy term.
	AcceptTopology(s Setup) error
	// Energy returns the total energy at pos. When grad is non-nil it must
	// have len(pos) entries and receives dE/dx for every atom.
	Energy(pos, grad []r3.Vec) float64
	// TakeStep moves pos downhill in place and updates st.
	TakeStep(pos []r3.Vec, st *StepState)
	// IsConverged reports whether the last step changed the energy by less
	// than the criterion.
	IsConverged(st *StepState) bool
	// DetectExplosion reports whether pos is numerically unusable.
	DetectExplosion(pos []r3.Vec) bool
}

// TermReporter is implemented by force fields that can split their energy
// by contribution.
type TermReporter interface {
	EnergyTerms(pos, grad []r3.Vec) Terms
}

// TermsAt returns the energy breakdown of ff at pos in the display unit, or
// nil when ff does not implement TermReporter.
func TermsAt(ff ForceField, pos []r3.Vec, display Units) *Terms {
	tr, ok := ff.(TermReporter)
	if !ok {
		return nil
	}
	t := tr.EnergyTerms(pos, nil).scaled(Convert(1, ff.Units(), display))
	return &t
}

// ToDisplayUnits converts an energy computed by ff into the display unit.
func ToDisplayUnits(ff ForceField, energy float64, display Units) float64 {
	return Convert(energy, ff.Units(), display)
}

// Constructor builds a force field from shared parameters.
type Constructor func(params *Parameters, logger *zap.Logger) ForceField

var constructors = map[string]Constructor{
	MMFF: func(p *Parameters, l *zap.Logger) ForceField { return NewHarmonic(StrictPreset(), p, l) },
	UFF:  func(p *Parameters, l *zap.Logger) ForceField { return NewHarmonic(GenericPreset(), p, l) },
}

// Names returns the registered force-field names in sorted order.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a registered force field.
func Known(name string) bool {
	_, ok := constructors[strings.ToLower(name)]
	return ok
}

// New returns a fresh instance of the named force field. A nil params uses
// DefaultParameters and a nil logger is replaced by a no-op logger.
func New(name string, params *Parameters, logger *zap.Logger) (ForceField, error) {
	ctor, ok := constructors[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownForceField, name)
	}
	if params == nil {
		params = DefaultParameters()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return ctor(params, logger), nil
}
