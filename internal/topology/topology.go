// Package topology derives the bonded-term inventory a force field needs
// from a selection of atoms and a raw bond list: remapped bonds, unique
// angles and unique torsions, plus the 1-2/1-3/1-4 relations used to
// exclude or scale non-bonded interactions.
package topology

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrEmptySelection is returned when no usable atom is selected.
	ErrEmptySelection = errors.New("no atoms selected")
	// ErrNoBonds is reported by force fields that need bonded terms when the
	// selection contains no bond with both endpoints selected.
	ErrNoBonds = errors.New("selection contains no bonds")
)

// BondOrder is the normalized covalent order class of a bond.
type BondOrder int

const (
	Single   BondOrder = 1
	Double   BondOrder = 2
	Triple   BondOrder = 3
	Aromatic BondOrder = 5
)

// AromaticOrder is the raw order value callers use for aromatic bonds.
const AromaticOrder = 515

// NormalizeOrder maps a raw order onto {1,2,3,5}. Aromatic input (either the
// normalized 5 or the raw AromaticOrder) becomes Aromatic; anything
// unrecognized becomes Single.
func NormalizeOrder(raw int) BondOrder {
	switch raw {
	case 1, 2, 3:
		return BondOrder(raw)
	case int(Aromatic), AromaticOrder:
		return Aromatic
	default:
		return Single
	}
}

// Relation classifies how closely two atoms are bonded.
type Relation uint8

const (
	Unrelated Relation = iota
	// Bonded marks a 1-2 pair.
	Bonded
	// Geminal marks a 1-3 pair (both bonded to a common atom).
	Geminal
	// Vicinal marks a 1-4 pair (ends of a torsion path).
	Vicinal
)

func (r Relation) String() string {
	switch r {
	case Bonded:
		return "1-2"
	case Geminal:
		return "1-3"
	case Vicinal:
		return "1-4"
	default:
		return "none"
	}
}

// AtomRef is an atom as supplied by the caller, keyed by its external index.
type AtomRef struct {
	Index    int
	Element  string
	Position r3.Vec
}

// BondRef is a bond between two external atom indices.
type BondRef struct {
	A, B  int
	Order int
}

// Atom is the engine-local view of a selected atom.
type Atom struct {
	// Index is the dense local index.
	Index int
	// External is the caller's index for this atom.
	External int
	Element  string
	Position r3.Vec
	// Neighbors holds local indices of bonded atoms in ascending order;
	// BondTerms[n] is the bond connecting to Neighbors[n].
	Neighbors []int
	BondTerms []int

	exclusions map[int]Relation
}

// Degree returns the number of bonded neighbors.
func (a *Atom) Degree() int {
	return len(a.Neighbors)
}

// Bond is a bond term between two local atoms. A is the atom with the lower
// external index.
type Bond struct {
	A, B  int
	Order BondOrder
	// Payload is reserved for the force field and never read by the engine.
	Payload any
}

// Angle is the i-j-k bend term with j as the vertex and I < K.
type Angle struct {
	I, J, K int
	// Bonds are the i-j and j-k bond terms.
	Bonds [2]int
}

// Torsion is the i-j-k-l dihedral term.
type Torsion struct {
	I, J, K, L int
	// Angle is the i-j-k angle term the torsion extends.
	Angle int
	// Bond is the k-l bond term.
	Bond int
}

// Topology is the derived bonded-term inventory for one selection.
type Topology struct {
	Atoms    []Atom
	Bonds    []Bond
	Angles   []Angle
	Torsions []Torsion
	// Fragments is the number of covalently connected pieces.
	Fragments int

	local map[int]int
}

// Local returns the local index for an external atom index.
func (t *Topology) Local(external int) (int, bool) {
	i, ok := t.local[external]
	return i, ok
}

// Relation returns the closest bonded relation between two local atoms.
func (t *Topology) Relation(a, b int) Relation {
	if a < 0 || a >= len(t.Atoms) {
		return Unrelated
	}
	return t.Atoms[a].exclusions[b]
}

// Pairs14 returns every atom pair whose closest relation is 1-4, with the
// lower local index first.
func (t *Topology) Pairs14() [][2]int {
	var pairs [][2]int
	for i := range t.Atoms {
		for j, rel := range t.Atoms[i].exclusions {
			if rel == Vicinal && i < j {
				pairs = append(pairs, [2]int{i, j})
			}
		}
	}
	sortPairs(pairs)
	return pairs
}

// Positions returns a fresh copy of the atom coordinates in local order.
func (t *Topology) Positions() []r3.Vec {
	pos := make([]r3.Vec, len(t.Atoms))
	for i := range t.Atoms {
		pos[i] = t.Atoms[i].Position
	}
	return pos
}

// mark records a relation between two atoms, keeping the closer one.
func (t *Topology) mark(a, b int, rel Relation) {
	if a == b {
		return
	}
	for _, p := range [2][2]int{{a, b}, {b, a}} {
		at := &t.Atoms[p[0]]
		if at.exclusions == nil {
			at.exclusions = make(map[int]Relation)
		}
		if cur, ok := at.exclusions[p[1]]; !ok || rel < cur {
			at.exclusions[p[1]] = rel
		}
	}
}
