// Package molecule is an in-memory atom and bond store. It is the persistent
// coordinate storage minimization results are written back to.
package molecule

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/molmin/internal/topology"
)

// Atom is one stored atom. Its index is its position in the molecule.
type Atom struct {
	Element  string
	Position r3.Vec
}

type atomJSON struct {
	Element  string     `json:"element"`
	Position [3]float64 `json:"position"`
}

// MarshalJSON writes the position as a three element array.
func (a Atom) MarshalJSON() ([]byte, error) {
	return json.Marshal(atomJSON{
		Element:  a.Element,
		Position: [3]float64{a.Position.X, a.Position.Y, a.Position.Z},
	})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (a *Atom) UnmarshalJSON(b []byte) error {
	var v atomJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	a.Element = v.Element
	a.Position = r3.Vec{X: v.Position[0], Y: v.Position[1], Z: v.Position[2]}
	return nil
}

// Bond connects two atoms by index.
type Bond struct {
	A     int `json:"a"`
	B     int `json:"b"`
	Order int `json:"order,omitempty"`
}

// Molecule is safe for concurrent use.
type Molecule struct {
	mu    sync.RWMutex
	atoms []Atom
	bonds []Bond
}

type document struct {
	Atoms []Atom `json:"atoms"`
	Bonds []Bond `json:"bonds"`
}

// New returns a molecule holding copies of atoms and bonds. Bonds referencing
// atoms that do not exist are rejected.
func New(atoms []Atom, bonds []Bond) (*Molecule, error) {
	for i, b := range bonds {
		if b.A < 0 || b.A >= len(atoms) || b.B < 0 || b.B >= len(atoms) {
			return nil, fmt.Errorf("bond %d references atom outside 0..%d", i, len(atoms)-1)
		}
		if b.A == b.B {
			return nil, fmt.Errorf("bond %d joins atom %d to itself", i, b.A)
		}
	}
	return &Molecule{
		atoms: append([]Atom(nil), atoms...),
		bonds: append([]Bond(nil), bonds...),
	}, nil
}

// Decode reads a JSON molecule document.
func Decode(r io.Reader) (*Molecule, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode molecule: %w", err)
	}
	return New(doc.Atoms, doc.Bonds)
}

// MarshalJSON implements json.Marshaler.
func (m *Molecule) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(document{Atoms: m.atoms, Bonds: m.bonds})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Molecule) UnmarshalJSON(b []byte) error {
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	parsed, err := New(doc.Atoms, doc.Bonds)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.atoms, m.bonds = parsed.atoms, parsed.bonds
	m.mu.Unlock()
	return nil
}

// Len returns the number of atoms.
func (m *Molecule) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.atoms)
}

// Atoms returns the requested atoms as topology input, in request order.
// Out-of-range indices are skipped.
func (m *Molecule) Atoms(indices []int) []topology.AtomRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]topology.AtomRef, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(m.atoms) {
			continue
		}
		refs = append(refs, topology.AtomRef{Index: i, Element: m.atoms[i].Element, Position: m.atoms[i].Position})
	}
	return refs
}

// Bonds returns every bond as topology input.
func (m *Molecule) Bonds() []topology.BondRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]topology.BondRef, len(m.bonds))
	for i, b := range m.bonds {
		refs[i] = topology.BondRef{A: b.A, B: b.B, Order: b.Order}
	}
	return refs
}

// SetPositions overwrites the coordinates of the given atoms.
func (m *Molecule) SetPositions(indices []int, pos []r3.Vec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, i := range indices {
		if i >= 0 && i < len(m.atoms) && n < len(pos) {
			m.atoms[i].Position = pos[n]
		}
	}
}

// Positions returns a copy of every coordinate.
func (m *Molecule) Positions() []r3.Vec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos := make([]r3.Vec, len(m.atoms))
	for i, a := range m.atoms {
		pos[i] = a.Position
	}
	return pos
}

// Clone returns a deep copy.
func (m *Molecule) Clone() *Molecule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Molecule{
		atoms: append([]Atom(nil), m.atoms...),
		bonds: append([]Bond(nil), m.bonds...),
	}
}
