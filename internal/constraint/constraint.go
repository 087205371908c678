// Package constraint keeps user-supplied geometric restraints on atom
// tuples. A tuple is stored once regardless of traversal direction; adding
// it again only replaces the target.
package constraint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Kind is the geometric quantity a constraint holds fixed.
type Kind int

const (
	Distance Kind = iota + 2
	Angle
	Torsion
)

func (k Kind) String() string {
	switch k {
	case Distance:
		return "distance"
	case Angle:
		return "angle"
	case Torsion:
		return "torsion"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UnmarshalJSON accepts a kind name or the tuple length it implies.
func (k *Kind) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return k.UnmarshalText([]byte(s))
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("constraint kind %s: %w", b, err)
	}
	parsed, ok := KindForArity(n)
	if !ok {
		return fmt.Errorf("unknown constraint kind %d", n)
	}
	*k = parsed
	return nil
}

// Arity returns the number of atoms a constraint of this kind references.
func (k Kind) Arity() int {
	return int(k)
}

// ParseKind maps a kind name onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "distance", "bond":
		return Distance, nil
	case "angle":
		return Angle, nil
	case "torsion", "dihedral":
		return Torsion, nil
	}
	return 0, fmt.Errorf("unknown constraint kind %q", s)
}

// KindForArity returns the kind implied by a tuple length.
func KindForArity(n int) (Kind, bool) {
	switch n {
	case 2, 3, 4:
		return Kind(n), true
	}
	return 0, false
}

var (
	// ErrInvalidTuple is returned for tuples that are not 2 to 4 distinct atoms.
	ErrInvalidTuple = errors.New("constraint tuple must reference 2 to 4 distinct atoms")
	// ErrKindMismatch is returned when the kind disagrees with the tuple length.
	ErrKindMismatch = errors.New("constraint kind does not match tuple length")
)

// Constraint restrains a distance (Å), angle or torsion (degrees) defined by
// external atom indices.
type Constraint struct {
	Atoms  []int   `json:"atoms"`
	Kind   Kind    `json:"kind"`
	Target float64 `json:"target"`
}

// Active is a constraint resolved against a working set for one run.
type Active struct {
	// Atoms holds local indices in the same order as the stored tuple.
	Atoms  []int
	Kind   Kind
	Target float64
}

// Indexer resolves external atom indices to local ones.
type Indexer interface {
	Local(external int) (int, bool)
}

// Registry holds constraints keyed by their canonical tuple. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	items []Constraint
	index map[string]int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Canonical returns a copy of atoms ordered so the lower-indexed outer atom
// comes first. Reversing the tuple swaps both the outer and, for torsions,
// the middle pair.
func Canonical(atoms []int) []int {
	out := append([]int(nil), atoms...)
	if len(out) > 1 && out[0] > out[len(out)-1] {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func key(atoms []int) string {
	var b strings.Builder
	for i, a := range atoms {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(a))
	}
	return b.String()
}

// Add stores c, replacing the target of an existing constraint on the same
// tuple. An empty tuple clears every constraint. A zero Kind is inferred from
// the tuple length.
func (r *Registry) Add(c Constraint) error {
	if len(c.Atoms) == 0 {
		r.ClearAll()
		return nil
	}
	kind, ok := KindForArity(len(c.Atoms))
	if !ok {
		return fmt.Errorf("%w: got %d atoms", ErrInvalidTuple, len(c.Atoms))
	}
	if c.Kind != 0 && c.Kind != kind {
		return fmt.Errorf("%w: %s with %d atoms", ErrKindMismatch, c.Kind, len(c.Atoms))
	}
	seen := make(map[int]bool, len(c.Atoms))
	for _, a := range c.Atoms {
		if seen[a] {
			return fmt.Errorf("%w: atom %d repeated", ErrInvalidTuple, a)
		}
		seen[a] = true
	}

	atoms := Canonical(c.Atoms)
	k := key(atoms)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[k]; ok {
		r.items[i].Target = c.Target
		return nil
	}
	r.index[k] = len(r.items)
	r.items = append(r.items, Constraint{Atoms: atoms, Kind: kind, Target: c.Target})
	return nil
}

// ClearAll removes every constraint.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	r.items = nil
	r.index = make(map[string]int)
	r.mu.Unlock()
}

// Len returns the number of stored constraints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// List returns a copy of the stored constraints in insertion order.
func (r *Registry) List() []Constraint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Constraint, len(r.items))
	for i, c := range r.items {
		out[i] = Constraint{Atoms: append([]int(nil), c.Atoms...), Kind: c.Kind, Target: c.Target}
	}
	return out
}

// Resolve maps every constraint onto local indices. Constraints that
// reference an atom outside the working set are returned as disabled; they
// stay in the registry for later runs.
func (r *Registry) Resolve(idx Indexer) (active []Active, disabled []Constraint) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.items {
		local := make([]int, len(c.Atoms))
		ok := true
		for i, a := range c.Atoms {
			l, found := idx.Local(a)
			if !found {
				ok = false
				break
			}
			local[i] = l
		}
		if !ok {
			disabled = append(disabled, c)
			continue
		}
		active = append(active, Active{Atoms: local, Kind: c.Kind, Target: c.Target})
	}
	return active, disabled
}
