package topology

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Builder derives a Topology from raw atoms and bonds. Whether a bondless
// topology is usable is decided by the force field that accepts it.
type Builder struct{}

// Build filters the selection, remaps bonds to dense local indices and
// enumerates unique angles and torsions.
//
// Atoms without an element are dropped. Atom local indices follow selection
// order; bonds are emitted sorted by the external indices of their endpoints.
func (b Builder) Build(selection []AtomRef, bonds []BondRef) (*Topology, error) {
	t := &Topology{local: make(map[int]int, len(selection))}
	for _, ref := range selection {
		if strings.TrimSpace(ref.Element) == "" {
			continue
		}
		if _, dup := t.local[ref.Index]; dup {
			continue
		}
		t.local[ref.Index] = len(t.Atoms)
		t.Atoms = append(t.Atoms, Atom{
			Index:    len(t.Atoms),
			External: ref.Index,
			Element:  ref.Element,
			Position: ref.Position,
		})
	}
	if len(t.Atoms) == 0 {
		return nil, ErrEmptySelection
	}

	t.buildBonds(bonds)
	t.buildAngles()
	t.buildTorsions()
	t.Fragments = t.countFragments()
	return t, nil
}

func (t *Topology) buildBonds(refs []BondRef) {
	type key struct{ a, b int }
	seen := make(map[key]bool, len(refs))
	type raw struct {
		a, b  int // external
		order BondOrder
	}
	kept := make([]raw, 0, len(refs))
	for _, ref := range refs {
		a, b := ref.A, ref.B
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		if _, ok := t.local[a]; !ok {
			continue
		}
		if _, ok := t.local[b]; !ok {
			continue
		}
		k := key{a, b}
		if seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, raw{a: a, b: b, order: NormalizeOrder(ref.Order)})
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].a != kept[j].a {
			return kept[i].a < kept[j].a
		}
		return kept[i].b < kept[j].b
	})

	t.Bonds = make([]Bond, len(kept))
	for i, r := range kept {
		la, lb := t.local[r.a], t.local[r.b]
		t.Bonds[i] = Bond{A: la, B: lb, Order: r.order}
		t.Atoms[la].Neighbors = append(t.Atoms[la].Neighbors, lb)
		t.Atoms[la].BondTerms = append(t.Atoms[la].BondTerms, i)
		t.Atoms[lb].Neighbors = append(t.Atoms[lb].Neighbors, la)
		t.Atoms[lb].BondTerms = append(t.Atoms[lb].BondTerms, i)
		t.mark(la, lb, Bonded)
	}
	for i := range t.Atoms {
		sort.Sort(byNeighbor{&t.Atoms[i]})
	}
}

// buildAngles emits one angle per unordered neighbor pair of every central
// atom, so each atom contributes C(degree, 2) angles.
func (t *Topology) buildAngles() {
	for j := range t.Atoms {
		at := &t.Atoms[j]
		n := at.Degree()
		for x := 0; x < n-1; x++ {
			for y := x + 1; y < n; y++ {
				i, k := at.Neighbors[x], at.Neighbors[y]
				t.Angles = append(t.Angles, Angle{
					I: i, J: j, K: k,
					Bonds: [2]int{at.BondTerms[x], at.BondTerms[y]},
				})
				t.mark(i, k, Geminal)
			}
		}
	}
}

// buildTorsions extends each angle by one bond at an outer atom whose index
// exceeds the vertex index. The same four-atom path reached from the other
// central bond direction fails that test, so no torsion is emitted twice.
func (t *Topology) buildTorsions() {
	for ai, ang := range t.Angles {
		if ang.K > ang.J {
			t.extend(ai, ang.I, ang.J, ang.K)
		}
		if ang.I > ang.J {
			t.extend(ai, ang.K, ang.J, ang.I)
		}
	}
}

func (t *Topology) extend(angle, i, j, k int) {
	at := &t.Atoms[k]
	if at.Degree() == 1 {
		return
	}
	for n, l := range at.Neighbors {
		if l == i || l == j {
			continue
		}
		t.Torsions = append(t.Torsions, Torsion{
			I: i, J: j, K: k, L: l,
			Angle: angle,
			Bond:  at.BondTerms[n],
		})
		t.mark(i, l, Vicinal)
	}
}

func (t *Topology) countFragments() int {
	g := simple.NewUndirectedGraph()
	for i := range t.Atoms {
		g.AddNode(simple.Node(int64(i)))
	}
	for _, b := range t.Bonds {
		g.SetEdge(simple.Edge{F: simple.Node(int64(b.A)), T: simple.Node(int64(b.B))})
	}
	return len(topo.ConnectedComponents(g))
}

type byNeighbor struct{ a *Atom }

func (s byNeighbor) Len() int           { return len(s.a.Neighbors) }
func (s byNeighbor) Less(i, j int) bool { return s.a.Neighbors[i] < s.a.Neighbors[j] }
func (s byNeighbor) Swap(i, j int) {
	s.a.Neighbors[i], s.a.Neighbors[j] = s.a.Neighbors[j], s.a.Neighbors[i]
	s.a.BondTerms[i], s.a.BondTerms[j] = s.a.BondTerms[j], s.a.BondTerms[i]
}

func sortPairs(p [][2]int) {
	sort.Slice(p, func(i, j int) bool {
		if p[i][0] != p[j][0] {
			return p[i][0] < p[j][0]
		}
		return p[i][1] < p[j][1]
	})
}
