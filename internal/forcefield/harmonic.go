package forcefield

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/molmin/internal/constraint"
	"github.com/copyleftdev/molmin/internal/geometry"
	"github.com/copyleftdev/molmin/internal/topology"
)

type hybridization int

const (
	sp3 hybridization = iota
	sp2
	sp
)

func (h hybridization) String() string {
	switch h {
	case sp:
		return "sp"
	case sp2:
		return "sp2"
	default:
		return "sp3"
	}
}

// Terms is the energy split by contribution.
type Terms struct {
	Bond       float64 `json:"bond"`
	Angle      float64 `json:"angle"`
	Torsion    float64 `json:"torsion"`
	OutOfPlane float64 `json:"out_of_plane"`
	VdW        float64 `json:"vdw"`
	Restraint  float64 `json:"restraint"`
}

// Total returns the sum of all contributions.
func (t Terms) Total() float64 {
	return t.Bond + t.Angle + t.Torsion + t.OutOfPlane + t.VdW + t.Restraint
}

func (t Terms) scaled(f float64) Terms {
	return Terms{
		Bond:       t.Bond * f,
		Angle:      t.Angle * f,
		Torsion:    t.Torsion * f,
		OutOfPlane: t.OutOfPlane * f,
		VdW:        t.VdW * f,
		Restraint:  t.Restraint * f,
	}
}

type stretchTerm struct {
	a, b  int
	r0, k float64
}

type bendTerm struct {
	i, j, k        int
	theta0, forceK float64
}

type torsionTerm struct {
	i, j, k, l int
	v          float64
	n          float64
	// sign is +1 for barriers with a minimum at φ=0 and -1 for staggered
	// minima.
	sign float64
}

type inversionTerm struct {
	i, j, k, l int
	forceK     float64
}

type pairTerm struct {
	a, b       int
	rStar, eps float64
}

type restraintTerm struct {
	atoms  []int
	kind   constraint.Kind
	target float64
	forceK float64
}

// Harmonic is a reference force field built from harmonic stretch and bend
// terms, cosine torsions, Wilson inversions, a 12-6 van der Waals pair term
// and harmonic restraints for constraints.
type Harmonic struct {
	preset Preset
	params *Parameters
	logger *zap.Logger
	rng    *rand.Rand

	n          int
	fixed      []bool
	hybrid     []hybridization
	stretches  []stretchTerm
	bends      []bendTerm
	torsions   []torsionTerm
	inversions []inversionTerm
	pairs      []pairTerm
	restraints []restraintTerm
}

// NewHarmonic returns a harmonic force field using preset and params.
func NewHarmonic(preset Preset, params *Parameters, logger *zap.Logger) *Harmonic {
	if params == nil {
		params = DefaultParameters()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harmonic{
		preset: preset,
		params: params,
		logger: logger.Named("forcefield").With(zap.String("force_field", preset.Name)),
		rng:    geometry.NewRand(1),
	}
}

func (h *Harmonic) Name() string        { return h.preset.Name }
func (h *Harmonic) Units() Units        { return h.preset.Native }
func (h *Harmonic) RequiresBonds() bool { return h.preset.RequireBonds }

// AcceptTopology types every atom and builds the energy terms.
func (h *Harmonic) AcceptTopology(s Setup) error {
	const op = "Harmonic.AcceptTopology"
	t := s.Topology
	if t == nil || len(t.Atoms) == 0 {
		return fmt.Errorf("%s: %w", op, topology.ErrEmptySelection)
	}
	if h.preset.RequireBonds && len(t.Bonds) == 0 {
		return fmt.Errorf("%s: %w", op, topology.ErrNoBonds)
	}

	elems := make([]Element, len(t.Atoms))
	for i := range t.Atoms {
		at := &t.Atoms[i]
		e, ok := h.params.Lookup(at.Element)
		if !ok {
			if h.preset.Strict {
				return fmt.Errorf("%s: %w: no parameters for element %q (atom %d)",
					op, ErrAtomTyping, at.Element, at.External)
			}
			e = h.params.Generic
		}
		if h.preset.Strict && at.Degree() > e.MaxValence {
			return fmt.Errorf("%s: %w: atom %d (%s) has %d bonds, valence %d",
				op, ErrAtomTyping, at.External, at.Element, at.Degree(), e.MaxValence)
		}
		elems[i] = e
	}

	h.n = len(t.Atoms)
	h.fixed = make([]bool, h.n)
	copy(h.fixed, s.Fixed)
	h.hybrid = make([]hybridization, h.n)
	for i := range t.Atoms {
		h.hybrid[i] = classify(t, i)
	}

	h.buildStretches(t, elems)
	h.buildBends(t)
	h.buildTorsions(t)
	h.buildInversions(t)
	h.buildPairs(t, elems)
	h.buildRestraints(s.Constraints)

	h.logger.Debug("Accepted topology",
		zap.Int("stretches", len(h.stretches)),
		zap.Int("bends", len(h.bends)),
		zap.Int("torsions", len(h.torsions)),
		zap.Int("inversions", len(h.inversions)),
		zap.Int("pairs", len(h.pairs)),
		zap.Int("restraints", len(h.restraints)))
	return nil
}

func classify(t *topology.Topology, i int) hybridization {
	at := &t.Atoms[i]
	var doubles, triples, aromatic int
	for _, b := range at.BondTerms {
		switch t.Bonds[b].Order {
		case topology.Double:
			doubles++
		case topology.Triple:
			triples++
		case topology.Aromatic:
			aromatic++
		}
	}
	switch {
	case at.Degree() <= 2 && (triples > 0 || doubles >= 2):
		return sp
	case at.Degree() <= 3 && (doubles > 0 || aromatic > 0 || triples > 0):
		return sp2
	default:
		return sp3
	}
}

func orderValue(o topology.BondOrder) float64 {
	if o == topology.Aromatic {
		return 1.5
	}
	return float64(o)
}

func (h *Harmonic) buildStretches(t *topology.Topology, elems []Element) {
	h.stretches = make([]stretchTerm, len(t.Bonds))
	for i, b := range t.Bonds {
		n := orderValue(b.Order)
		sum := elems[b.A].CovalentRadius + elems[b.B].CovalentRadius
		h.stretches[i] = stretchTerm{
			a: b.A, b: b.B,
			r0: sum * (1 - 0.1332*math.Log(n)),
			k:  h.params.BondK * n,
		}
	}
}

func (h *Harmonic) buildBends(t *topology.Topology) {
	h.bends = make([]bendTerm, len(t.Angles))
	for n, a := range t.Angles {
		var theta0 float64
		switch {
		case t.Atoms[a.J].Degree() > 4:
			// Octahedral and trigonal-bipyramidal centres: pick the nearer
			// of the two ideal angles from the input geometry.
			theta0 = math.Pi / 2
			if geometry.AngleRadians(t.Atoms[a.I].Position, t.Atoms[a.J].Position, t.Atoms[a.K].Position) > 3*math.Pi/4 {
				theta0 = math.Pi
			}
		case h.hybrid[a.J] == sp:
			theta0 = math.Pi
		case h.hybrid[a.J] == sp2:
			theta0 = 120 * geometry.DegToRad
		default:
			theta0 = 109.47 * geometry.DegToRad
		}
		h.bends[n] = bendTerm{i: a.I, j: a.J, k: a.K, theta0: theta0, forceK: h.params.AngleK}
	}
}

func (h *Harmonic) buildTorsions(t *topology.Topology) {
	type axis struct{ a, b int }
	key := func(j, k int) axis {
		if j > k {
			j, k = k, j
		}
		return axis{j, k}
	}
	perAxis := make(map[axis]int)
	for _, d := range t.Torsions {
		perAxis[key(d.J, d.K)]++
	}

	h.torsions = h.torsions[:0]
	for _, d := range t.Torsions {
		hj, hk := h.hybrid[d.J], h.hybrid[d.K]
		if hj == sp || hk == sp {
			continue
		}
		order := bondOrderBetween(t, d.J, d.K)
		term := torsionTerm{i: d.I, j: d.J, k: d.K, l: d.L}
		switch {
		case order == topology.Double:
			term.v, term.n, term.sign = h.params.TorsionDouble, 2, 1
		case order == topology.Aromatic:
			term.v, term.n, term.sign = h.params.TorsionAromatic, 2, 1
		case hj == sp2 && hk == sp2:
			term.v, term.n, term.sign = h.params.TorsionConjugate, 2, 1
		case hj == sp3 && hk == sp3:
			term.v, term.n, term.sign = h.params.TorsionSP3, 3, -1
		default:
			term.v, term.n, term.sign = h.params.TorsionSP2SP3, 6, 1
		}
		term.v /= float64(perAxis[key(d.J, d.K)])
		h.torsions = append(h.torsions, term)
	}
}

func bondOrderBetween(t *topology.Topology, a, b int) topology.BondOrder {
	at := &t.Atoms[a]
	for n, nb := range at.Neighbors {
		if nb == b {
			return t.Bonds[at.BondTerms[n]].Order
		}
	}
	return topology.Single
}

func (h *Harmonic) buildInversions(t *topology.Topology) {
	h.inversions = h.inversions[:0]
	for j := range t.Atoms {
		at := &t.Atoms[j]
		if at.Degree() != 3 || h.hybrid[j] != sp2 {
			continue
		}
		a, b, c := at.Neighbors[0], at.Neighbors[1], at.Neighbors[2]
		k := h.params.OutOfPlaneK / 3
		h.inversions = append(h.inversions,
			inversionTerm{i: a, j: j, k: b, l: c, forceK: k},
			inversionTerm{i: b, j: j, k: c, l: a, forceK: k},
			inversionTerm{i: c, j: j, k: a, l: b, forceK: k},
		)
	}
}

func (h *Harmonic) buildPairs(t *topology.Topology, elems []Element) {
	vicinal := make(map[[2]int]bool)
	for _, p := range t.Pairs14() {
		vicinal[p] = true
	}
	h.pairs = h.pairs[:0]
	for a := 0; a < h.n; a++ {
		for b := a + 1; b < h.n; b++ {
			if rel := t.Relation(a, b); rel == topology.Bonded || rel == topology.Geminal {
				continue
			}
			scale := 1.0
			if vicinal[[2]int{a, b}] {
				scale = h.params.VdW14Scale
			}
			h.pairs = append(h.pairs, pairTerm{
				a: a, b: b,
				rStar: elems[a].VdWRadius + elems[b].VdWRadius,
				eps:   scale * math.Sqrt(elems[a].WellDepth*elems[b].WellDepth),
			})
		}
	}
}

func (h *Harmonic) buildRestraints(active []constraint.Active) {
	h.restraints = h.restraints[:0]
	for _, c := range active {
		r := restraintTerm{atoms: append([]int(nil), c.Atoms...), kind: c.Kind}
		switch c.Kind {
		case constraint.Distance:
			r.target, r.forceK = c.Target, h.params.RestraintDistanceK
		case constraint.Angle, constraint.Torsion:
			r.target, r.forceK = c.Target*geometry.DegToRad, h.params.RestraintAngleK
		default:
			continue
		}
		h.restraints = append(h.restraints, r)
	}
}

// Energy returns the total energy at pos in native units and, when grad is
// non-nil, its gradient.
func (h *Harmonic) Energy(pos, grad []r3.Vec) float64 {
	return h.EnergyTerms(pos, grad).Total()
}

// EnergyTerms is Energy with the per-contribution breakdown.
func (h *Harmonic) EnergyTerms(pos, grad []r3.Vec) Terms {
	for i := range grad {
		grad[i] = r3.Vec{}
	}
	var t Terms
	for _, s := range h.stretches {
		t.Bond += h.stretch(s, pos, grad)
	}
	for _, b := range h.bends {
		t.Angle += bend(b, pos, grad)
	}
	for _, d := range h.torsions {
		t.Torsion += torsion(d, pos, grad)
	}
	for _, w := range h.inversions {
		t.OutOfPlane += inversion(w, pos, grad)
	}
	for _, p := range h.pairs {
		t.VdW += h.vdw(p, pos, grad)
	}
	for _, r := range h.restraints {
		t.Restraint += h.restrain(r, pos, grad)
	}

	if h.preset.Native == KJ {
		return t
	}
	f := Convert(1, KJ, h.preset.Native)
	for i := range grad {
		grad[i] = r3.Scale(f, grad[i])
	}
	return t.scaled(f)
}
