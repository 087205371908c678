package forcefield

import "strings"

// Element holds the per-element data the harmonic force field types atoms
// with. Lengths are in Å, energies in kJ/mol.
type Element struct {
	CovalentRadius float64
	VdWRadius      float64
	WellDepth      float64
	MaxValence     int
}

// Parameters is a read-only parameter table. Build one with
// DefaultParameters and share it between force fields; nothing in this
// package mutates it after construction.
type Parameters struct {
	Elements map[string]Element
	// Generic is used for elements missing from Elements by presets that
	// allow it.
	Generic Element

	// BondK is the stretch force constant for a single bond, kJ/mol/Å².
	BondK float64
	// AngleK is the bend force constant, kJ/mol/rad².
	AngleK float64
	// OutOfPlaneK is the inversion force constant per trigonal centre,
	// kJ/mol/rad².
	OutOfPlaneK float64
	// Torsion barriers, kJ/mol, shared among all torsions about a bond.
	TorsionSP3       float64
	TorsionSP2SP3    float64
	TorsionConjugate float64
	TorsionAromatic  float64
	TorsionDouble    float64
	// VdW14Scale scales van der Waals interactions between 1-4 pairs.
	VdW14Scale float64
	// Restraint force constants for distance (kJ/mol/Å²) and angular
	// (kJ/mol/rad²) constraints.
	RestraintDistanceK float64
	RestraintAngleK    float64
	// ExplosionDistance is the bond length in Å past which a geometry is
	// considered to have blown up.
	ExplosionDistance float64
}

// Lookup returns the entry for an element symbol, matched case-insensitively.
func (p *Parameters) Lookup(symbol string) (Element, bool) {
	e, ok := p.Elements[normalizeSymbol(symbol)]
	return e, ok
}

func normalizeSymbol(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// DefaultParameters returns a freshly allocated parameter table.
func DefaultParameters() *Parameters {
	return &Parameters{
		Elements: map[string]Element{
			"H":  {CovalentRadius: 0.31, VdWRadius: 1.20, WellDepth: 0.184, MaxValence: 1},
			"B":  {CovalentRadius: 0.84, VdWRadius: 1.92, WellDepth: 0.753, MaxValence: 4},
			"C":  {CovalentRadius: 0.76, VdWRadius: 1.70, WellDepth: 0.439, MaxValence: 4},
			"N":  {CovalentRadius: 0.71, VdWRadius: 1.55, WellDepth: 0.289, MaxValence: 4},
			"O":  {CovalentRadius: 0.66, VdWRadius: 1.52, WellDepth: 0.251, MaxValence: 3},
			"F":  {CovalentRadius: 0.57, VdWRadius: 1.47, WellDepth: 0.209, MaxValence: 1},
			"Si": {CovalentRadius: 1.11, VdWRadius: 2.10, WellDepth: 1.682, MaxValence: 4},
			"P":  {CovalentRadius: 1.07, VdWRadius: 1.80, WellDepth: 1.276, MaxValence: 5},
			"S":  {CovalentRadius: 1.05, VdWRadius: 1.80, WellDepth: 1.146, MaxValence: 6},
			"Cl": {CovalentRadius: 1.02, VdWRadius: 1.75, WellDepth: 1.190, MaxValence: 1},
			"Br": {CovalentRadius: 1.20, VdWRadius: 1.85, WellDepth: 1.054, MaxValence: 1},
			"I":  {CovalentRadius: 1.39, VdWRadius: 1.98, WellDepth: 1.418, MaxValence: 1},
		},
		Generic: Element{CovalentRadius: 1.20, VdWRadius: 2.00, WellDepth: 0.400, MaxValence: 8},

		BondK:       700,
		AngleK:      300,
		OutOfPlaneK: 25,

		TorsionSP3:       8.4,
		TorsionSP2SP3:    4.2,
		TorsionConjugate: 20,
		TorsionAromatic:  25,
		TorsionDouble:    45,

		VdW14Scale: 0.5,

		RestraintDistanceK: 5000,
		RestraintAngleK:    2000,

		ExplosionDistance: 30,
	}
}

// Preset selects how strictly the harmonic force field types atoms.
type Preset struct {
	Name string
	// Strict rejects elements missing from the table and atoms bonded to
	// more neighbours than their valence allows.
	Strict bool
	// Native is the unit energies and gradients are reported in.
	Native Units
	// RequireBonds rejects topologies without bonds.
	RequireBonds bool
}

// Registered force-field names.
const (
	MMFF = "mmff"
	UFF  = "uff"
)

// StrictPreset types atoms strictly and reports in kcal/mol.
func StrictPreset() Preset {
	return Preset{Name: MMFF, Strict: true, Native: Kcal, RequireBonds: true}
}

// GenericPreset accepts any element and reports in kJ/mol.
func GenericPreset() Preset {
	return Preset{Name: UFF, Native: KJ}
}
