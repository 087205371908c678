package forcefield

import (
	"fmt"
	"strings"
)

// KJPerKcal is the number of kilojoules in one kilocalorie.
const KJPerKcal = 4.184

// Units is an energy unit, always per mole.
type Units int

const (
	KJ Units = iota
	Kcal
)

func (u Units) String() string {
	if u == Kcal {
		return "kcal"
	}
	return "kJ"
}

// Label returns the unit with its per-mole suffix.
func (u Units) Label() string {
	return u.String() + "/mol"
}

// ParseUnits accepts "kJ", "kcal" and their "/mol" forms, case-insensitively.
func ParseUnits(s string) (Units, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "/mol") {
	case "kj", "":
		return KJ, nil
	case "kcal":
		return Kcal, nil
	}
	return KJ, fmt.Errorf("unknown energy units %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (u Units) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Units) UnmarshalText(b []byte) error {
	parsed, err := ParseUnits(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Convert converts an energy between units.
func Convert(e float64, from, to Units) float64 {
	if from == to {
		return e
	}
	if from == Kcal {
		return e * KJPerKcal
	}
	return e / KJPerKcal
}
