package minimize

import (
	"fmt"

	"github.com/copyleftdev/molmin/internal/forcefield"
)

// Status is a phase token sent to a Reporter.
type Status string

const (
	StatusCalculating Status = "calculating"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
)

// StepReport describes one completed step. Energies are in display units.
type StepReport struct {
	Step   int              `json:"step"`
	Energy float64          `json:"energy"`
	Delta  float64          `json:"delta"`
	Units  forcefield.Units `json:"units"`
}

// Reporter receives phase changes and per-step progress. Calls are made from
// the goroutine driving the engine, with the engine locked, so a Reporter
// must not call back into the engine.
type Reporter interface {
	Status(s Status)
	Step(r StepReport)
}

// Reporters fans out to several reporters in order.
type Reporters []Reporter

func (rs Reporters) Status(s Status) {
	for _, r := range rs {
		r.Status(s)
	}
}

func (rs Reporters) Step(sr StepReport) {
	for _, r := range rs {
		r.Step(sr)
	}
}

type nopReporter struct{}

func (nopReporter) Status(Status)   {}
func (nopReporter) Step(StepReport) {}

// Outcome is how a minimization ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeConverged
	OutcomeStepBudgetExhausted
	OutcomeExploded
	OutcomeCancelled
	OutcomeEnergyOnly
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConverged:
		return "converged"
	case OutcomeStepBudgetExhausted:
		return "step_budget_exhausted"
	case OutcomeExploded:
		return "exploded"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeEnergyOnly:
		return "energy_only"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result summarizes a finished minimization. Energies are in display units.
type Result struct {
	Outcome       Outcome          `json:"outcome"`
	ForceField    string           `json:"force_field"`
	Steps         int              `json:"steps"`
	InitialEnergy float64          `json:"initial_energy"`
	FinalEnergy   float64          `json:"final_energy"`
	Units         forcefield.Units `json:"units"`
	RMSGradient   float64          `json:"rms_gradient"`
	// Terms is the final energy split by contribution, when the force
	// field reports one.
	Terms *forcefield.Terms `json:"terms,omitempty"`
	// RolledBack is set when the stored coordinates were restored to the
	// geometry captured at start.
	RolledBack bool   `json:"rolled_back"`
	Message    string `json:"message"`
}

func (r *Result) describe() string {
	switch r.Outcome {
	case OutcomeConverged:
		return fmt.Sprintf("converged after %d steps, E = %.5f %s", r.Steps, r.FinalEnergy, r.Units.Label())
	case OutcomeStepBudgetExhausted:
		return fmt.Sprintf("step budget of %d exhausted, E = %.5f %s", r.Steps, r.FinalEnergy, r.Units.Label())
	case OutcomeExploded:
		return fmt.Sprintf("minimization exploded after %d steps; coordinates restored to the starting geometry", r.Steps)
	case OutcomeCancelled:
		if r.RolledBack {
			return fmt.Sprintf("cancelled after %d steps; coordinates restored to the starting geometry", r.Steps)
		}
		return fmt.Sprintf("cancelled after %d steps; current coordinates kept, E = %.5f %s", r.Steps, r.FinalEnergy, r.Units.Label())
	case OutcomeEnergyOnly:
		return fmt.Sprintf("E = %.5f %s (no steps taken)", r.FinalEnergy, r.Units.Label())
	default:
		return ""
	}
}
