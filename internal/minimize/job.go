package minimize

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/copyleftdev/molmin/internal/constraint"
	"github.com/copyleftdev/molmin/internal/forcefield"
	"github.com/copyleftdev/molmin/internal/molecule"
)

// Job is a self-contained minimization request as accepted by the HTTP API
// and the command line tool. Unset fields take the caller's defaults.
type Job struct {
	Molecule    *molecule.Molecule      `json:"molecule"`
	Steps       *int                    `json:"steps,omitempty"`
	Criterion   float64                 `json:"criterion,omitempty"`
	ForceField  string                  `json:"force_field,omitempty"`
	Fallback    string                  `json:"fallback_force_field,omitempty"`
	Units       string                  `json:"units,omitempty"`
	Selection   []int                   `json:"selection,omitempty"`
	Fixed       []int                   `json:"fixed,omitempty"`
	Constraints []constraint.Constraint `json:"constraints,omitempty"`
}

// DecodeJob reads a JSON job document.
func DecodeJob(r io.Reader) (*Job, error) {
	var j Job
	if err := json.NewDecoder(r).Decode(&j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

// Config overlays the job's settings on defaults.
func (j *Job) Config(defaults Config) (Config, error) {
	cfg := defaults
	if j.Steps != nil {
		cfg.Steps = *j.Steps
	}
	if j.Criterion > 0 {
		cfg.Criterion = j.Criterion
	}
	if j.ForceField != "" {
		cfg.ForceField = j.ForceField
	}
	if j.Fallback != "" {
		cfg.Fallback = j.Fallback
	}
	if j.Units != "" {
		u, err := forcefield.ParseUnits(j.Units)
		if err != nil {
			return cfg, WrapError(err, KindConfiguration, "invalid job").WithOperation("Job.Config")
		}
		cfg.Units = u
	}
	if j.Selection != nil {
		cfg.Selection = j.Selection
	}
	if j.Fixed != nil {
		cfg.Fixed = j.Fixed
	}
	return cfg, nil
}

// Engine returns a configured engine over the job's molecule with the job's
// constraints registered.
func (j *Job) Engine(defaults Config, opts Options) (*Engine, error) {
	const op = "Job.Engine"
	if j.Molecule == nil {
		return nil, NewError(KindConfiguration, "job has no molecule").WithOperation(op)
	}
	cfg, err := j.Config(defaults)
	if err != nil {
		return nil, err
	}
	e := New(j.Molecule, opts)
	for _, c := range j.Constraints {
		if err := e.AddConstraint(c); err != nil {
			return nil, err
		}
	}
	if err := e.Configure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}
