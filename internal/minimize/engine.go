// Package minimize drives steepest-descent geometry minimization: it builds
// the working set and topology, hands them to a force field, steps until
// convergence, the step budget or cancellation, and rolls coordinates back
// when the result is unusable.
package minimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/molmin/internal/constraint"
	"github.com/copyleftdev/molmin/internal/forcefield"
	"github.com/copyleftdev/molmin/internal/topology"
)

const (
	// DefaultSteps is the step budget used when none is configured.
	DefaultSteps = 100
	// DefaultCriterion is the default convergence threshold in native units.
	DefaultCriterion = 1e-3
	// MinCriterion is the floor applied to the convergence threshold.
	MinCriterion = 1e-4
	// DefaultFallback is the force field retried when setup fails.
	DefaultFallback = forcefield.UFF

	component   = "minimizer"
	reportEvery = 10
)

// State is the engine's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateRunning
	StateConverged
	StateExploded
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateConverged:
		return "converged"
	case StateExploded:
		return "exploded"
	case StateCancelled:
		return "cancelled"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// AtomSource is the caller's persistent atom storage.
type AtomSource interface {
	Len() int
	Atoms(indices []int) []topology.AtomRef
	Bonds() []topology.BondRef
	SetPositions(indices []int, pos []r3.Vec)
}

// Config holds the parameters of one minimization.
type Config struct {
	// Steps is the step budget. Zero or negative evaluates the energy
	// without moving any atom.
	Steps int
	// Criterion is the energy change below which a step counts as
	// converged. Values below MinCriterion are raised to it.
	Criterion float64
	// ForceField is the preferred force field; empty selects mmff.
	ForceField string
	// Fallback is retried once when ForceField cannot be set up; empty
	// selects DefaultFallback.
	Fallback string
	// Units is the display unit for reported energies.
	Units forcefield.Units
	// Selection lists the atoms to minimize. Nil selects every atom.
	Selection []int
	// Fixed lists atoms that take part in the energy but never move.
	Fixed []int
}

// Options are the collaborators of an Engine. Zero values are replaced by
// silent defaults.
type Options struct {
	Logger      *zap.Logger
	Parameters  *forcefield.Parameters
	Reporter    Reporter
	Constraints *constraint.Registry

	// NewForceField overrides force-field construction; nil uses
	// forcefield.New.
	NewForceField func(name string, params *forcefield.Parameters, logger *zap.Logger) (forcefield.ForceField, error)
}

// AtomPosition is the coordinate of one atom, keyed by its external index.
type AtomPosition struct {
	Index    int    `json:"index"`
	Position r3.Vec `json:"position"`
}

// Engine runs one minimization at a time over an AtomSource. All methods
// are safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	src         AtomSource
	params      *forcefield.Parameters
	logger      *zap.Logger
	reporter    Reporter
	constraints *constraint.Registry
	newFF       func(string, *forcefield.Parameters, *zap.Logger) (forcefield.ForceField, error)

	state      State
	configured bool
	cfg        Config

	ff       forcefield.ForceField
	topo     *topology.Topology
	topoKey  string
	external []int
	fixed    []bool

	pos       []r3.Vec
	lastGood  []r3.Vec
	st        forcefield.StepState
	step      int
	initial   float64
	converged bool
	result    *Result
}

// New returns an idle engine over src.
func New(src AtomSource, opts Options) *Engine {
	e := &Engine{
		src:         src,
		params:      opts.Parameters,
		logger:      opts.Logger,
		reporter:    opts.Reporter,
		constraints: opts.Constraints,
		newFF:       opts.NewForceField,
	}
	if e.newFF == nil {
		e.newFF = forcefield.New
	}
	if e.params == nil {
		e.params = forcefield.DefaultParameters()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named(component)
	if e.reporter == nil {
		e.reporter = nopReporter{}
	}
	if e.constraints == nil {
		e.constraints = constraint.NewRegistry()
	}
	return e
}

// Configure validates and stores cfg. The engine keeps its previous
// configuration when cfg is rejected.
func (e *Engine) Configure(cfg Config) error {
	const op = "Engine.Configure"
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		return WrapError(ErrRunning, KindState, "cannot reconfigure").WithOperation(op).WithComponent(component)
	}

	cfg.ForceField = strings.ToLower(strings.TrimSpace(cfg.ForceField))
	if cfg.ForceField == "" {
		cfg.ForceField = forcefield.MMFF
	}
	cfg.Fallback = strings.ToLower(strings.TrimSpace(cfg.Fallback))
	if cfg.Fallback == "" {
		cfg.Fallback = DefaultFallback
	}
	for _, name := range []string{cfg.ForceField, cfg.Fallback} {
		if _, err := e.newFF(name, e.params, e.logger); errors.Is(err, forcefield.ErrUnknownForceField) {
			return WrapErrorf(fmt.Errorf("%w: %w", ErrUnknownForceField, err), KindConfiguration, "force field %q", name).
				WithOperation(op).WithComponent(component)
		}
	}
	if math.IsNaN(cfg.Criterion) || cfg.Criterion < MinCriterion {
		cfg.Criterion = MinCriterion
	}
	if cfg.Selection != nil && len(cfg.Selection) == 0 {
		return WrapError(ErrEmptySelection, KindConfiguration, "selection is empty").
			WithOperation(op).WithComponent(component)
	}
	n := e.src.Len()
	for _, list := range [][]int{cfg.Selection, cfg.Fixed} {
		for _, i := range list {
			if i < 0 || i >= n {
				return NewErrorf(KindConfiguration, "atom %d outside 0..%d", i, n-1).
					WithOperation(op).WithComponent(component)
			}
		}
	}

	cfg.Selection = cloneInts(cfg.Selection)
	cfg.Fixed = cloneInts(cfg.Fixed)
	e.cfg = cfg
	e.configured = true
	if e.state == StateInitialized {
		e.state = StateIdle
	}
	return nil
}

// SetFixedAtoms replaces the fixed-atom set of the current configuration.
func (e *Engine) SetFixedAtoms(indices []int) error {
	const op = "Engine.SetFixedAtoms"
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		return WrapError(ErrRunning, KindState, "cannot change fixed atoms").WithOperation(op).WithComponent(component)
	}
	n := e.src.Len()
	for _, i := range indices {
		if i < 0 || i >= n {
			return NewErrorf(KindConfiguration, "atom %d outside 0..%d", i, n-1).
				WithOperation(op).WithComponent(component)
		}
	}
	e.cfg.Fixed = cloneInts(indices)
	if e.state == StateInitialized {
		e.state = StateIdle
	}
	return nil
}

// AddConstraint stores c in the engine's registry. It takes effect at the
// next Prepare. An empty atom tuple clears every constraint.
func (e *Engine) AddConstraint(c constraint.Constraint) error {
	if err := e.constraints.Add(c); err != nil {
		return WrapError(err, KindConfiguration, "add constraint").
			WithOperation("Engine.AddConstraint").WithComponent(component)
	}
	return nil
}

// Constraints returns the engine's constraint registry.
func (e *Engine) Constraints() *constraint.Registry {
	return e.constraints
}

// Prepare builds the topology for the working set and sets up the force
// field, retrying once with the fallback force field on failure. The
// topology is reused while the selection and fixed set are unchanged.
func (e *Engine) Prepare() error {
	const op = "Engine.Prepare"
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		return WrapError(ErrRunning, KindState, "cannot prepare").WithOperation(op).WithComponent(component)
	}
	if !e.configured {
		return WrapError(ErrNotConfigured, KindState, "cannot prepare").WithOperation(op).WithComponent(component)
	}
	e.reporter.Status(StatusCalculating)

	ws := e.workingSet()
	key := fingerprint(ws, e.cfg.Fixed)
	topo := e.topo
	if topo == nil || key != e.topoKey {
		t, err := topology.Builder{}.Build(e.src.Atoms(ws), e.src.Bonds())
		if err != nil {
			e.reporter.Status(StatusFailed)
			if errors.Is(err, topology.ErrEmptySelection) {
				return WrapErrorf(ErrEmptySelection, KindConfiguration, "no usable atoms among %d selected", len(ws)).
					WithOperation(op).WithComponent(component)
			}
			return WrapError(err, KindTopology, "build topology").WithOperation(op).WithComponent(component)
		}
		topo = t
		e.logger.Info("Built topology",
			zap.Int("atoms", len(topo.Atoms)),
			zap.Int("bonds", len(topo.Bonds)),
			zap.Int("angles", len(topo.Angles)),
			zap.Int("torsions", len(topo.Torsions)),
			zap.Int("fragments", topo.Fragments))
	} else {
		e.logger.Debug("Reusing topology", zap.Int("atoms", len(topo.Atoms)))
	}

	fixed := make([]bool, len(topo.Atoms))
	for _, f := range e.cfg.Fixed {
		if l, ok := topo.Local(f); ok {
			fixed[l] = true
		}
	}

	var active []constraint.Active
	disabled := e.constraints.Len()
	if e.cfg.Steps > 0 {
		var off []constraint.Constraint
		active, off = e.constraints.Resolve(topo)
		disabled = len(off)
	}
	if disabled > 0 {
		e.logger.Info("Constraints disabled for this run", zap.Int("disabled", disabled), zap.Int("active", len(active)))
	}

	names := []string{e.cfg.ForceField}
	if e.cfg.Fallback != e.cfg.ForceField {
		names = append(names, e.cfg.Fallback)
	}
	var (
		ff      forcefield.ForceField
		lastErr error
	)
	for attempt, name := range names {
		candidate, err := e.newFF(name, e.params, e.logger)
		if err == nil {
			if candidate.RequiresBonds() && len(topo.Bonds) == 0 {
				err = fmt.Errorf("%s: %w", name, ErrNoBonds)
			} else {
				err = candidate.AcceptTopology(forcefield.Setup{Topology: topo, Constraints: active, Fixed: fixed})
			}
		}
		if err == nil {
			ff = candidate
			break
		}
		lastErr = err
		if attempt+1 < len(names) {
			e.logger.Warn("Force field setup failed, retrying with fallback",
				zap.String("force_field", name),
				zap.String("fallback", names[attempt+1]),
				zap.Error(err))
		}
	}
	if ff == nil {
		e.reporter.Status(StatusFailed)
		return WrapError(fmt.Errorf("%w: %w", ErrForceFieldSetup, lastErr), KindForceField, "no force field accepted the topology").
			WithOperation(op).WithComponent(component)
	}

	external := make([]int, len(topo.Atoms))
	for i := range topo.Atoms {
		external[i] = topo.Atoms[i].External
	}
	e.topo, e.topoKey = topo, key
	e.ff = ff
	e.external = external
	e.fixed = fixed
	e.result = nil
	e.state = StateInitialized
	return nil
}

// Start snapshots the working coordinates, evaluates the initial energy and
// enters the Running state.
func (e *Engine) Start() error {
	const op = "Engine.Start"
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateInitialized:
	case StateRunning:
		return WrapError(ErrRunning, KindState, "cannot start").WithOperation(op).WithComponent(component)
	default:
		return WrapError(ErrNotPrepared, KindState, "cannot start").WithOperation(op).WithComponent(component)
	}

	refs := e.src.Atoms(e.external)
	if len(refs) != len(e.external) {
		return NewErrorf(KindTopology, "atom source lost %d working atoms", len(e.external)-len(refs)).
			WithOperation(op).WithComponent(component)
	}
	e.pos = make([]r3.Vec, len(refs))
	for i, r := range refs {
		e.pos[i] = r.Position
	}
	e.lastGood = append([]r3.Vec(nil), e.pos...)

	grad := make([]r3.Vec, len(e.pos))
	energy := e.ff.Energy(e.pos, grad)
	for i := range grad {
		if e.fixed[i] {
			grad[i] = r3.Vec{}
		}
	}
	e.st = forcefield.StepState{Criterion: e.cfg.Criterion, Energy: energy, Gradient: grad}
	e.step = 0
	e.initial = energy
	e.converged = false
	e.state = StateRunning

	e.reporter.Status(StatusStarting)
	e.reporter.Step(StepReport{Energy: e.display(energy), Units: e.cfg.Units})
	e.logger.Info("Minimization started",
		zap.String("force_field", e.ff.Name()),
		zap.Int("steps", e.cfg.Steps),
		zap.Float64("criterion", e.cfg.Criterion),
		zap.Float64("energy", e.display(energy)),
		zap.String("units", e.cfg.Units.Label()))
	if t := forcefield.TermsAt(e.ff, e.pos, e.cfg.Units); t != nil {
		e.logger.Debug("Energy terms",
			zap.Float64("bond", t.Bond),
			zap.Float64("angle", t.Angle),
			zap.Float64("torsion", t.Torsion),
			zap.Float64("out_of_plane", t.OutOfPlane),
			zap.Float64("vdw", t.VdW),
			zap.Float64("restraint", t.Restraint))
	}
	return nil
}

// Step advances the minimization by one force-field step. It returns false
// once no further step should be taken: the step budget is spent, the
// force field reports convergence or the energy is no longer finite.
func (e *Engine) Step() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return false, WrapError(ErrNotStarted, KindState, "cannot step").WithOperation("Engine.Step").WithComponent(component)
	}
	if e.cfg.Steps <= 0 || e.step >= e.cfg.Steps || e.converged {
		return false, nil
	}

	e.ff.TakeStep(e.pos, &e.st)
	e.step++
	e.src.SetPositions(e.external, e.pos)

	if e.step == 1 {
		e.reporter.Status(StatusRunning)
	}
	report := StepReport{
		Step:   e.step,
		Energy: e.display(e.st.Energy),
		Delta:  e.display(e.st.Delta),
		Units:  e.cfg.Units,
	}
	e.reporter.Step(report)
	fields := []zap.Field{
		zap.Int("step", report.Step),
		zap.Float64("energy", report.Energy),
		zap.Float64("delta", report.Delta),
	}
	if e.step%reportEvery == 0 {
		e.logger.Info("Minimization step", fields...)
	} else {
		e.logger.Debug("Minimization step", fields...)
	}

	if !isFinite(e.st.Energy) {
		return false, nil
	}
	if e.ff.IsConverged(&e.st) {
		e.converged = true
		return false, nil
	}
	return e.step < e.cfg.Steps, nil
}

// DetectExplosion reports whether the current working coordinates are
// numerically unusable. It does not change state; Finish acts on it.
func (e *Engine) DetectExplosion() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exploded()
}

func (e *Engine) exploded() bool {
	if e.ff == nil || e.pos == nil {
		return false
	}
	return !isFinite(e.st.Energy) || e.ff.DetectExplosion(e.pos)
}

// Finish ends a run that stopped on its own. An exploded geometry is
// rolled back to the coordinates captured by Start.
func (e *Engine) Finish() (*Result, error) {
	const op = "Engine.Finish"
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return nil, WrapError(ErrNotStarted, KindState, "cannot finish").WithOperation(op).WithComponent(component)
	}

	res := e.newResult()
	switch {
	case e.cfg.Steps <= 0:
		res.Outcome = OutcomeEnergyOnly
		e.state = StateIdle
	case e.exploded():
		e.rollback()
		res.Outcome = OutcomeExploded
		res.RolledBack = true
		res.FinalEnergy = e.display(e.initial)
		e.state = StateExploded
	case e.converged:
		res.Outcome = OutcomeConverged
		e.state = StateConverged
	default:
		res.Outcome = OutcomeStepBudgetExhausted
		e.state = StateConverged
	}
	return e.end(res), nil
}

// Stop ends a running minimization at the caller's request. With ok set the
// current coordinates are kept; otherwise they are rolled back to the
// coordinates captured by Start.
func (e *Engine) Stop(ok bool) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return nil, WrapError(ErrNotStarted, KindState, "cannot stop").WithOperation("Engine.Stop").WithComponent(component)
	}
	res := e.newResult()
	res.Outcome = OutcomeCancelled
	if !ok {
		e.rollback()
		res.RolledBack = true
		res.FinalEnergy = e.display(e.initial)
	}
	e.state = StateCancelled
	return e.end(res), nil
}

func (e *Engine) end(res *Result) *Result {
	res.Terms = forcefield.TermsAt(e.ff, e.pos, e.cfg.Units)
	res.Message = res.describe()
	e.result = res
	switch res.Outcome {
	case OutcomeExploded:
		e.reporter.Status(StatusFailed)
		e.logger.Error("Minimization exploded",
			zap.Int("steps", res.Steps),
			zap.Bool("rolled_back", res.RolledBack))
	default:
		e.reporter.Status(StatusDone)
		e.logger.Info("Minimization finished",
			zap.Stringer("outcome", res.Outcome),
			zap.Int("steps", res.Steps),
			zap.Float64("energy", res.FinalEnergy),
			zap.Bool("rolled_back", res.RolledBack))
	}
	return res
}

// rollback restores the coordinates captured by Start. Energy-only runs
// never touch the atom source.
func (e *Engine) rollback() {
	copy(e.pos, e.lastGood)
	e.st.Energy = e.initial
	if e.cfg.Steps > 0 {
		e.src.SetPositions(e.external, e.lastGood)
	}
}

func (e *Engine) newResult() *Result {
	g := rms(e.st.Gradient)
	if !isFinite(g) {
		g = 0
	}
	return &Result{
		ForceField:    e.ff.Name(),
		Steps:         e.step,
		InitialEnergy: e.display(e.initial),
		FinalEnergy:   e.display(e.st.Energy),
		Units:         e.cfg.Units,
		RMSGradient:   e.display(g),
	}
}

// Minimize runs a complete minimization synchronously. A cancelled ctx stops
// the run between steps and rolls the coordinates back; that is reported in
// the Result, not as an error.
func (e *Engine) Minimize(ctx context.Context) (*Result, error) {
	if err := e.Prepare(); err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		return nil, err
	}
	for {
		if ctx.Err() != nil {
			return e.Stop(false)
		}
		more, err := e.Step()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return e.Finish()
}

// Energy returns the most recent energy in display units.
func (e *Engine) Energy() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ff == nil {
		return 0
	}
	return e.display(e.st.Energy)
}

// StepIndex returns the number of steps taken in the current or last run.
func (e *Engine) StepIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Result returns the summary of the last finished run, or nil.
func (e *Engine) Result() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result == nil {
		return nil
	}
	r := *e.result
	return &r
}

// Positions returns the working coordinates of the current or last run.
func (e *Engine) Positions() []AtomPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AtomPosition, len(e.pos))
	for i, p := range e.pos {
		out[i] = AtomPosition{Index: e.external[i], Position: p}
	}
	return out
}

// Topology returns the topology built by the last successful Prepare.
func (e *Engine) Topology() *topology.Topology {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topo
}

// workingSet is the selection followed by any fixed atoms not already in it.
func (e *Engine) workingSet() []int {
	var ws []int
	if e.cfg.Selection == nil {
		ws = make([]int, e.src.Len())
		for i := range ws {
			ws[i] = i
		}
	} else {
		ws = cloneInts(e.cfg.Selection)
	}
	seen := make(map[int]bool, len(ws)+len(e.cfg.Fixed))
	out := ws[:0]
	for _, i := range ws {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	for _, i := range e.cfg.Fixed {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

func (e *Engine) display(energy float64) float64 {
	return forcefield.ToDisplayUnits(e.ff, energy, e.cfg.Units)
}

func fingerprint(ws, fixed []int) string {
	f := cloneInts(fixed)
	sort.Ints(f)
	var b strings.Builder
	for _, i := range ws {
		b.WriteString(strconv.Itoa(i))
		b.WriteByte(',')
	}
	b.WriteByte('|')
	for _, i := range f {
		b.WriteString(strconv.Itoa(i))
		b.WriteByte(',')
	}
	return b.String()
}

// rms returns the root-mean-square per-atom gradient magnitude.
func rms(grad []r3.Vec) float64 {
	if len(grad) == 0 {
		return 0
	}
	flat := make([]float64, 0, 3*len(grad))
	for _, g := range grad {
		flat = append(flat, g.X, g.Y, g.Z)
	}
	return floats.Norm(flat, 2) / math.Sqrt(float64(len(grad)))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func cloneInts(s []int) []int {
	if s == nil {
		return nil
	}
	return append([]int{}, s...)
}
