package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/molmin/internal/config"
	apperrors "github.com/copyleftdev/molmin/internal/errors"
	"github.com/copyleftdev/molmin/internal/forcefield"
	"github.com/copyleftdev/molmin/internal/logging"
	"github.com/copyleftdev/molmin/internal/metrics"
	"github.com/copyleftdev/molmin/internal/minimize"
	"github.com/copyleftdev/molmin/internal/molecule"
)

// maxBodyBytes bounds job documents.
const maxBodyBytes = 8 << 20

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

var (
	errJobNotFound = stderrors.New("job not found")
	errJobFinished = stderrors.New("job already finished")
	errTooManyJobs = stderrors.New("too many running jobs")
	errNoMolecule  = stderrors.New("job has no molecule")
)

// JobStatus is the lifecycle of a server-side job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobState represents the state of a minimization job. Fields are guarded by
// Server.jobsMu.
type JobState struct {
	ID          string
	Status      JobStatus
	Phase       minimize.Status
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Step        int
	Energy      float64
	Units       forcefield.Units
	Positions   []minimize.AtomPosition
	Result      *minimize.Result
	Err         string

	molecule   *molecule.Molecule
	controller *minimize.Controller
}

// AtomPosition is the wire form of one intermediate coordinate.
type AtomPosition struct {
	Index    int        `json:"index"`
	Position [3]float64 `json:"position"`
}

// JobView is the JSON rendering of a JobState.
type JobView struct {
	ID          string             `json:"job_id"`
	Status      JobStatus          `json:"status"`
	Phase       minimize.Status    `json:"phase,omitempty"`
	Step        int                `json:"step"`
	Energy      float64            `json:"energy"`
	Units       forcefield.Units   `json:"units"`
	StartTime   string             `json:"start_time"`
	EndTime     string             `json:"end_time,omitempty"`
	LastUpdated string             `json:"last_update"`
	Positions   []AtomPosition     `json:"positions,omitempty"`
	Result      *minimize.Result   `json:"result,omitempty"`
	Molecule    *molecule.Molecule `json:"molecule,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Server implements the HTTP and JSON-RPC server for the minimization service.
// It manages minimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	zap     *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	slots  chan struct{}

	jobs   map[string]*JobState
	jobsMu sync.RWMutex // Protects the jobs map and every JobState
}

// NewServer creates a new server instance with the given config and logger.
// A nil m gets a private metrics registry.
func NewServer(cfg *config.Config, logger Logger, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New(metrics.Config{})
	}
	maxJobs := cfg.Minimization.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		logger:  logger,
		zap:     logging.NewZapLogger(logger.WithFields(map[string]interface{}{"component": "minimizer"})),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, maxJobs),
		jobs:    make(map[string]*JobState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/forcefields", s.handleForceFields)
		r.Post("/jobs", s.handleStart)
		r.Get("/jobs", s.handleList)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Delete("/jobs/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// startJob validates job, sets it up synchronously and steps it on a
// background goroutine.
func (s *Server) startJob(job *minimize.Job) (*JobView, error) {
	const op = "startJob"
	if job.Molecule == nil {
		return nil, apperrors.Wrap(errNoMolecule, "invalid job").WithOperation(op).WithComponent("server")
	}

	select {
	case s.slots <- struct{}{}:
	default:
		return nil, apperrors.Wrapf(errTooManyJobs, "limit of %d reached", cap(s.slots)).
			WithStatus(http.StatusTooManyRequests).WithOperation(op).WithComponent("server")
	}
	release := func() { <-s.slots }

	id := uuid.NewString()
	now := time.Now()
	state := &JobState{
		ID:          id,
		Status:      JobPending,
		StartTime:   now,
		LastUpdated: now,
		molecule:    job.Molecule,
	}

	cfg, err := job.Config(s.cfg.Defaults())
	if err != nil {
		release()
		return nil, apperrors.Wrap(err, "configure job").WithOperation(op).WithComponent("server")
	}
	state.Units = cfg.Units

	logger := s.zap.With(zap.String("job_id", id))
	engine, err := job.Engine(s.cfg.Defaults(), minimize.Options{
		Logger:   logger,
		Reporter: minimize.Reporters{s.metrics.Reporter(), &jobReporter{s: s, state: state}},
	})
	if err != nil {
		release()
		return nil, apperrors.Wrap(err, "configure job").WithOperation(op).WithComponent("server")
	}
	controller := minimize.NewController(engine, minimize.ControllerOptions{
		Logger:    logger,
		StepDelay: s.cfg.Minimization.StepDelay,
		Observer:  func(p minimize.Progress) { s.observe(state, p) },
	})
	state.controller = controller

	s.jobsMu.Lock()
	s.jobs[id] = state
	s.jobsMu.Unlock()

	if _, err := controller.StartBackground(s.ctx); err != nil {
		release()
		s.jobsMu.Lock()
		delete(s.jobs, id)
		s.jobsMu.Unlock()
		return nil, apperrors.Wrap(err, "start job").WithOperation(op).WithComponent("server")
	}

	s.wg.Add(1)
	go s.watch(state, controller, now, release)

	s.logger.Info("Minimization job started", map[string]interface{}{
		"job_id": id,
		"atoms":  job.Molecule.Len(),
	})
	return s.view(id, false)
}

// watch waits for the background run and records its result.
func (s *Server) watch(state *JobState, c *minimize.Controller, started time.Time, release func()) {
	defer s.wg.Done()

	res, err := c.Wait(context.Background())
	release()
	s.metrics.ObserveResult(res, time.Since(started))
	s.finish(state, res, err)
}

func (s *Server) finish(state *JobState, res *minimize.Result, err error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	state.Result = res
	switch {
	case err != nil:
		state.Status = JobFailed
		state.Err = err.Error()
	case res == nil:
		state.Status = JobFailed
	case res.Outcome == minimize.OutcomeExploded:
		state.Status = JobFailed
		state.Err = res.Message
	case res.Outcome == minimize.OutcomeCancelled:
		state.Status = JobCancelled
	default:
		state.Status = JobCompleted
	}
	if res != nil {
		state.Step = res.Steps
		state.Energy = finite(res.FinalEnergy)
	}

	fields := map[string]interface{}{"job_id": state.ID, "status": string(state.Status)}
	if state.Err != "" {
		fields["error"] = state.Err
		s.logger.Warn("Minimization job ended", fields)
		return
	}
	s.logger.Info("Minimization job ended", fields)
}

func (s *Server) observe(state *JobState, p minimize.Progress) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	state.Step = p.Report.Step
	if !math.IsNaN(p.Report.Energy) && !math.IsInf(p.Report.Energy, 0) {
		state.Energy = p.Report.Energy
	}
	state.Positions = p.Positions
	state.LastUpdated = time.Now()
}

// jobReporter mirrors engine status tokens onto the job.
type jobReporter struct {
	s     *Server
	state *JobState
}

func (r *jobReporter) Status(st minimize.Status) {
	r.s.jobsMu.Lock()
	defer r.s.jobsMu.Unlock()
	r.state.Phase = st
	if st == minimize.StatusStarting || st == minimize.StatusRunning {
		r.state.Status = JobRunning
	}
	r.state.LastUpdated = time.Now()
}

func (r *jobReporter) Step(sr minimize.StepReport) {
	if sr.Step != 0 {
		return
	}
	r.s.jobsMu.Lock()
	defer r.s.jobsMu.Unlock()
	r.state.Energy = finite(sr.Energy)
	r.state.Units = sr.Units
}

// view renders a job. Coordinates are included when withPositions is set.
func (s *Server) view(id string, withPositions bool) (*JobView, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	state, ok := s.jobs[id]
	if !ok {
		return nil, errJobNotFound
	}
	v := &JobView{
		ID:          state.ID,
		Status:      state.Status,
		Phase:       state.Phase,
		Step:        state.Step,
		Energy:      state.Energy,
		Units:       state.Units,
		StartTime:   state.StartTime.Format(time.RFC3339),
		LastUpdated: state.LastUpdated.Format(time.RFC3339),
		Error:       state.Err,
	}
	if state.EndTime != nil {
		v.EndTime = state.EndTime.Format(time.RFC3339)
	}
	if state.Result != nil {
		r := *state.Result
		r.InitialEnergy = finite(r.InitialEnergy)
		r.FinalEnergy = finite(r.FinalEnergy)
		r.RMSGradient = finite(r.RMSGradient)
		if r.Terms != nil {
			t := *r.Terms
			for _, f := range []*float64{&t.Bond, &t.Angle, &t.Torsion, &t.OutOfPlane, &t.VdW, &t.Restraint} {
				*f = finite(*f)
			}
			r.Terms = &t
		}
		v.Result = &r
	}
	if withPositions {
		if state.Status.terminal() {
			v.Molecule = state.molecule
		} else {
			v.Positions = make([]AtomPosition, len(state.Positions))
			for i, p := range state.Positions {
				v.Positions[i] = AtomPosition{Index: p.Index, Position: [3]float64{p.Position.X, p.Position.Y, p.Position.Z}}
			}
		}
	}
	return v, nil
}

// list renders every job, oldest first.
func (s *Server) list() []*JobView {
	s.jobsMu.RLock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.jobs[ids[i]], s.jobs[ids[j]]
		if a.StartTime.Equal(b.StartTime) {
			return a.ID < b.ID
		}
		return a.StartTime.Before(b.StartTime)
	})
	s.jobsMu.RUnlock()

	out := make([]*JobView, 0, len(ids))
	for _, id := range ids {
		if v, err := s.view(id, false); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// cancelJob asks a running job to stop. With keep set the coordinates
// reached so far are retained; otherwise they are rolled back.
func (s *Server) cancelJob(id string, keep bool) error {
	s.jobsMu.RLock()
	state, ok := s.jobs[id]
	var (
		status     JobStatus
		controller *minimize.Controller
	)
	if ok {
		status, controller = state.Status, state.controller
	}
	s.jobsMu.RUnlock()

	if !ok {
		return errJobNotFound
	}
	if status.terminal() {
		return fmt.Errorf("%w: status %s", errJobFinished, status)
	}
	controller.Cancel(keep)

	s.logger.Info("Minimization job cancellation requested", map[string]interface{}{
		"job_id": id,
		"keep":   keep,
	})
	return nil
}

// Close cancels every running job, rolling its coordinates back, and waits
// for the background goroutines to exit.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// statusCode maps an error onto an HTTP status.
func statusCode(err error) int {
	switch {
	case apperrors.Is(err, errJobNotFound):
		return http.StatusNotFound
	case apperrors.Is(err, errJobFinished):
		return http.StatusConflict
	default:
		return apperrors.StatusCode(err)
	}
}

// rpcCode maps an error onto a JSON-RPC error code.
func rpcCode(err error) int {
	switch statusCode(err) {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return -32602
	default:
		return -32000
	}
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	fields := map[string]interface{}{"status": code, "error": err.Error()}
	if k := apperrors.KindOf(err); k != "" {
		fields["kind"] = k
	}
	var e *apperrors.Error
	if apperrors.As(err, &e) && code >= http.StatusInternalServerError {
		fields["stack"] = e.StackTrace()
	}
	s.logger.Debug("Request failed", fields)
	apperrors.WriteJSON(w, middleware.GetReqID(r.Context()), code, err)
}

// handleForceFields lists the registered force-field names.
func (s *Server) handleForceFields(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"force_fields": forcefield.Names(),
		"default":      s.cfg.Minimization.ForceField,
		"fallback":     s.cfg.Minimization.Fallback,
	})
}

// handleStart handles POST /api/v1/jobs.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	job, err := minimize.DecodeJob(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}
	v, err := s.startJob(job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, v)
}

// handleList handles GET /api/v1/jobs.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.list()})
}

// handleStatus handles GET /api/v1/jobs/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(chi.URLParam(r, "id"), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

// handleCancel handles DELETE /api/v1/jobs/{id}?keep=true.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	keep := false
	if raw := r.URL.Query().Get("keep"); raw != "" {
		var err error
		if keep, err = strconv.ParseBool(raw); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": fmt.Sprintf("invalid keep flag %q", raw)})
			return
		}
	}
	if err := s.cancelJob(chi.URLParam(r, "id"), keep); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancellation requested",
	})
}
