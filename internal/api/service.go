// Package api provides the HTTP handlers for starting, stepping, steering
// and inspecting simulation sessions, and for reading the run archive.
//
// All monetary values use shopspring/decimal; they travel as JSON strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/contagion-engine/internal/command"
	"github.com/atmx/contagion-engine/internal/config"
	"github.com/atmx/contagion-engine/internal/model"
	"github.com/atmx/contagion-engine/internal/simulation"
	"github.com/atmx/contagion-engine/internal/store"
)

// MaxStepsPerRequest bounds ?n= on the step endpoint.
const MaxStepsPerRequest = 1000

// ErrNoConfig is returned when a start request names neither a scenario nor
// a config.
var ErrNoConfig = errors.New("api: scenario or config is required")

// Service handles session operations. Sessions serialize their own steps
// and commands; the service only guards its table of background runs.
type Service struct {
	mgr         *simulation.Manager
	store       store.Store
	archive     *archiver
	scenarioDir string
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewService creates a service. Pass an empty scenarioDir to disable named
// scenarios; a nil logger selects slog.Default().
func NewService(mgr *simulation.Manager, st store.Store, scenarioDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		mgr:         mgr,
		store:       st,
		archive:     newArchiver(st),
		scenarioDir: scenarioDir,
		log:         logger,
		ctx:         ctx,
		cancel:      cancel,
		runs:        make(map[string]context.CancelFunc),
	}
}

// Close stops every background run and waits for them to return.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Routes registers the handlers on r, which is expected to be mounted at
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/simulations", s.ListSimulations)
	r.Post("/simulations", s.StartSimulation)
	r.Get("/simulations/{id}", s.GetSimulation)
	r.Delete("/simulations/{id}", s.DeleteSimulation)
	r.Post("/simulations/{id}/step", s.StepSimulation)
	r.Post("/simulations/{id}/run", s.RunSimulation)
	r.Post("/simulations/{id}/control", s.ControlSimulation)
	r.Get("/simulations/{id}/events", s.GetEvents)

	r.Get("/scenarios", s.ListScenarios)
	r.Get("/scenarios/{name}", s.GetScenario)

	r.Get("/runs", s.ListRuns)
	r.Get("/runs/{id}", s.GetRun)
	r.Get("/runs/{id}/events", s.GetRunEvents)
}

// --- Request/Response types ---

// StartRequest is the JSON body for POST /simulations. Either Scenario or
// Config must be set; the override fields apply to both.
type StartRequest struct {
	Scenario string             `json:"scenario,omitempty"`
	Config   *simulation.Config `json:"config,omitempty"`
	Seed     int64              `json:"seed,omitempty"`
	Steps    int                `json:"steps,omitempty"`
	Policy   string             `json:"policy,omitempty"`

	// AutoRun starts a background run right away, DelayMS apart.
	AutoRun bool `json:"auto_run,omitempty"`
	DelayMS int  `json:"delay_ms,omitempty"`
}

// RunRequest is the JSON body for POST /simulations/{id}/run.
type RunRequest struct {
	DelayMS int `json:"delay_ms"`
}

// ControlRequest is the JSON body for POST /simulations/{id}/control.
type ControlRequest struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ControlResponse acknowledges an applied command.
type ControlResponse struct {
	OK      bool   `json:"ok"`
	Command string `json:"command"`
	Status  string `json:"status"`
	Step    int    `json:"step"`
}

// StepResponse carries the results of one or more steps.
type StepResponse struct {
	Results []*simulation.StepResult `json:"results"`
	Status  string                   `json:"status"`
}

// --- Sessions ---

// StartSimulation handles POST /api/v1/simulations.
func (s *Service) StartSimulation(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg, err := s.resolveConfig(req)
	if err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}

	o, err := s.mgr.Start(cfg, simulation.WithSink(s.archive))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.archive.track(r.Context(), o); err != nil {
		s.log.Warn("archive unavailable", "session", o.ID(), "err", err)
	}

	if req.AutoRun {
		if err := s.startRun(o, time.Duration(req.DelayMS)*time.Millisecond); err != nil {
			writeError(w, err.Error(), errorStatus(err))
			return
		}
	}

	writeJSON(w, http.StatusCreated, o.Status())
}

func (s *Service) resolveConfig(req StartRequest) (simulation.Config, error) {
	var sc *config.Scenario
	switch {
	case req.Scenario != "":
		if s.scenarioDir == "" {
			return simulation.Config{}, fmt.Errorf("%w: %s", config.ErrScenarioNotFound, req.Scenario)
		}
		loaded, err := config.LoadNamed(s.scenarioDir, req.Scenario)
		if err != nil {
			return simulation.Config{}, err
		}
		sc = loaded
	case req.Config != nil:
		sc = &config.Scenario{Config: req.Config.WithDefaults()}
	default:
		return simulation.Config{}, ErrNoConfig
	}

	if err := sc.Apply(config.Overrides{Seed: req.Seed, Steps: req.Steps, Policy: req.Policy}); err != nil {
		return simulation.Config{}, err
	}
	return sc.Simulation(), nil
}

// ListSimulations handles GET /api/v1/simulations.
func (s *Service) ListSimulations(w http.ResponseWriter, _ *http.Request) {
	sessions := s.mgr.List()
	out := make([]model.Run, len(sessions))
	for i, o := range sessions {
		out[i] = o.Record()
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSimulation handles GET /api/v1/simulations/{id}.
func (s *Service) GetSimulation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o.Status())
}

// DeleteSimulation handles DELETE /api/v1/simulations/{id}. The archived
// run stays readable under /runs.
func (s *Service) DeleteSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.stopRun(id)
	if err := s.mgr.Remove(id); err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}
	s.archive.untrack(id)
	w.WriteHeader(http.StatusNoContent)
}

// StepSimulation handles POST /api/v1/simulations/{id}/step?n=N.
func (s *Service) StepSimulation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	n := 1
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > MaxStepsPerRequest {
			writeError(w, fmt.Sprintf("n must be between 1 and %d", MaxStepsPerRequest), http.StatusBadRequest)
			return
		}
		n = parsed
	}
	if o.IsRunning() {
		writeError(w, simulation.ErrAlreadyRunning.Error(), http.StatusConflict)
		return
	}

	resp := StepResponse{}
	for i := 0; i < n; i++ {
		res, err := o.Step(r.Context())
		if err != nil {
			if len(resp.Results) > 0 && errors.Is(err, simulation.ErrCompleted) {
				break
			}
			writeError(w, err.Error(), errorStatus(err))
			return
		}
		resp.Results = append(resp.Results, res)
	}
	resp.Status = o.RunStatus()
	writeJSON(w, http.StatusOK, resp)
}

// RunSimulation handles POST /api/v1/simulations/{id}/run. The run goes on
// in the background; progress is visible through status, events and the
// websocket stream.
func (s *Service) RunSimulation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	var req RunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.DelayMS < 0 {
		writeError(w, "delay_ms must be non-negative", http.StatusBadRequest)
		return
	}
	if err := s.startRun(o, time.Duration(req.DelayMS)*time.Millisecond); err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, o.Record())
}

// ControlSimulation handles POST /api/v1/simulations/{id}/control.
func (s *Service) ControlSimulation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd, err := command.Parse(req.Command, req.Payload)
	if err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}
	if err := o.Control(r.Context(), cmd); err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}

	st := o.Status()
	writeJSON(w, http.StatusOK, ControlResponse{OK: true, Command: cmd.Name, Status: st.Status, Step: st.Step})
}

// GetEvents handles GET /api/v1/simulations/{id}/events?after=SEQ.
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	after, err := intParam(r, "after")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	events := o.Events(after)
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Scenarios ---

// ListScenarios handles GET /api/v1/scenarios.
func (s *Service) ListScenarios(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	if s.scenarioDir != "" {
		found, err := config.List(s.scenarioDir)
		if err != nil {
			writeError(w, "failed to list scenarios", http.StatusInternalServerError)
			return
		}
		names = append(names, found...)
	}
	writeJSON(w, http.StatusOK, names)
}

// GetScenario handles GET /api/v1/scenarios/{name}.
func (s *Service) GetScenario(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.scenarioDir == "" {
		writeError(w, "scenario not found", http.StatusNotFound)
		return
	}
	sc, err := config.LoadNamed(s.scenarioDir, name)
	if err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// --- Archive ---

// ListRuns handles GET /api/v1/runs.
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{id}.
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunEvents handles GET /api/v1/runs/{id}/events?since_step=N.
func (s *Service) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	since, err := intParam(r, "since_step")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.store.GetEvents(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Background runs ---

func (s *Service) startRun(o *simulation.Orchestrator, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[o.ID()]; ok || o.IsRunning() {
		return simulation.ErrAlreadyRunning
	}
	if st := o.RunStatus(); st == model.StatusCompleted || st == model.StatusStopped {
		return fmt.Errorf("%w: run while %s", simulation.ErrNotAllowed, st)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.runs[o.ID()] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.runs, o.ID())
			s.mu.Unlock()
			cancel()
		}()
		if err := o.Run(ctx, delay); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("simulation run failed", "session", o.ID(), "err", err)
		}
	}()
	return nil
}

func (s *Service) stopRun(id string) {
	s.mu.Lock()
	cancel, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// --- Helpers ---

func (s *Service) session(w http.ResponseWriter, r *http.Request) (*simulation.Orchestrator, bool) {
	o, err := s.mgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "simulation not found", http.StatusNotFound)
		return nil, false
	}
	return o, true
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, simulation.ErrSessionNotFound),
		errors.Is(err, simulation.ErrBankNotFound),
		errors.Is(err, config.ErrScenarioNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, simulation.ErrNotAllowed),
		errors.Is(err, simulation.ErrCompleted),
		errors.Is(err, simulation.ErrAlreadyRunning),
		errors.Is(err, simulation.ErrBankDefaulted):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
