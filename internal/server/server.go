// Package server exposes the HTTP gateway: ingestion submission, job status,
// and inference queries. Transport only; all behavior lives in the jobs and
// workflow packages.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/graph"
	"github.com/worldloom/ace/internal/jobs"
	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/workflow"
)

// Engine answers inference queries; satisfied by the workflow engine.
type Engine interface {
	Answer(ctx context.Context, query string) (workflow.Result, error)
}

// WorldReader is the slice of the graph adapter behind the world-query
// endpoints.
type WorldReader interface {
	GetAllFactions(ctx context.Context) ([]graph.Entity, error)
	GetFactionContext(ctx context.Context, name string) (*graph.FactionContext, error)
	FindIndirectResourceControl(ctx context.Context, resourceName string, maxHops int) ([]graph.ControlPath, error)
	FindPotentialContradictions(ctx context.Context, factionA, factionB string) ([]graph.Contradiction, error)
	GetEventsByTimeRange(ctx context.Context, start, end time.Time) ([]graph.Entity, error)
}

// Server holds the gateway's dependencies.
type Server struct {
	queue         *jobs.Queue
	tracker       *jobs.Tracker
	engine        Engine
	world         WorldReader
	queryDeadline time.Duration
	logger        *zap.Logger
}

// New wires the gateway.
func New(queue *jobs.Queue, tracker *jobs.Tracker, engine Engine, world WorldReader, queryDeadline time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queryDeadline <= 0 {
		queryDeadline = 60 * time.Second
	}
	return &Server{
		queue:         queue,
		tracker:       tracker,
		engine:        engine,
		world:         world,
		queryDeadline: queryDeadline,
		logger:        logger,
	}
}

// Router builds the HTTP handler with recovery, logging, and CORS.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/world/factions", s.handleFactions).Methods(http.MethodGet)
	r.HandleFunc("/world/factions/{name}/context", s.handleFactionContext).Methods(http.MethodGet)
	r.HandleFunc("/world/control", s.handleResourceControl).Methods(http.MethodGet)
	r.HandleFunc("/world/contradictions", s.handleContradictions).Methods(http.MethodGet)
	r.HandleFunc("/world/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	chain := handlers.RecoveryHandler(
		handlers.RecoveryLogger(&recoveryLogger{s.logger}),
	)(s.requestLogger(r))
	return handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(chain)
}

type recoveryLogger struct {
	logger *zap.Logger
}

func (l *recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("handler panic", zap.Any("panic", v))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, fault.Wrap(fault.Validation, "read request body", err))
		return
	}
	var sub jobs.Submission
	if err := jsonx.Unmarshal(body, &sub); err != nil {
		s.writeError(w, fault.Wrap(fault.Validation, "parse request body", err))
		return
	}

	id, err := s.queue.Submit(sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   id,
		"accepted": true,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.tracker.Get(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "job not found",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":                rec.JobID,
		"status":                rec.Status,
		"entities_created":      rec.Result.EntitiesCreated,
		"relationships_created": rec.Result.RelationshipsCreated,
		"extract_ms":            rec.Result.ExtractMS,
		"define_ms":             rec.Result.DefineMS,
		"canonicalize_ms":       rec.Result.CanonicalizeMS,
		"write_ms":              rec.Result.WriteMS,
		"total_ms":              rec.Result.TotalMS,
		"errors":                rec.Result.Warnings,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, fault.Wrap(fault.Validation, "read request body", err))
		return
	}
	var req struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := jsonx.Unmarshal(body, &req); err != nil || req.Query == "" {
		s.writeError(w, fault.New(fault.Validation, "query must be non-empty"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.queryDeadline)
	defer cancel()

	result, err := s.engine.Answer(ctx, req.Query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// entityView flattens an entity for transport; Properties is kept out of the
// persisted Entity's JSON form, so the gateway re-attaches it here.
type entityView struct {
	CanonicalID string         `json:"canonical_id"`
	Type        string         `json:"entity_type"`
	Name        string         `json:"name"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func viewOf(e graph.Entity) entityView {
	return entityView{
		CanonicalID: e.CanonicalID,
		Type:        string(e.Type),
		Name:        e.Name,
		Properties:  e.Properties,
	}
}

func viewsOf(entities []graph.Entity) []entityView {
	out := make([]entityView, 0, len(entities))
	for _, e := range entities {
		out = append(out, viewOf(e))
	}
	return out
}

func (s *Server) handleFactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.queryDeadline)
	defer cancel()

	factions, err := s.world.GetAllFactions(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"factions": viewsOf(factions)})
}

func (s *Server) handleFactionContext(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.queryDeadline)
	defer cancel()

	fc, err := s.world.GetFactionContext(ctx, mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if fc == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "faction not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"faction":    viewOf(fc.Faction),
		"resources":  viewsOf(fc.Resources),
		"characters": viewsOf(fc.Characters),
		"allies":     viewsOf(fc.Allies),
		"events":     viewsOf(fc.Events),
		"relations":  fc.Relations,
	})
}

func (s *Server) handleResourceControl(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		s.writeError(w, fault.New(fault.Validation, "resource parameter is required"))
		return
	}
	maxHops := 3
	if raw := r.URL.Query().Get("max_hops"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 3 {
			s.writeError(w, fault.New(fault.Validation, "max_hops must be 1, 2, or 3"))
			return
		}
		maxHops = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.queryDeadline)
	defer cancel()

	paths, err := s.world.FindIndirectResourceControl(ctx, resource, maxHops)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

func (s *Server) handleContradictions(w http.ResponseWriter, r *http.Request) {
	a := r.URL.Query().Get("faction_a")
	b := r.URL.Query().Get("faction_b")
	if a == "" || b == "" {
		s.writeError(w, fault.New(fault.Validation, "faction_a and faction_b are required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.queryDeadline)
	defer cancel()

	contradictions, err := s.world.FindPotentialContradictions(ctx, a, b)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"contradictions": contradictions})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start, err := parseTimeParam(r.URL.Query().Get("start"))
	if err != nil {
		s.writeError(w, fault.Wrap(fault.Validation, "parse start", err))
		return
	}
	end, err := parseTimeParam(r.URL.Query().Get("end"))
	if err != nil {
		s.writeError(w, fault.Wrap(fault.Validation, "parse end", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.queryDeadline)
	defer cancel()

	events, err := s.world.GetEventsByTimeRange(ctx, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": viewsOf(events)})
}

// parseTimeParam accepts RFC 3339 timestamps or bare dates.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing time parameter")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError maps the fault taxonomy to HTTP statuses. Messages surface the
// kind and a short description, never internals.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.Validation, fault.SchemaError:
		status = http.StatusBadRequest
	case fault.BackendUnavailable:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	case fault.BackendTimeout, fault.Cancelled:
		status = http.StatusGatewayTimeout
	case fault.MalformedOutput:
		status = http.StatusBadGateway
	}

	var fe *fault.Error
	msg := "internal error"
	var evidence []string
	if errors.As(err, &fe) {
		msg = fe.Msg
		evidence = fe.Evidence
	}
	s.writeJSON(w, status, map[string]any{
		"error":    msg,
		"kind":     kind,
		"evidence": evidence,
	})
}
