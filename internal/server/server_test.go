package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worldloom/ace/internal/graph"
	"github.com/worldloom/ace/internal/jobs"
	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/ontology"
	"github.com/worldloom/ace/internal/pipeline"
	"github.com/worldloom/ace/internal/workflow"
)

type instantRunner struct{}

func (instantRunner) Run(context.Context, string, string, string, map[string]any) pipeline.Result {
	return pipeline.Result{Status: pipeline.StatusCompleted, EntitiesCreated: 2, RelationshipsCreated: 1}
}

type fixedEngine struct {
	result workflow.Result
	err    error
}

func (f *fixedEngine) Answer(context.Context, string) (workflow.Result, error) {
	return f.result, f.err
}

type fakeWorld struct {
	factions       []graph.Entity
	factionContext *graph.FactionContext
	paths          []graph.ControlPath
	contradictions []graph.Contradiction
	events         []graph.Entity

	gotResource string
	gotMaxHops  int
	gotStart    time.Time
	gotEnd      time.Time
}

func (f *fakeWorld) GetAllFactions(context.Context) ([]graph.Entity, error) {
	return f.factions, nil
}

func (f *fakeWorld) GetFactionContext(_ context.Context, name string) (*graph.FactionContext, error) {
	if f.factionContext != nil && f.factionContext.Faction.Name == name {
		return f.factionContext, nil
	}
	return nil, nil
}

func (f *fakeWorld) FindIndirectResourceControl(_ context.Context, resource string, maxHops int) ([]graph.ControlPath, error) {
	f.gotResource = resource
	f.gotMaxHops = maxHops
	return f.paths, nil
}

func (f *fakeWorld) FindPotentialContradictions(context.Context, string, string) ([]graph.Contradiction, error) {
	return f.contradictions, nil
}

func (f *fakeWorld) GetEventsByTimeRange(_ context.Context, start, end time.Time) ([]graph.Entity, error) {
	f.gotStart = start
	f.gotEnd = end
	return f.events, nil
}

func newTestServer(t *testing.T, engine Engine) (*Server, *jobs.Tracker) {
	t.Helper()
	return newTestServerWithWorld(t, engine, &fakeWorld{})
}

func newTestServerWithWorld(t *testing.T, engine Engine, world WorldReader) (*Server, *jobs.Tracker) {
	t.Helper()
	tracker := jobs.NewTracker(100, time.Hour)
	queue := jobs.NewQueue(jobs.DefaultConfig(), tracker, instantRunner{}, zaptest.NewLogger(t))
	return New(queue, tracker, engine, world, time.Minute, zaptest.NewLogger(t)), tracker
}

func TestIngestAccepts(t *testing.T) {
	srv, tracker := newTestServer(t, &fixedEngine{})

	req := httptest.NewRequest(http.MethodPost, "/ingest",
		strings.NewReader(`{"text": "The Crimson Empire controls the Ruby Mines."}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		JobID    string `json:"job_id"`
		Accepted bool   `json:"accepted"`
	}
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	require.NotEmpty(t, resp.JobID)

	_, err := tracker.Get(resp.JobID)
	assert.NoError(t, err)
}

func TestIngestRejectsEmptyText(t *testing.T) {
	srv, _ := newTestServer(t, &fixedEngine{})

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"text": "   "}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation")
}

func TestJobStatus(t *testing.T) {
	srv, tracker := newTestServer(t, &fixedEngine{})
	tracker.Create("j1")
	tracker.MarkRunning("j1")
	tracker.Complete("j1", pipeline.Result{
		Status:          pipeline.StatusCompleted,
		EntitiesCreated: 3,
		TotalMS:         42,
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs/j1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp["status"])
	assert.EqualValues(t, 3, resp["entities_created"])
}

func TestJobStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fixedEngine{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/ghost", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryReturnsWorkflowResult(t *testing.T) {
	engine := &fixedEngine{result: workflow.Result{
		Success:    true,
		Response:   "The Crimson Empire controls the Ruby Mines.",
		Iterations: 1,
		Validation: workflow.ValidationResult{OK: true, Score: 1},
	}}
	srv, _ := newTestServer(t, engine)

	req := httptest.NewRequest(http.MethodPost, "/query",
		strings.NewReader(`{"query": "What resources does the Crimson Empire control?"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp workflow.Result
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Response, "Ruby Mines")
}

func TestQueryRejectsEmpty(t *testing.T) {
	srv, _ := newTestServer(t, &fixedEngine{})

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorldFactions(t *testing.T) {
	world := &fakeWorld{factions: []graph.Entity{{
		CanonicalID: "faction-crimson-empire",
		Type:        ontology.EntityFaction,
		Name:        "Crimson Empire",
		Properties:  map[string]any{"alignment": "Lawful_Evil"},
	}}}
	srv, _ := newTestServerWithWorld(t, &fixedEngine{}, world)

	req := httptest.NewRequest(http.MethodGet, "/world/factions", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Factions []struct {
			CanonicalID string         `json:"canonical_id"`
			Properties  map[string]any `json:"properties"`
		} `json:"factions"`
	}
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Factions, 1)
	assert.Equal(t, "faction-crimson-empire", resp.Factions[0].CanonicalID)
	assert.Equal(t, "Lawful_Evil", resp.Factions[0].Properties["alignment"])
}

func TestWorldFactionContext(t *testing.T) {
	world := &fakeWorld{factionContext: &graph.FactionContext{
		Faction:   graph.Entity{CanonicalID: "faction-crimson-empire", Name: "Crimson Empire", Type: ontology.EntityFaction},
		Resources: []graph.Entity{{CanonicalID: "resource-ruby-mines", Name: "Ruby Mines", Type: ontology.EntityResource}},
	}}
	srv, _ := newTestServerWithWorld(t, &fixedEngine{}, world)

	req := httptest.NewRequest(http.MethodGet, "/world/factions/Crimson%20Empire/context", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "resource-ruby-mines")

	req = httptest.NewRequest(http.MethodGet, "/world/factions/Nobody/context", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorldResourceControl(t *testing.T) {
	world := &fakeWorld{paths: []graph.ControlPath{{
		Faction:  "Iron Legion",
		Resource: "Ruby Mines",
		Hops:     2,
		Chain:    []string{"Iron Legion", "Crimson Empire", "Ruby Mines"},
	}}}
	srv, _ := newTestServerWithWorld(t, &fixedEngine{}, world)

	req := httptest.NewRequest(http.MethodGet, "/world/control?resource=Ruby+Mines&max_hops=2", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ruby Mines", world.gotResource)
	assert.Equal(t, 2, world.gotMaxHops)
	assert.Contains(t, rec.Body.String(), "Iron Legion")
}

func TestWorldResourceControlValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fixedEngine{})

	req := httptest.NewRequest(http.MethodGet, "/world/control", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/world/control?resource=x&max_hops=7", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorldContradictions(t *testing.T) {
	world := &fakeWorld{contradictions: []graph.Contradiction{{
		Kind:     "contested_resource",
		Subject:  "resource-ruby-mines",
		Evidence: []string{"both factions control Ruby Mines"},
	}}}
	srv, _ := newTestServerWithWorld(t, &fixedEngine{}, world)

	req := httptest.NewRequest(http.MethodGet,
		"/world/contradictions?faction_a=Crimson+Empire&faction_b=Iron+Legion", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "contested_resource")

	req = httptest.NewRequest(http.MethodGet, "/world/contradictions?faction_a=Solo", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorldEvents(t *testing.T) {
	world := &fakeWorld{events: []graph.Entity{{
		CanonicalID: "event-siege-of-emberfall",
		Type:        ontology.EntityEvent,
		Name:        "Siege of Emberfall",
	}}}
	srv, _ := newTestServerWithWorld(t, &fixedEngine{}, world)

	req := httptest.NewRequest(http.MethodGet, "/world/events?start=1012-01-01&end=1013-12-31", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event-siege-of-emberfall")
	assert.Equal(t, 1012, world.gotStart.Year())
	assert.Equal(t, 1013, world.gotEnd.Year())

	req = httptest.NewRequest(http.MethodGet, "/world/events?start=notadate&end=1013-12-31", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fixedEngine{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
