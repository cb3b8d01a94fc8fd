package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/engine"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/resolver"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage/sqlite"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
	"github.com/macconnolly/smart-meet-lite-sub002/web/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var meetingTime = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

// stubExtractor returns canned mentions regardless of transcript.
type stubExtractor struct {
	mentions []types.RawMention
}

func (s *stubExtractor) ExtractMentions(_ context.Context, _ string, _ time.Time) ([]types.RawMention, error) {
	return s.mentions, nil
}

func (s *stubExtractor) Model() string { return "stub" }

type testHarness struct {
	api    *handlers.APIHandlers
	store  *sqlite.Store
	engine *engine.IngestionEngine
}

func newTestHarness(t *testing.T, mentions []types.RawMention) *testHarness {
	t.Helper()

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	res, err := resolver.NewResolver(resolver.NewDefaultScorer(), resolver.Config{})
	require.NoError(t, err)

	ing, err := engine.NewIngestionEngine(store, &stubExtractor{mentions: mentions}, res, engine.DefaultConfig())
	require.NoError(t, err)

	query, err := engine.NewQueryEngine(store, nil)
	require.NoError(t, err)

	return &testHarness{
		api:    handlers.NewAPIHandlers(store, ing, query, res),
		store:  store,
		engine: ing,
	}
}

func (h *testHarness) ingestMeeting(t *testing.T, meetingID string) {
	t.Helper()
	body := map[string]interface{}{
		"meeting_id":   meetingID,
		"transcript":   "transcript",
		"meeting_time": meetingTime,
	}
	w := postJSON(t, h.api.PostIngest, "/api/ingest", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func projectMention(name, status string) types.RawMention {
	return types.RawMention{
		SurfaceName:        name,
		TypeHint:           "project",
		ObservedAttributes: map[string]string{"status": status},
		Timestamp:          meetingTime,
	}
}

func TestPostIngestRunsBatch(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{
		projectMention("Mobile App", "blocked"),
		projectMention("Payment Service", "active"),
	})

	w := postJSON(t, h.api.PostIngest, "/api/ingest", map[string]interface{}{
		"meeting_id":   "m1",
		"transcript":   "transcript",
		"meeting_time": meetingTime,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result types.IngestResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, "m1", result.MeetingID)
	assert.Equal(t, 2, result.EntitiesCreated)
	assert.Equal(t, 2, result.TransitionsAppended)
}

func TestPostIngestRequiresMeetingID(t *testing.T) {
	h := newTestHarness(t, nil)

	w := postJSON(t, h.api.PostIngest, "/api/ingest", map[string]interface{}{
		"transcript": "transcript",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostIngestAsyncQueues(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{projectMention("Mobile App", "blocked")})
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() { _ = h.engine.Shutdown(context.Background()) })

	w := postJSON(t, h.api.PostIngest, "/api/ingest", map[string]interface{}{
		"meeting_id": "m1",
		"transcript": "transcript",
		"async":      true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp handlers.QueuedResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Queued)
}

func TestPostIngestAsyncRejectsWhenStopped(t *testing.T) {
	h := newTestHarness(t, nil)

	// Engine never started, so the queue refuses work.
	w := postJSON(t, h.api.PostIngest, "/api/ingest", map[string]interface{}{
		"meeting_id": "m1",
		"transcript": "transcript",
		"async":      true,
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPostQueryReturnsStructuredResults(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{
		projectMention("Mobile App", "blocked"),
	})
	h.ingestMeeting(t, "m1")

	w := postJSON(t, h.api.PostQuery, "/api/query", map[string]interface{}{
		"query_text": "status of all projects",
		"mode":       "structured",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result types.QueryResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	require.Len(t, result.Results, 1)
	assert.Equal(t, "blocked", result.Results[0].Attributes["status"])
}

func TestPostQueryRejectsEmptyText(t *testing.T) {
	h := newTestHarness(t, nil)

	w := postJSON(t, h.api.PostQuery, "/api/query", map[string]interface{}{
		"query_text": "   ",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEntitiesFiltersByType(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{
		projectMention("Mobile App", "blocked"),
		{SurfaceName: "Bob", TypeHint: "person", Timestamp: meetingTime},
	})
	h.ingestMeeting(t, "m1")

	req := httptest.NewRequest(http.MethodGet, "/api/entities?type=project", nil)
	w := httptest.NewRecorder()
	h.api.ListEntities(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.EntityListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, types.EntityTypeProject, resp.Entities[0].Type)
}

func TestGetEntityIncludesState(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{projectMention("Mobile App", "blocked")})
	h.ingestMeeting(t, "m1")

	entity, err := h.store.GetEntityByAlias(context.Background(), types.EntityTypeProject, "Mobile App")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/entities/"+entity.ID, nil)
	req.SetPathValue("id", entity.ID)
	w := httptest.NewRecorder()
	h.api.GetEntity(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.EntityDetailResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, entity.ID, resp.Entity.ID)
	require.NotNil(t, resp.State)
	assert.Equal(t, "blocked", resp.State.Attributes["status"])
}

func TestGetEntityNotFound(t *testing.T) {
	h := newTestHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/entities/ent:project:missing", nil)
	req.SetPathValue("id", "ent:project:missing")
	w := httptest.NewRecorder()
	h.api.GetEntity(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetEntityTransitionsReturnsHistory(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{projectMention("Mobile App", "blocked")})
	h.ingestMeeting(t, "m1")

	entity, err := h.store.GetEntityByAlias(context.Background(), types.EntityTypeProject, "Mobile App")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/entities/"+entity.ID+"/transitions", nil)
	req.SetPathValue("id", entity.ID)
	w := httptest.NewRecorder()
	h.api.GetEntityTransitions(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.TransitionListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "blocked", resp.Transitions[0].NewValue)
}

func TestGetEntityTransitionsRejectsBadSince(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{projectMention("Mobile App", "blocked")})
	h.ingestMeeting(t, "m1")

	entity, err := h.store.GetEntityByAlias(context.Background(), types.EntityTypeProject, "Mobile App")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/entities/"+entity.ID+"/transitions?since=yesterday", nil)
	req.SetPathValue("id", entity.ID)
	w := httptest.NewRecorder()
	h.api.GetEntityTransitions(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMergeEntitiesReassignsHistory(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{
		projectMention("Mobile App", "blocked"),
		projectMention("MobileApplication", "active"),
	})
	h.ingestMeeting(t, "m1")

	ctx := context.Background()
	winner, err := h.store.GetEntityByAlias(ctx, types.EntityTypeProject, "Mobile App")
	require.NoError(t, err)
	loser, err := h.store.GetEntityByAlias(ctx, types.EntityTypeProject, "MobileApplication")
	require.NoError(t, err)
	require.NotEqual(t, winner.ID, loser.ID)

	w := postJSON(t, h.api.MergeEntities, "/api/entities/merge", handlers.MergeRequest{
		WinnerID: winner.ID,
		LoserID:  loser.ID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result resolver.MergeResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, winner.ID, result.WinnerID)
	assert.Equal(t, 1, result.TransitionsReassigned)
}

func TestMergeEntitiesUnknownIDIs404(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{projectMention("Mobile App", "blocked")})
	h.ingestMeeting(t, "m1")

	entity, err := h.store.GetEntityByAlias(context.Background(), types.EntityTypeProject, "Mobile App")
	require.NoError(t, err)

	w := postJSON(t, h.api.MergeEntities, "/api/entities/merge", handlers.MergeRequest{
		WinnerID: entity.ID,
		LoserID:  "ent:project:missing",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthReportsStoreAndQueue(t *testing.T) {
	h := newTestHarness(t, []types.RawMention{projectMention("Mobile App", "blocked")})
	h.ingestMeeting(t, "m1")

	health := handlers.NewHealthHandler(h.store, h.engine)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	health.GetHealth(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	require.NotNil(t, resp.Store)
	assert.Equal(t, 1, resp.Store.Entities)
	require.NotNil(t, resp.LastValidation)
	assert.Equal(t, "m1", resp.LastValidation.MeetingID)
	require.NotNil(t, resp.ValidationTotals)
	assert.Equal(t, 1, resp.ValidationTotals.EntitiesChecked)
	assert.Zero(t, resp.ValidationTotals.FatalBatches)
}
