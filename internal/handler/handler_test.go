package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

func TestRegistryDispatchesByType(t *testing.T) {
	r := NewRegistry(zap.NewNop(), Options{})

	tests := []struct {
		taskType model.TaskType
		wantType string
		field    string
	}{
		{model.TaskTypeResearch, "research", "findings"},
		{model.TaskTypeAnalysis, "analysis", "insights"},
		{model.TaskTypeCreation, "creation", "content"},
		{model.TaskTypeOrganization, "organization", "categories"},
		{model.TaskTypeCommunication, "generic", "result"},
		{"unknown", "generic", "summary"},
	}

	for _, tt := range tests {
		t.Run(string(tt.taskType), func(t *testing.T) {
			raw, err := r.Execute(context.Background(), &model.Task{ID: "t1", Title: "Do it", Type: tt.taskType})
			require.NoError(t, err)

			var out map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &out))
			assert.Equal(t, tt.wantType, out["type"])
			assert.Contains(t, out, tt.field)
		})
	}
}

func TestRegistryRegisterOverrides(t *testing.T) {
	r := NewRegistry(zap.NewNop(), Options{})
	boom := errors.New("boom")
	r.Register(model.TaskTypeResearch, FailingHandler{Err: boom})

	_, err := r.Execute(context.Background(), &model.Task{ID: "t1", Type: model.TaskTypeResearch})
	assert.ErrorIs(t, err, boom)
}

func TestResearchCannedResult(t *testing.T) {
	h := NewResearchHandler(zap.NewNop(), 0, nil)

	raw, err := h.Execute(context.Background(), &model.Task{ID: "t1", Title: "Quantum"})
	require.NoError(t, err)

	var out ResearchResult
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "Research findings for Quantum", out.Findings)
	assert.Equal(t, []string{"source1.com", "source2.com"}, out.Sources)
	assert.Equal(t, 0.85, out.Confidence)
}

func TestResearchUsesSearcher(t *testing.T) {
	r := NewRegistry(zap.NewNop(), Options{WebSearchEnabled: true, Searcher: MockSearcher{}})

	raw, err := r.Execute(context.Background(), &model.Task{ID: "t1", Title: "Quantum", Description: "computing", Type: model.TaskTypeResearch})
	require.NoError(t, err)

	var out struct {
		Findings []SearchResult `json:"findings"`
		Query    string         `json:"query"`
		Summary  string         `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Len(t, out.Findings, 3)
	assert.Equal(t, "Quantum computing", out.Query)
	assert.Equal(t, "Found 3 results for research task", out.Summary)
}

type errSearcher struct{}

func (errSearcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	return nil, errors.New("search down")
}

func TestResearchFallsBackWhenSearchFails(t *testing.T) {
	h := NewResearchHandler(zap.NewNop(), 0, errSearcher{})

	raw, err := h.Execute(context.Background(), &model.Task{ID: "t1", Title: "Quantum"})
	require.NoError(t, err)

	var out ResearchResult
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "Research findings for Quantum", out.Findings)
}

func TestSearcherIgnoredWhenDisabled(t *testing.T) {
	r := NewRegistry(zap.NewNop(), Options{Searcher: errSearcher{}})

	raw, err := r.Execute(context.Background(), &model.Task{ID: "t1", Title: "Quantum", Type: model.TaskTypeResearch})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "source1.com")
}

func TestSimulatedDelayHonorsContext(t *testing.T) {
	h := NewAnalysisHandler(zap.NewNop(), time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Execute(ctx, &model.Task{ID: "t1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParametersRoundTrip(t *testing.T) {
	ctx := WithParameters(context.Background(), map[string]interface{}{"depth": "deep"})
	assert.Equal(t, "deep", Parameters(ctx)["depth"])
	assert.Nil(t, Parameters(context.Background()))

	raw, err := NewResearchHandler(zap.NewNop(), 0, nil).Execute(ctx, &model.Task{ID: "t1", Title: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"depth":"deep"`)
}

func TestHTTPSearcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go generics", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"title":"a"},{"title":"b"},{"title":"c"}]}`))
	}))
	defer srv.Close()

	s := NewHTTPSearcher(zap.NewNop(), srv.URL, "secret", time.Second)
	resp, err := s.Search(context.Background(), SearchRequest{Query: "go generics", MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, 2, resp.TotalResults)
}

func TestHTTPSearcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPSearcher(zap.NewNop(), srv.URL, "", time.Second).Search(context.Background(), SearchRequest{Query: "x"})
	assert.Error(t, err)
}
