package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semafold/semafold/internal/answer"
	"github.com/semafold/semafold/internal/embed"
	"github.com/semafold/semafold/internal/extract"
	"github.com/semafold/semafold/internal/graph"
	"github.com/semafold/semafold/internal/metrics"
	"github.com/semafold/semafold/internal/query"
	"github.com/semafold/semafold/internal/registry"
	"github.com/semafold/semafold/internal/vector"
)

type stubAnswerer struct{}

func (stubAnswerer) Answer(_ context.Context, _ string, _ []answer.Passage) (string, error) {
	return "stub answer", nil
}
func (stubAnswerer) Close() error { return nil }

type stubRuntime struct {
	quarantined int
	passes      uint64
}

func (s *stubRuntime) QuarantineCount() int { return s.quarantined }
func (s *stubRuntime) PassCount() uint64    { return s.passes }

type fixture struct {
	srv      *httptest.Server
	reg      *registry.Registry
	runtime  *stubRuntime
	triggers int
}

func newFixture(t *testing.T, docs map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New()
	index := vector.NewIndex(vector.Config{})
	embedder := embed.NewStaticEmbedder()
	t.Cleanup(func() {
		index.Close()
		embedder.Close()
	})

	texts := make(map[string]string)
	for id, text := range docs {
		path := filepath.Join(dir, id+".txt")
		require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
		vec, err := embedder.Embed(t.Context(), text)
		require.NoError(t, err)
		require.NoError(t, index.Upsert(t.Context(), id, vec))
		require.NoError(t, reg.AddDocument(registry.Document{
			ID: id, Path: path, Fingerprint: "fp-" + id, VectorRef: id,
		}))
		texts[id] = text
	}
	source := func(id string) (string, bool) {
		text, ok := texts[id]
		return text, ok
	}

	f := &fixture{reg: reg, runtime: &stubRuntime{}}
	engine := query.NewEngine(embedder, index, reg, stubAnswerer{}, extract.NewPlainText(), source, 3, slog.New(slog.DiscardHandler))
	api := NewServer(reg, engine, metrics.New(), f.runtime, "corpus", func() { f.triggers++ }, slog.New(slog.DiscardHandler))
	f.srv = httptest.NewServer(api.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func makeCluster(t *testing.T, reg *registry.Registry, label string, members ...string) registry.ClusterID {
	t.Helper()
	snap := reg.Snapshot()
	plan := registry.Plan{
		Assign:    map[string]registry.ClusterID{},
		NewGroups: []registry.NewGroup{{Label: label, Members: members}},
	}
	inGroup := map[string]bool{}
	for _, m := range members {
		inGroup[m] = true
	}
	for _, c := range snap.Clusters {
		if !c.Retired {
			plan.Claimed = append(plan.Claimed, c.ID)
		}
	}
	for _, d := range snap.Documents {
		if !inGroup[d.ID] {
			plan.Assign[d.ID] = d.Cluster
		}
	}
	res, err := reg.ApplyReconciliation(plan)
	require.NoError(t, err)
	return res.Created[0]
}

func TestGraphEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{
		"d1": "banana bread recipe flour",
		"d2": "tomato soup recipe garlic",
	})
	makeCluster(t, f.reg, "Recipes", "d1", "d2")

	resp := f.get(t, "/graph")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	g := decode[graph.Graph](t, resp)
	assert.Len(t, g.Nodes, 4) // root + topic + 2 files
	assert.Len(t, g.Links, 3)
}

func TestClustersEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{
		"d1": "banana bread recipe flour",
		"d2": "tomato soup recipe garlic",
	})
	makeCluster(t, f.reg, "Recipes", "d1", "d2")

	resp := f.get(t, "/clusters")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	views := decode[[]clusterView](t, resp)
	require.Len(t, views, 1)
	assert.Equal(t, "Recipes", views[0].Label)
	assert.ElementsMatch(t, []string{"d1", "d2"}, views[0].Members)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{"d1": "a lonely document here"})
	f.runtime.quarantined = 2
	f.runtime.passes = 7

	resp := f.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, stats["documents"])
	assert.EqualValues(t, 0, stats["clusters"])
	assert.EqualValues(t, 0, stats["retired"])
	assert.EqualValues(t, 1, stats["unclustered"])
	assert.EqualValues(t, 0, stats["pinned"])
	assert.EqualValues(t, 0, stats["entropy"])
	assert.EqualValues(t, 2, stats["quarantined"])
	assert.EqualValues(t, 7, stats["reconcile_passes"])
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{
		"bread":   "banana bread recipe flour sugar",
		"quantum": "quantum entanglement superposition",
	})

	resp := f.post(t, "/search", map[string]any{"query": "banana bread", "k": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	matches := decode[[]query.Match](t, resp)
	require.Len(t, matches, 1)
	assert.Equal(t, "bread", matches[0].DocID)
	assert.Equal(t, "banana bread recipe flour sugar", matches[0].Preview)
}

func TestSearchEndpoint_EmptyQuery(t *testing.T) {
	f := newFixture(t, map[string]string{"d1": "some document text"})

	resp := f.post(t, "/search", map[string]any{"query": ""})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAskEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{"d1": "banana bread bakes at 175C"})

	resp := f.post(t, "/ask", map[string]any{"question": "baking temperature?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ans := decode[query.Answer](t, resp)
	assert.Equal(t, "stub answer", ans.Text)
	assert.NotEmpty(t, ans.Sources)
}

func TestAskEndpoint_ClusterScoped(t *testing.T) {
	f := newFixture(t, map[string]string{
		"bread":   "banana bread recipe flour sugar",
		"quantum": "quantum entanglement superposition",
	})
	id := makeCluster(t, f.reg, "Physics", "quantum")

	resp := f.post(t, "/ask", map[string]any{"question": "recipes?", "cluster_id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ans := decode[query.Answer](t, resp)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "quantum", ans.Sources[0].DocID)
}

func TestAskEndpoint_UnknownCluster(t *testing.T) {
	f := newFixture(t, map[string]string{"d1": "some document text"})

	resp := f.post(t, "/ask", map[string]any{"question": "anything?", "cluster_id": 42})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAskEndpoint_EmptyCorpus(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/ask", map[string]any{"question": "anything?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ans := decode[query.Answer](t, resp)
	assert.Equal(t, query.NoKnowledgeBaseAnswer, ans.Text)
}

func TestMoveFileEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{
		"d1": "banana bread recipe flour",
		"d2": "tomato soup recipe garlic",
		"d3": "stray note about nothing",
	})
	makeCluster(t, f.reg, "Recipes", "d1", "d2")

	resp := f.post(t, "/move-file", map[string]any{"doc_id": "d3", "cluster": "Recipes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	doc, _ := f.reg.Get("d3")
	assert.True(t, doc.Pinned)
	assert.Equal(t, 1, f.triggers)
}

func TestMoveFileEndpoint_UnknownCluster(t *testing.T) {
	f := newFixture(t, map[string]string{"d1": "some document text"})

	resp := f.post(t, "/move-file", map[string]any{"doc_id": "d1", "cluster": "Nope"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, f.triggers)
}

func TestUnpinEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{
		"d1": "banana bread recipe flour",
		"d2": "tomato soup recipe garlic",
		"d3": "stray note about nothing",
	})
	id := makeCluster(t, f.reg, "Recipes", "d1", "d2")
	_, err := f.reg.Override("d3", id)
	require.NoError(t, err)

	resp := f.post(t, "/unpin", map[string]any{"doc_id": "d3"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	doc, _ := f.reg.Get("d3")
	assert.False(t, doc.Pinned)
	assert.Equal(t, 1, f.triggers)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get(t, "/metrics")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
