package query

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semafold/semafold/internal/answer"
	"github.com/semafold/semafold/internal/embed"
	"github.com/semafold/semafold/internal/errors"
	"github.com/semafold/semafold/internal/extract"
	"github.com/semafold/semafold/internal/registry"
	"github.com/semafold/semafold/internal/vector"
)

// fakeAnswerer records calls and replies with a canned answer.
type fakeAnswerer struct {
	called   bool
	passages []answer.Passage
	reply    string
	err      error
}

func (f *fakeAnswerer) Answer(_ context.Context, _ string, passages []answer.Passage) (string, error) {
	f.called = true
	f.passages = passages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeAnswerer) Close() error { return nil }

type fixture struct {
	engine   *Engine
	reg      *registry.Registry
	answerer *fakeAnswerer
}

func newFixture(t *testing.T, docs map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	embedder := embed.NewStaticEmbedder()
	index := vector.NewIndex(vector.Config{})
	reg := registry.New()
	t.Cleanup(func() {
		embedder.Close()
		index.Close()
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

	fa := &fakeAnswerer{reply: "a grounded answer"}
	engine := NewEngine(embedder, index, reg, fa, extract.NewPlainText(), source, 3, slog.New(slog.DiscardHandler))
	return &fixture{engine: engine, reg: reg, answerer: fa}
}

func TestSearch_RanksRelevantFirst(t *testing.T) {
	f := newFixture(t, map[string]string{
		"bread":   "banana bread recipe flour sugar butter oven",
		"soup":    "tomato soup recipe simmer garlic basil",
		"quantum": "quantum entanglement superposition measurement",
	})

	matches, err := f.engine.Search(t.Context(), "banana bread baking recipe", 2)

	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "bread", matches[0].DocID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestSearch_KLargerThanCorpus(t *testing.T) {
	f := newFixture(t, map[string]string{
		"one": "first document text here",
		"two": "second document text here",
	})

	matches, err := f.engine.Search(t.Context(), "document", 50)

	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"one": "some document text"})

	_, err := f.engine.Search(t.Context(), "", 5)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeQueryEmpty, errors.GetCode(err))
}

func TestSearch_EmptyCorpus(t *testing.T) {
	f := newFixture(t, nil)

	matches, err := f.engine.Search(t.Context(), "anything", 5)

	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearch_Deterministic(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a": "alpha beta gamma delta",
		"b": "alpha beta gamma epsilon",
		"c": "unrelated topic entirely different",
	})

	first, err := f.engine.Search(t.Context(), "alpha beta", 3)
	require.NoError(t, err)
	second, err := f.engine.Search(t.Context(), "alpha beta", 3)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSearch_IncludesPreview(t *testing.T) {
	long := strings.Repeat("banana bread recipe ", 20)
	f := newFixture(t, map[string]string{"bread": long})

	matches, err := f.engine.Search(t.Context(), "banana bread", 1)

	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Len(t, []rune(matches[0].Preview), 200)
	assert.True(t, strings.HasPrefix(long, matches[0].Preview))
}

func assignCluster(t *testing.T, r *registry.Registry, label string, members ...string) registry.ClusterID {
	t.Helper()
	snap := r.Snapshot()
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
	res, err := r.ApplyReconciliation(plan)
	require.NoError(t, err)
	return res.Created[0]
}

func TestAsk_ClusterScopedRetrieval(t *testing.T) {
	f := newFixture(t, map[string]string{
		"bread":   "banana bread recipe flour sugar butter",
		"soup":    "tomato soup recipe simmer garlic basil",
		"quantum": "quantum entanglement superposition measurement",
	})
	id := assignCluster(t, f.reg, "Physics", "quantum")

	ans, err := f.engine.Ask(t.Context(), "recipe for dinner?", id)

	require.NoError(t, err)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "quantum", ans.Sources[0].DocID)
	require.Len(t, f.answerer.passages, 1)
	assert.Contains(t, f.answerer.passages[0].Text, "entanglement")
}

func TestAsk_UnknownClusterRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"one": "some document text"})

	_, err := f.engine.Ask(t.Context(), "anything?", registry.ClusterID(99))

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
	assert.False(t, f.answerer.called)
}

func TestAsk_PassesRetrievedContext(t *testing.T) {
	f := newFixture(t, map[string]string{
		"bread": "banana bread bakes at 175C for one hour",
	})

	ans, err := f.engine.Ask(t.Context(), "what temperature for banana bread?", registry.Unclustered)

	require.NoError(t, err)
	assert.Equal(t, "a grounded answer", ans.Text)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "bread", ans.Sources[0].DocID)
	require.Len(t, f.answerer.passages, 1)
	assert.Contains(t, f.answerer.passages[0].Text, "175C")
}

func TestAsk_EmptyCorpusSkipsUpstream(t *testing.T) {
	f := newFixture(t, nil)

	ans, err := f.engine.Ask(t.Context(), "anything?", registry.Unclustered)

	require.NoError(t, err)
	assert.Equal(t, NoKnowledgeBaseAnswer, ans.Text)
	assert.False(t, f.answerer.called)
}

func TestAsk_UpstreamErrorSurfaces(t *testing.T) {
	f := newFixture(t, map[string]string{"one": "some document text"})
	f.answerer.err = errors.UpstreamError(assert.AnError)

	_, err := f.engine.Ask(t.Context(), "anything?", registry.Unclustered)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUpstreamFailed, errors.GetCode(err))
}
