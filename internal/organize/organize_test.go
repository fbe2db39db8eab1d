package organize

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semafold/semafold/internal/registry"
	"github.com/semafold/semafold/internal/watch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seed(t *testing.T, root string, names ...string) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, name := range names {
		path := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0o644))
		require.NoError(t, r.AddDocument(registry.Document{
			ID: name, Path: path, Fingerprint: "fp-" + name, VectorRef: name,
		}))
	}
	return r
}

func assign(t *testing.T, r *registry.Registry, label string, members ...string) registry.ClusterID {
	t.Helper()
	snap := r.Snapshot()
	plan := registry.Plan{
		Assign:    map[string]registry.ClusterID{},
		NewGroups: []registry.NewGroup{{Label: label, Members: members}},
	}
	memberSet := map[string]bool{}
	for _, m := range members {
		memberSet[m] = true
	}
	for _, c := range snap.Clusters {
		if !c.Retired {
			plan.Claimed = append(plan.Claimed, c.ID)
		}
	}
	for _, d := range snap.Documents {
		if !memberSet[d.ID] {
			plan.Assign[d.ID] = d.Cluster
		}
	}
	res, err := r.ApplyReconciliation(plan)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	return res.Created[0]
}

func TestDirName(t *testing.T) {
	assert.Equal(t, "Quantum_3", DirName(registry.Cluster{ID: 3, Label: "Quantum"}))
	assert.Equal(t, "Cluster_7", DirName(registry.Cluster{ID: 7, Label: "Cluster 7"}))
	assert.Equal(t, "Cluster_9", DirName(registry.Cluster{ID: 9, Label: "!!!"}))
}

func TestConverge_MovesIntoClusterDir(t *testing.T) {
	root := t.TempDir()
	r := seed(t, root, "a.txt", "b.txt")
	id := assign(t, r, "Recipes", "a.txt", "b.txt")

	sup := watch.NewSuppressor(5 * time.Second)
	o := New(root, r, sup, testLogger())
	require.NoError(t, o.Converge(t.Context()))

	wantDir := filepath.Join(root, DirName(registry.Cluster{ID: id, Label: "Recipes"}))
	assert.FileExists(t, filepath.Join(wantDir, "a.txt"))
	assert.FileExists(t, filepath.Join(wantDir, "b.txt"))

	doc, _ := r.Get("a.txt")
	assert.Equal(t, filepath.Join(wantDir, "a.txt"), doc.Path)
}

func TestConverge_SuppressesOwnMoves(t *testing.T) {
	root := t.TempDir()
	r := seed(t, root, "a.txt")
	assign(t, r, "Notes", "a.txt")

	sup := watch.NewSuppressor(5 * time.Second)
	o := New(root, r, sup, testLogger())
	require.NoError(t, o.Converge(t.Context()))

	doc, _ := r.Get("a.txt")
	assert.True(t, sup.Suppressed(filepath.Join(root, "a.txt")))
	assert.True(t, sup.Suppressed(doc.Path))
}

func TestConverge_UnclusteredStaysAtRoot(t *testing.T) {
	root := t.TempDir()
	r := seed(t, root, "a.txt")

	o := New(root, r, watch.NewSuppressor(time.Second), testLogger())
	require.NoError(t, o.Converge(t.Context()))

	assert.FileExists(t, filepath.Join(root, "a.txt"))
}

func TestConverge_Idempotent(t *testing.T) {
	root := t.TempDir()
	r := seed(t, root, "a.txt")
	assign(t, r, "Notes", "a.txt")

	o := New(root, r, watch.NewSuppressor(time.Second), testLogger())
	require.NoError(t, o.Converge(t.Context()))
	first, _ := r.Get("a.txt")
	v1 := r.Version()

	require.NoError(t, o.Converge(t.Context()))
	second, _ := r.Get("a.txt")

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, v1, r.Version())
}

func TestConverge_RetiredClusterDirPruned(t *testing.T) {
	root := t.TempDir()
	r := seed(t, root, "a.txt", "b.txt")
	assign(t, r, "Old", "a.txt", "b.txt")

	o := New(root, r, watch.NewSuppressor(time.Second), testLogger())
	require.NoError(t, o.Converge(t.Context()))

	// Everything disbands: next pass claims nothing.
	res, err := r.ApplyReconciliation(registry.Plan{Assign: map[string]registry.ClusterID{
		"a.txt": registry.Unclustered,
		"b.txt": registry.Unclustered,
	}})
	require.NoError(t, err)
	require.Len(t, res.Retired, 1)

	require.NoError(t, o.Converge(t.Context()))

	assert.FileExists(t, filepath.Join(root, "a.txt"))
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.IsDir(), "expected no leftover cluster dirs, found %s", e.Name())
	}
}

func TestConverge_CollisionGetsSuffix(t *testing.T) {
	root := t.TempDir()
	r := seed(t, root, "a.txt")
	id := assign(t, r, "Notes", "a.txt")

	dir := filepath.Join(root, DirName(registry.Cluster{ID: id, Label: "Notes"}))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("squatter"), 0o644))

	o := New(root, r, watch.NewSuppressor(time.Second), testLogger())
	require.NoError(t, o.Converge(t.Context()))

	doc, _ := r.Get("a.txt")
	assert.Equal(t, filepath.Join(dir, "a_1.txt"), doc.Path)
	assert.FileExists(t, doc.Path)

	squatter, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "squatter", string(squatter))
}

func TestConverge_FailedMoveClearsSuppression(t *testing.T) {
	root := t.TempDir()
	r := registry.New()
	ghost := filepath.Join(root, "ghost.txt")
	require.NoError(t, r.AddDocument(registry.Document{
		ID: "ghost.txt", Path: ghost, Fingerprint: "fp-ghost", VectorRef: "ghost.txt",
	}))
	assign(t, r, "Notes", "ghost.txt")

	sup := watch.NewSuppressor(5 * time.Second)
	o := New(root, r, sup, testLogger())
	require.NoError(t, o.Converge(t.Context()))

	// The source never existed, so the rename failed and the entries
	// must not survive to swallow real events on these paths.
	assert.Equal(t, 0, sup.Len())
	assert.False(t, sup.Suppressed(ghost))
}

func TestUniquePath_TreatsLstatErrorsAsOccupied(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// Lstat under a regular file fails with ENOTDIR, not NotExist;
	// probing must still terminate.
	got := uniquePath(filepath.Join(blocker, "x.txt"), filepath.Join(dir, "elsewhere.txt"))

	assert.True(t, strings.HasSuffix(got, fmt.Sprintf("_%d.txt", maxPathSuffix)))
}

func TestClusterDirPattern(t *testing.T) {
	assert.True(t, clusterDirPattern("Recipes_3"))
	assert.True(t, clusterDirPattern("Cluster_12"))
	assert.False(t, clusterDirPattern("Projects"))
	assert.False(t, clusterDirPattern("_3"))
	assert.False(t, clusterDirPattern("Notes_"))
	assert.False(t, clusterDirPattern("Notes_abc"))
}
