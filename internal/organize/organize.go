// Package organize converges the on-disk directory layout with the
// registry's cluster assignments.
package organize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/semafold/semafold/internal/cluster"
	"github.com/semafold/semafold/internal/config"
	"github.com/semafold/semafold/internal/errors"
	"github.com/semafold/semafold/internal/registry"
	"github.com/semafold/semafold/internal/watch"
)

// Registry is the slice of registry behavior the organizer needs.
type Registry interface {
	Snapshot() registry.Snapshot
	UpdatePath(id, newPath string) error
}

// Organizer moves files into cluster directories under the root.
//
// Every move is announced to the suppressor first so the watcher drops
// the resulting events. A failed move is recoverable: the document
// keeps its recorded path and the next pass retries.
type Organizer struct {
	root       string
	reg        Registry
	suppressor *watch.Suppressor
	logger     *slog.Logger

	// OnMove, when set, observes every attempted move.
	OnMove func(ok bool)
}

// New creates an organizer for the given root.
func New(root string, reg Registry, suppressor *watch.Suppressor, logger *slog.Logger) *Organizer {
	return &Organizer{root: root, reg: reg, suppressor: suppressor, logger: logger}
}

// DirName returns the directory name for a cluster, derived from its
// label and identity.
func DirName(c registry.Cluster) string {
	sanitized := cluster.SanitizeDirName(c.Label)
	if sanitized == "" || c.Label == fmt.Sprintf("Cluster %d", c.ID) {
		return fmt.Sprintf("Cluster_%d", c.ID)
	}
	return fmt.Sprintf("%s_%d", sanitized, c.ID)
}

// Converge moves every document whose on-disk location disagrees with
// its assignment, then prunes empty cluster directories. Clusters are
// converged concurrently; documents within one cluster sequentially.
func (o *Organizer) Converge(ctx context.Context) error {
	snap := o.reg.Snapshot()

	byCluster := make(map[registry.ClusterID][]registry.Document)
	for _, d := range snap.Documents {
		byCluster[d.Cluster] = append(byCluster[d.Cluster], d)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for id, docs := range byCluster {
		dir := o.root
		if id != registry.Unclustered {
			c, ok := snap.Cluster(id)
			if !ok {
				continue
			}
			dir = filepath.Join(o.root, DirName(c))
		}
		docs := docs
		g.Go(func() error {
			return o.convergeGroup(gctx, dir, docs)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.pruneEmptyDirs(snap)
	return nil
}

func (o *Organizer) convergeGroup(ctx context.Context, dir string, docs []registry.Document) error {
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		desired := filepath.Join(dir, filepath.Base(d.Path))
		if d.Path == desired {
			continue
		}
		err := o.move(d, desired)
		if o.OnMove != nil {
			o.OnMove(err == nil)
		}
		if err != nil {
			o.logger.Warn("move failed, will retry next pass",
				slog.String("doc", d.ID),
				slog.String("from", d.Path),
				slog.String("to", desired),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (o *Organizer) move(d registry.Document, desired string) error {
	if err := os.MkdirAll(filepath.Dir(desired), 0o755); err != nil {
		return errors.MoveError(d.Path, desired, err)
	}

	desired = uniquePath(desired, d.Path)

	o.suppressor.Add(d.Path)
	o.suppressor.Add(desired)

	if err := os.Rename(d.Path, desired); err != nil {
		// No events are coming for a failed move; a lingering entry
		// would swallow a genuine user event on these paths.
		o.suppressor.Remove(d.Path)
		o.suppressor.Remove(desired)
		return errors.MoveError(d.Path, desired, err)
	}

	if err := o.reg.UpdatePath(d.ID, desired); err != nil {
		return err
	}

	o.logger.Info("moved document",
		slog.String("doc", d.ID),
		slog.String("to", desired),
	)
	return nil
}

const maxPathSuffix = 1000

// uniquePath avoids clobbering an unrelated file already at the target
// by appending a numeric suffix. Lstat errors other than NotExist count
// as occupied, and probing is bounded; past the bound the move fails
// and the next pass retries.
func uniquePath(desired, current string) string {
	if desired == current {
		return desired
	}
	candidate := desired
	ext := filepath.Ext(desired)
	stem := strings.TrimSuffix(desired, ext)
	for n := 1; n <= maxPathSuffix; n++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}
	return candidate
}

// pruneEmptyDirs removes cluster directories that no longer hold any
// documents, including directories of retired clusters.
func (o *Organizer) pruneEmptyDirs(snap registry.Snapshot) {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		o.logger.Warn("prune scan failed", slog.String("error", err.Error()))
		return
	}

	live := make(map[string]bool)
	for _, c := range snap.Clusters {
		if !c.Retired && len(snap.Members(c.ID)) > 0 {
			live[DirName(c)] = true
		}
	}

	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] || e.Name() == config.MetadataDirName || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !clusterDirPattern(e.Name()) {
			continue
		}
		path := filepath.Join(o.root, e.Name())
		// Remove succeeds only when empty; occupied directories stay.
		if err := os.Remove(path); err == nil {
			o.logger.Info("removed empty cluster directory", slog.String("dir", e.Name()))
		}
	}
}

// clusterDirPattern reports whether a directory name looks like one the
// organizer created ("<Label>_<id>"). Foreign directories are never
// touched.
func clusterDirPattern(name string) bool {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 || i == len(name)-1 {
		return false
	}
	for _, r := range name[i+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
