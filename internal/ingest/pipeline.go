// Package ingest turns file events into registered, embedded documents
// and schedules reconciliation passes.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/semafold/semafold/internal/embed"
	"github.com/semafold/semafold/internal/errors"
	"github.com/semafold/semafold/internal/extract"
	"github.com/semafold/semafold/internal/metrics"
	"github.com/semafold/semafold/internal/registry"
	"github.com/semafold/semafold/internal/store"
	"github.com/semafold/semafold/internal/vector"
	"github.com/semafold/semafold/internal/watch"
)

// Options tunes the pipeline.
type Options struct {
	// StabilityInterval separates the two stats of the stability check.
	StabilityInterval time.Duration
	// Workers bounds concurrent upsert processing within a batch.
	Workers int
	// Retry governs embedding retries before quarantine.
	Retry errors.RetryConfig
	// Extensions are the file extensions under management.
	Extensions []string
}

// Pipeline ingests files: stability check, extraction, fingerprinting,
// dedup, embedding (cached, retried), vector upsert, registration.
//
// A path whose embedding retries are exhausted is quarantined; the next
// event for it clears the quarantine and tries again.
type Pipeline struct {
	opts      Options
	extractor extract.Extractor
	embedder  embed.Embedder
	cache     *store.EmbeddingStore // optional
	index     *vector.Index
	reg       *registry.Registry
	scheduler *Scheduler
	mx        *metrics.Metrics
	logger    *slog.Logger

	mu         sync.Mutex
	quarantine map[string]bool
	texts      map[string]string // doc id -> extracted text
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(opts Options, extractor extract.Extractor, embedder embed.Embedder, cache *store.EmbeddingStore, index *vector.Index, reg *registry.Registry, scheduler *Scheduler, mx *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = errors.DefaultRetryConfig()
	}
	return &Pipeline{
		opts:       opts,
		extractor:  extractor,
		embedder:   embedder,
		cache:      cache,
		index:      index,
		reg:        reg,
		scheduler:  scheduler,
		mx:         mx,
		logger:     logger,
		quarantine: make(map[string]bool),
		texts:      make(map[string]string),
	}
}

// Text returns the extracted text of a document, for labeling and
// grounded answering.
func (p *Pipeline) Text(docID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	text, ok := p.texts[docID]
	return text, ok
}

// Quarantined reports whether a path is quarantined.
func (p *Pipeline) Quarantined(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantine[path]
}

// QuarantineCount returns how many paths are currently quarantined.
func (p *Pipeline) QuarantineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.quarantine)
}

// HandleBatch processes one debounced event batch. Creates and
// modifications run before deletions so a rename dedups by fingerprint
// instead of dropping and re-embedding the document. A reconciliation
// pass is requested when anything changed.
func (p *Pipeline) HandleBatch(ctx context.Context, events []watch.Event) {
	var upserts, deletes []watch.Event
	for _, ev := range events {
		if ev.Op == watch.OpDelete {
			deletes = append(deletes, ev)
		} else {
			upserts = append(upserts, ev)
		}
	}
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].Path < upserts[j].Path })
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Path < deletes[j].Path })

	changed := false
	var changedMu sync.Mutex
	note := func(c bool) {
		if c {
			changedMu.Lock()
			changed = true
			changedMu.Unlock()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, ev := range upserts {
		ev := ev
		g.Go(func() error {
			note(p.processUpsert(gctx, ev.Path))
			return nil
		})
	}
	_ = g.Wait()

	for _, ev := range deletes {
		note(p.processDelete(ctx, ev.Path))
	}

	if changed {
		p.scheduler.Request()
	}
}

// InitialScan ingests every managed file already under root, then
// requests a reconciliation pass.
func (p *Pipeline) InitialScan(ctx context.Context, root string) error {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// One unreadable entry must not abort the scan.
			p.logger.Warn("scan skipping entry",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if watch.Ignored(root, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if watch.Ignored(root, path) || !p.managedExt(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			p.processUpsert(gctx, path)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("initial scan complete", slog.Int("files", len(paths)))
	p.scheduler.Request()
	return nil
}

func (p *Pipeline) managedExt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range p.opts.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// processUpsert ingests a created or modified file. Returns true when
// the corpus changed.
func (p *Pipeline) processUpsert(ctx context.Context, path string) bool {
	p.mu.Lock()
	delete(p.quarantine, path)
	p.mu.Unlock()

	if err := p.awaitStable(ctx, path); err != nil {
		if os.IsNotExist(err) {
			// Raced a deletion; the delete event handles cleanup.
			return false
		}
		p.logger.Warn("file not stable, skipping",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		p.mx.StageFailures.WithLabelValues("stability").Inc()
		return false
	}

	text, err := p.extractor.Extract(ctx, path)
	if err != nil {
		p.logger.Warn("extraction failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		p.mx.StageFailures.WithLabelValues("extract").Inc()
		return false
	}

	fp := Fingerprint(text)
	existing, hasExisting := p.reg.FindByPath(path)
	if hasExisting && existing.Fingerprint == fp {
		return false
	}

	if canonical, ok := p.reg.FindByFingerprint(fp); ok {
		return p.dedup(path, fp, canonical, existing, hasExisting)
	}

	vec, err := p.embedText(ctx, fp, text)
	if err != nil {
		p.logger.Error("embedding failed, quarantining",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		p.mu.Lock()
		p.quarantine[path] = true
		p.mu.Unlock()
		p.mx.StageFailures.WithLabelValues("embed").Inc()
		p.mx.Quarantined.Inc()
		return false
	}

	if hasExisting {
		return p.updateInPlace(ctx, existing, fp, text, vec)
	}
	return p.register(ctx, path, fp, text, vec)
}

// dedup handles content that is already registered under another path:
// a rename or copy. The canonical document follows the new path.
func (p *Pipeline) dedup(path, fp string, canonical registry.Document, existing registry.Document, hasExisting bool) bool {
	if canonical.Path == path {
		return false
	}
	if hasExisting && existing.ID != canonical.ID {
		// The file at this path now duplicates another document;
		// the canonical one wins and the stale entry goes.
		p.removeDocument(existing)
	}
	if err := p.reg.UpdatePath(canonical.ID, path); err != nil {
		p.logger.Warn("dedup path update failed",
			slog.String("doc", canonical.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	p.logger.Info("rename detected via fingerprint",
		slog.String("doc", canonical.ID),
		slog.String("path", path),
	)
	return true
}

func (p *Pipeline) updateInPlace(ctx context.Context, doc registry.Document, fp, text string, vec []float32) bool {
	if err := p.index.Upsert(ctx, doc.ID, vec); err != nil {
		p.logger.Error("vector upsert failed", slog.String("doc", doc.ID), slog.String("error", err.Error()))
		p.mx.StageFailures.WithLabelValues("index").Inc()
		return false
	}
	oldFp := doc.Fingerprint
	if err := p.reg.UpdateContent(doc.ID, fp); err != nil {
		p.logger.Error("content update failed", slog.String("doc", doc.ID), slog.String("error", err.Error()))
		return false
	}
	if p.cache != nil {
		_ = p.cache.Delete(ctx, oldFp)
	}
	p.mu.Lock()
	p.texts[doc.ID] = text
	p.mu.Unlock()
	p.logger.Info("document updated", slog.String("doc", doc.ID), slog.String("path", doc.Path))
	return true
}

func (p *Pipeline) register(ctx context.Context, path, fp, text string, vec []float32) bool {
	id := uuid.NewString()
	if err := p.index.Upsert(ctx, id, vec); err != nil {
		p.logger.Error("vector upsert failed", slog.String("path", path), slog.String("error", err.Error()))
		p.mx.StageFailures.WithLabelValues("index").Inc()
		return false
	}
	doc := registry.Document{
		ID:          id,
		Path:        path,
		Fingerprint: fp,
		VectorRef:   id,
		CreatedAt:   time.Now(),
	}
	if err := p.reg.AddDocument(doc); err != nil {
		_ = p.index.Delete(ctx, id)
		// Identical content racing in the same batch loses to the copy
		// registered first.
		if canonical, ok := p.reg.FindByFingerprint(fp); ok {
			return p.dedup(path, fp, canonical, registry.Document{}, false)
		}
		p.logger.Error("registration failed", slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	p.mu.Lock()
	p.texts[id] = text
	p.mu.Unlock()
	p.mx.DocumentsIngested.Inc()
	p.logger.Info("document ingested", slog.String("doc", id), slog.String("path", path))
	return true
}

// processDelete removes the document at path. Stale deletes from
// renames miss the path lookup and are ignored.
func (p *Pipeline) processDelete(ctx context.Context, path string) bool {
	doc, ok := p.reg.FindByPath(path)
	if !ok {
		return false
	}
	p.removeDocument(doc)
	if p.cache != nil {
		_ = p.cache.Delete(ctx, doc.Fingerprint)
	}
	p.mx.DocumentsRemoved.Inc()
	p.logger.Info("document removed", slog.String("doc", doc.ID), slog.String("path", path))
	return true
}

func (p *Pipeline) removeDocument(doc registry.Document) {
	p.reg.Remove(doc.ID)
	_ = p.index.Delete(context.Background(), doc.ID)
	p.mu.Lock()
	delete(p.texts, doc.ID)
	p.mu.Unlock()
}

// awaitStable requires two identical stats separated by the stability
// interval, retrying a few times for files still being written.
func (p *Pipeline) awaitStable(ctx context.Context, path string) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		before, err := os.Stat(path)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.StabilityInterval):
		}
		after, err := os.Stat(path)
		if err != nil {
			return err
		}
		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return nil
		}
		lastErr = errors.New(errors.ErrCodeFileUnstable, "file still changing", nil)
	}
	return lastErr
}

// embedText returns the embedding for the text, preferring the durable
// cache and retrying upstream failures with backoff.
func (p *Pipeline) embedText(ctx context.Context, fp, text string) ([]float32, error) {
	model := p.embedder.ModelName()
	if p.cache != nil {
		if vec, ok, err := p.cache.Get(ctx, fp, model); err == nil && ok {
			return vec, nil
		}
	}

	var vec []float32
	err := errors.WithRetry(ctx, p.opts.Retry, func() error {
		var embedErr error
		vec, embedErr = p.embedder.Embed(ctx, text)
		return embedErr
	})
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Put(ctx, fp, model, vec); err != nil {
			p.logger.Warn("embedding cache write failed", slog.String("error", err.Error()))
		}
	}
	return vec, nil
}

// Fingerprint hashes extracted text for dedup.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
