// Package daemon assembles and runs the semafold pipeline: watcher,
// ingestion, reconciliation, convergence, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/semafold/semafold/internal/answer"
	"github.com/semafold/semafold/internal/cluster"
	"github.com/semafold/semafold/internal/config"
	"github.com/semafold/semafold/internal/embed"
	semerrors "github.com/semafold/semafold/internal/errors"
	"github.com/semafold/semafold/internal/extract"
	"github.com/semafold/semafold/internal/httpapi"
	"github.com/semafold/semafold/internal/ingest"
	"github.com/semafold/semafold/internal/metrics"
	"github.com/semafold/semafold/internal/organize"
	"github.com/semafold/semafold/internal/query"
	"github.com/semafold/semafold/internal/registry"
	"github.com/semafold/semafold/internal/store"
	"github.com/semafold/semafold/internal/vector"
	"github.com/semafold/semafold/internal/watch"
)

// Daemon owns the full pipeline for one monitored root.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	lock       *flock.Flock
	cache      *store.EmbeddingStore
	embedder   embed.Embedder
	answerer   answer.Answerer
	index      *vector.Index
	reg        *registry.Registry
	scheduler  *ingest.Scheduler
	suppressor *watch.Suppressor
	pipeline   *ingest.Pipeline
	reconciler *cluster.Reconciler
	organizer  *organize.Organizer
	watcher    *watch.Watcher
	httpServer *http.Server
	mx         *metrics.Metrics
	passes     atomic.Uint64
}

// QuarantineCount reports how many paths the pipeline has quarantined.
func (d *Daemon) QuarantineCount() int { return d.pipeline.QuarantineCount() }

// PassCount reports how many reconciliation passes have completed.
func (d *Daemon) PassCount() uint64 { return d.passes.Load() }

// New wires a daemon from configuration. Exactly one instance may run
// per root; a second instance fails on the lock.
func New(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.MetadataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.MetadataDir(), "semafold.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("another instance already manages %s", cfg.Root)
	}

	d := &Daemon{cfg: cfg, logger: logger, lock: lock, mx: metrics.New()}
	if err := d.build(); err != nil {
		_ = lock.Unlock()
		d.closeComponents()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	var err error
	d.cache, err = store.Open(filepath.Join(d.cfg.MetadataDir(), "embeddings.db"))
	if err != nil {
		return err
	}

	base, err := d.buildEmbedder()
	if err != nil {
		return err
	}
	d.embedder, err = embed.NewCachedEmbedder(base, d.cfg.Embeddings.CacheSize)
	if err != nil {
		return err
	}

	d.answerer = answer.NewOpenAIAnswerer(answer.OpenAIConfig{
		APIKey:  d.cfg.Answer.APIKey,
		BaseURL: d.cfg.Answer.BaseURL,
		Model:   d.cfg.Answer.Model,
		Timeout: d.cfg.Answer.Timeout,
	})

	d.index = vector.NewIndex(vector.Config{Dimensions: d.cfg.Embeddings.Dimensions})
	d.reg = registry.New()
	d.scheduler = ingest.NewScheduler()
	d.suppressor = watch.NewSuppressor(d.cfg.Watch.SuppressionWindow)

	extractor := extract.NewPlainText()
	retry := semerrors.DefaultRetryConfig()
	if d.cfg.Embeddings.MaxRetries > 0 {
		retry.MaxRetries = d.cfg.Embeddings.MaxRetries
	}
	d.pipeline = ingest.NewPipeline(ingest.Options{
		StabilityInterval: d.cfg.Watch.StabilityInterval,
		Workers:           d.cfg.Watch.Workers,
		Retry:             retry,
		Extensions:        d.cfg.Watch.Extensions,
	}, extractor, d.embedder, d.cache, d.index, d.reg, d.scheduler, d.mx, d.logger)

	d.reconciler = cluster.NewReconciler(cluster.Params{
		Eps:              d.cfg.Cluster.Eps,
		MinPts:           d.cfg.Cluster.MinPts,
		OverlapThreshold: d.cfg.Cluster.OverlapThreshold,
	}, d.pipeline.Text, d.logger)

	d.organizer = organize.New(d.cfg.Root, d.reg, d.suppressor, d.logger)
	d.organizer.OnMove = func(ok bool) {
		d.mx.MovesTotal.Inc()
		if !ok {
			d.mx.MovesFailed.Inc()
		}
	}

	d.watcher, err = watch.NewWatcher(d.cfg.Root, d.cfg.Watch.Extensions,
		d.cfg.Watch.DebounceWindow, d.suppressor, d.logger)
	if err != nil {
		return err
	}

	engine := query.NewEngine(d.embedder, d.index, d.reg, d.answerer,
		extractor, d.pipeline.Text, d.cfg.Answer.TopK, d.logger)
	api := httpapi.NewServer(d.reg, engine, d.mx, d, filepath.Base(d.cfg.Root),
		d.scheduler.Request, d.logger)
	d.httpServer = &http.Server{
		Addr:              d.cfg.Server.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (d *Daemon) buildEmbedder() (embed.Embedder, error) {
	switch d.cfg.Embeddings.Provider {
	case "static":
		return embed.NewStaticEmbedder(), nil
	case "openai":
		return embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			APIKey:     d.cfg.Embeddings.APIKey,
			BaseURL:    d.cfg.Embeddings.BaseURL,
			Model:      d.cfg.Embeddings.Model,
			Dimensions: d.cfg.Embeddings.Dimensions,
			Timeout:    d.cfg.Embeddings.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", d.cfg.Embeddings.Provider)
	}
}

// Run starts the daemon and blocks until the context is cancelled or a
// fatal error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Close()

	d.logger.Info("daemon starting",
		slog.String("root", d.cfg.Root),
		slog.String("listen", d.cfg.Server.Listen),
		slog.String("embeddings", d.cfg.Embeddings.Provider),
	)

	if err := d.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	if err := d.pipeline.InitialScan(ctx, d.cfg.Root); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.eventLoop(gctx) })
	g.Go(func() error { return d.passLoop(gctx) })

	g.Go(func() error {
		err := d.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("daemon stopped")
	return err
}

func (d *Daemon) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-d.watcher.Output():
			if !ok {
				return nil
			}
			d.pipeline.HandleBatch(ctx, batch)
		}
	}
}

// passLoop runs reconciliation and convergence passes, one at a time.
func (d *Daemon) passLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.scheduler.Requests():
			if err := d.runPass(ctx); err != nil {
				if semerrors.IsFatal(err) {
					return err
				}
				d.logger.Error("pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (d *Daemon) runPass(ctx context.Context) error {
	start := time.Now()

	plan := d.reconciler.Plan(d.reg.Snapshot(), d.index.All())
	res, err := d.reg.ApplyReconciliation(plan)
	if err != nil {
		return err
	}

	if err := d.organizer.Converge(ctx); err != nil {
		return err
	}

	stats := d.reg.Stats()
	d.passes.Add(1)
	d.mx.ReconcilePasses.Inc()
	d.mx.ReconcileDuration.Observe(time.Since(start).Seconds())
	d.mx.ClustersLive.Set(float64(stats.Clusters))
	d.mx.DocumentsTracked.Set(float64(stats.Documents))

	d.logger.Info("pass complete",
		slog.Int("changed", len(res.Changed)),
		slog.Int("created", len(res.Created)),
		slog.Int("retired", len(res.Retired)),
		slog.Int("clusters", stats.Clusters),
		slog.Int("documents", stats.Documents),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// Close releases every component. Safe to call after a failed start.
func (d *Daemon) Close() {
	d.closeComponents()
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
}

func (d *Daemon) closeComponents() {
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.index != nil {
		_ = d.index.Close()
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
	if d.answerer != nil {
		_ = d.answerer.Close()
	}
	if d.cache != nil {
		_ = d.cache.Close()
	}
}
