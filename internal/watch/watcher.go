package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/semafold/semafold/internal/config"
)

// Watcher observes a root directory recursively and forwards relevant
// file events through the debouncer. The organizer's own renames are
// dropped via the suppressor before they reach the pipeline.
type Watcher struct {
	root       string
	extensions map[string]bool
	fsw        *fsnotify.Watcher
	debouncer  *Debouncer
	suppressor *Suppressor
	logger     *slog.Logger
}

// NewWatcher creates a watcher over root for files matching the given
// extensions (e.g. ".txt", ".md").
func NewWatcher(root string, extensions []string, debounce time.Duration, suppressor *Suppressor, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	extSet := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		extSet[strings.ToLower(ext)] = true
	}

	return &Watcher{
		root:       root,
		extensions: extSet,
		fsw:        fsw,
		debouncer:  NewDebouncer(debounce),
		suppressor: suppressor,
		logger:     logger,
	}, nil
}

// Start walks the tree, registers directory watches, and runs the event
// loop until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Output returns the debounced event batches.
func (w *Watcher) Output() <-chan []Event {
	return w.debouncer.Output()
}

// Close stops the underlying watcher and the debouncer.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.debouncer.Stop()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if Ignored(w.root, ev.Name) {
		return
	}

	// New directories need their own watch before their contents
	// produce events.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("watch new directory",
					slog.String("path", ev.Name),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}

	op, relevant := translateOp(ev.Op)
	if !relevant {
		return
	}

	if op != OpDelete && !w.extensions[strings.ToLower(filepath.Ext(ev.Name))] {
		return
	}

	if w.suppressor != nil && w.suppressor.Suppressed(ev.Name) {
		w.logger.Debug("suppressed self-initiated event",
			slog.String("path", ev.Name),
			slog.String("op", op.String()),
		)
		return
	}

	w.debouncer.Add(Event{Path: ev.Name, Op: op, Timestamp: time.Now()})
}

func translateOp(op fsnotify.Op) (Op, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpDelete, true
	default:
		return 0, false
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if Ignored(w.root, path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Ignored reports whether a path is outside the managed corpus: the
// metadata directory and hidden files or directories.
func Ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == config.MetadataDirName || strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
