package rails

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/metrics"
)

// Watcher keeps an Engine in sync with a policy file. A reload that fails to
// parse, validate or build keeps the previous engine in place.
type Watcher struct {
	path    string
	deps    Deps
	logger  *zap.Logger
	current atomic.Pointer[Engine]

	// debounce coalesces the burst of events editors emit for one save.
	debounce time.Duration
}

// NewWatcher loads path and builds the initial engine.
func NewWatcher(path string, deps Deps) (*Watcher, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		path:     path,
		deps:     deps,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Name() string { return "rails_watcher" }

// Engine returns the engine built from the last good policy.
func (w *Watcher) Engine() *Engine { return w.current.Load() }

func (w *Watcher) CheckInput(ctx context.Context, userMsg string) (Verdict, error) {
	return w.Engine().CheckInput(ctx, userMsg)
}

func (w *Watcher) CheckOutput(ctx context.Context, userMsg, botMsg string) (Verdict, error) {
	return w.Engine().CheckOutput(ctx, userMsg, botMsg)
}

func (w *Watcher) HasOutputRails() bool { return w.Engine().HasOutputRails() }

func (w *Watcher) reload() error {
	policy, err := Load(w.path)
	if err != nil {
		return err
	}
	engine, err := NewEngine(policy, w.deps)
	if err != nil {
		return fmt.Errorf("build rails engine: %w", err)
	}
	w.current.Store(engine)
	return nil
}

// Run watches the policy's directory until ctx is done. The directory is
// watched rather than the file because editors often save by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Info("watching rails policy", zap.String("path", w.path))

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.reload(); err != nil {
				metrics.RailReloadsTotal.WithLabelValues("error").Inc()
				w.logger.Error("rails policy reload failed, keeping previous policy", zap.Error(err))
				continue
			}
			metrics.RailReloadsTotal.WithLabelValues("ok").Inc()
			w.logger.Info("rails policy reloaded", zap.String("path", w.path))

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
