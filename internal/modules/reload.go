package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/stellarlinkco/bennet/internal/clock"
	"github.com/stellarlinkco/bennet/internal/errs"
)

// ReloadStats names the modules a reload pass touched.
type ReloadStats struct {
	Loaded   []string
	Unloaded []string
	Errors   []string
}

// Reload unloads modules whose manifest is gone, reloads those whose
// manifest changed after they were loaded and loads new manifests. Passes are
// serialized.
func (r *Registry) Reload(ctx context.Context) (ReloadStats, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	var stats ReloadStats
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return stats, errs.New(errs.ErrModuleLoad, "reload modules", "registry is shut down")
	}

	files, err := Discover(r.opts.Dir)
	if err != nil {
		return stats, errs.E(errs.ErrModuleLoad, "reload modules", err)
	}

	for _, name := range r.Names() {
		if _, ok := files[name]; ok {
			continue
		}
		r.logger.Info().Str("module", name).Msg("unloading removed module")
		if err := r.unload(ctx, name); err != nil {
			stats.Errors = append(stats.Errors, name)
			continue
		}
		stats.Unloaded = append(stats.Unloaded, name)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := files[name]
		if loadedAt, ok := r.loadedAt(name); ok {
			fi, err := os.Stat(path)
			if err != nil {
				r.logger.Error().Err(err).Str("module", name).Msg("failed to stat module file")
				stats.Errors = append(stats.Errors, name)
				continue
			}
			// compared against load time, not last reload
			if !fi.ModTime().After(loadedAt) {
				continue
			}
			if err := r.unload(ctx, name); err != nil {
				stats.Errors = append(stats.Errors, name)
				continue
			}
			stats.Unloaded = append(stats.Unloaded, name)
		}
		if err := r.load(ctx, name, path); err != nil {
			stats.Errors = append(stats.Errors, name)
			continue
		}
		stats.Loaded = append(stats.Loaded, name)
	}

	r.logger.Info().Int("loaded", len(stats.Loaded)).Int("unloaded", len(stats.Unloaded)).
		Int("errors", len(stats.Errors)).Msg("module reload complete")
	return stats, nil
}

// ScheduleReload arranges a reload pass after the debounce window. Calls
// made while a pass is pending are absorbed by it. It reports whether a new
// pass was scheduled.
func (r *Registry) ScheduleReload() bool {
	r.mu.Lock()
	if r.reloadPending || r.closed {
		r.mu.Unlock()
		return false
	}
	r.reloadPending = true
	r.bg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.bg.Done()
		if !clock.Sleep(r.ctx, r.clock, r.opts.Debounce) {
			return
		}
		r.mu.Lock()
		r.reloadPending = false
		r.mu.Unlock()
		if _, err := r.Reload(r.ctx); err != nil {
			r.logger.Error().Err(err).Msg("scheduled reload failed")
		}
	}()
	r.logger.Info().Dur("debounce", r.opts.Debounce).Msg("module reload scheduled")
	return true
}

// Watch schedules a reload whenever a manifest in the modules directory is
// created, written, removed or renamed. It stops with ctx or Shutdown.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create module watcher: %w", err)
	}
	if err := w.Add(r.opts.Dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", r.opts.Dir, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		w.Close()
		return errs.New(errs.ErrModuleLoad, "watch modules", "registry is shut down")
	}
	r.bg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.bg.Done()
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isManifest(filepath.Base(ev.Name)) {
					continue
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					r.logger.Info().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("module file changed")
					r.ScheduleReload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn().Err(err).Msg("module watcher error")
			}
		}
	}()
	r.logger.Info().Str("dir", r.opts.Dir).Msg("hot reload enabled")
	return nil
}
