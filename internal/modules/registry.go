package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/alert"
	"github.com/stellarlinkco/bennet/internal/clock"
	"github.com/stellarlinkco/bennet/internal/errs"
	"github.com/stellarlinkco/bennet/internal/logging"
	"github.com/stellarlinkco/bennet/internal/modules/statestore"
	"github.com/stellarlinkco/bennet/internal/schedule"
)

type Options struct {
	Dir   string
	Kinds *Kinds
	Store statestore.Store
	// Settings overlays manifest config, keyed by kind or instance name.
	Settings map[string]map[string]any

	PollInterval time.Duration
	RetryDelay   time.Duration
	MaxRetries   int
	Debounce     time.Duration
	HotReload    bool

	Clock    clock.Clock
	Logger   zerolog.Logger
	Notifier alert.Notifier

	Sender    Sender
	Completer Completer
	Chat      Conversation
	AdminChat string
}

type instance struct {
	name     string
	kind     string
	path     string
	mod      Module
	info     Info
	trigger  Trigger
	sched    schedule.Schedule
	loadedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	// nextRun is guarded by Registry.mu.
	nextRun time.Time
}

func (i *instance) running() bool {
	if i.done == nil {
		return false
	}
	select {
	case <-i.done:
		return false
	default:
		return true
	}
}

// Registry owns the live module instances.
type Registry struct {
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger
	notify alert.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu            sync.Mutex
	modules       map[string]*instance
	errors        map[string][]string
	states        statestore.States
	reloadPending bool
	closed        bool

	reloadMu sync.Mutex
}

// New reads the saved states once and prepares an empty registry. Call
// Start or Reload to load modules.
func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Dir == "" {
		return nil, errs.New(errs.ErrConfig, "create module registry", "modules directory not set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errs.E(errs.ErrConfig, "create module registry", err)
	}
	if opts.Kinds == nil {
		opts.Kinds = DefaultKinds()
	}
	if opts.Store == nil {
		opts.Store = &statestore.Memory{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := logging.For(opts.Logger, "modules")
	if opts.Notifier == nil {
		opts.Notifier = alert.Safe(alert.LogSink{Logger: logger}, logger)
	}

	r := &Registry{
		opts:    opts,
		clock:   opts.Clock,
		logger:  logger,
		notify:  opts.Notifier,
		modules: make(map[string]*instance),
		errors:  make(map[string][]string),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	states, err := opts.Store.Load(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load module states, starting empty")
		states = statestore.States{}
	}
	r.states = states
	return r, nil
}

// Start performs the initial load and, if enabled, starts watching the
// modules directory.
func (r *Registry) Start(ctx context.Context) error {
	stats, err := r.Reload(ctx)
	if err != nil {
		return err
	}
	r.logger.Info().Int("loaded", len(stats.Loaded)).Int("errors", len(stats.Errors)).Msg("module registry started")
	if r.opts.HotReload {
		return r.Watch(ctx)
	}
	return nil
}

// Load loads the manifest at path as a new instance and starts it. It waits
// for any reload pass in progress.
func (r *Registry) Load(ctx context.Context, path string) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	return r.load(ctx, stem(filepath.Base(path)), path)
}

func (r *Registry) load(ctx context.Context, name, path string) (err error) {
	r.mu.Lock()
	_, exists := r.modules[name]
	r.mu.Unlock()
	if exists {
		r.logger.Warn().Str("module", name).Msg("module already loaded")
		return errs.New(errs.ErrModuleLoad, "load module "+name, "already loaded")
	}

	defer func() {
		if err != nil {
			r.logger.Error().Err(err).Str("module", name).Msg("failed to load module")
			r.recordError(name, err)
			r.notify.Notify(ctx, alert.CategoryModuleLoad, fmt.Sprintf("❌ Failed to load module '%s': %v", name, err))
		}
	}()

	inst, err := r.build(ctx, name, path)
	if err != nil {
		return errs.E(errs.ErrModuleLoad, "load module "+name, err)
	}
	r.start(inst)

	r.mu.Lock()
	r.modules[name] = inst
	r.mu.Unlock()

	r.logger.Info().Str("module", name).Str("kind", inst.kind).
		Str("trigger", string(inst.trigger.Type)).Msg("module loaded")
	return nil
}

func (r *Registry) build(ctx context.Context, name, path string) (*instance, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, errs.E(errs.ErrConfig, "read manifest", err)
	}
	factory, ok := r.opts.Kinds.Lookup(m.Kind)
	if !ok {
		return nil, errs.New(errs.ErrModuleNotFound, "lookup kind", "unknown module kind %q", m.Kind)
	}

	loadedAt := r.clock.Now()
	env := Env{
		Name:      name,
		Kind:      m.Kind,
		Config:    mergeConfig(m.Config, r.opts.Settings[m.Kind], r.opts.Settings[name]),
		Logger:    logging.For(r.opts.Logger, "module").With().Str("module", name).Logger(),
		Sender:    r.opts.Sender,
		Completer: r.opts.Completer,
		Chat:      r.opts.Chat,
		AdminChat: r.opts.AdminChat,
		Clock:     r.clock,
	}
	mod, err := construct(factory, env)
	if err != nil {
		return nil, err
	}

	info := mod.Info()
	if info.Name == "" {
		info.Name = m.Kind
	}
	if m.Description != "" {
		info.Description = m.Description
	}
	if info.Version == "" {
		info.Version = DefaultVersion
	}

	trig := m.Trigger.apply(mod.Trigger())
	sched, err := resolveTrigger(&trig)
	if err != nil {
		return nil, err
	}

	if v, ok := mod.(ConfigValidator); ok {
		if err := v.ValidateConfig(); err != nil {
			return nil, errs.E(errs.ErrConfig, "validate config", err)
		}
	}

	r.mu.Lock()
	saved, hasState := r.states[name]
	r.mu.Unlock()
	if l, ok := mod.(StateLoader); ok && hasState {
		if err := l.LoadState(saved); err != nil {
			return nil, errs.E(errs.ErrState, "load state", err)
		}
	}

	if err := guard("initialize", func() error { return mod.Initialize(ctx) }); err != nil {
		return nil, err
	}

	return &instance{
		name:     name,
		kind:     m.Kind,
		path:     path,
		mod:      mod,
		info:     info,
		trigger:  trig,
		sched:    sched,
		loadedAt: loadedAt,
	}, nil
}

func construct(f Factory, env Env) (mod Module, err error) {
	defer func() {
		if p := recover(); p != nil {
			mod, err = nil, fmt.Errorf("construct module: panic: %v", p)
		}
	}()
	mod, err = f(env)
	if err != nil {
		return nil, fmt.Errorf("construct module: %w", err)
	}
	if mod == nil {
		return nil, fmt.Errorf("construct module: factory returned nil")
	}
	return mod, nil
}

// guard runs fn, turning a panic into an error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", op, p)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func resolveTrigger(t *Trigger) (schedule.Schedule, error) {
	switch t.Type {
	case TriggerTime, "":
		t.Type = TriggerTime
		if t.Cron != "" {
			s, err := schedule.Parse(t.Cron)
			if err != nil {
				return nil, errs.E(errs.ErrConfig, "resolve trigger", err)
			}
			return s, nil
		}
		if t.Interval <= 0 {
			t.Interval = DefaultInterval
		}
		return schedule.Every(t.Interval), nil
	case TriggerEvent:
		if t.EventType == "" {
			t.EventType = DefaultEventType
		}
		return nil, nil
	default:
		return nil, errs.New(errs.ErrConfig, "resolve trigger", "unknown trigger type %q", t.Type)
	}
}

func mergeConfig(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

func (r *Registry) start(inst *instance) {
	ctx, cancel := context.WithCancel(r.ctx)
	inst.cancel = cancel
	inst.done = make(chan struct{})
	go func() {
		defer close(inst.done)
		if inst.trigger.Type == TriggerEvent {
			r.runEvent(ctx, inst)
			return
		}
		r.runTimed(ctx, inst)
	}()
}

// Unload stops name, persists its state and cleans it up. Failures past the
// stop are logged and recorded against the module; the module is removed
// either way. If ctx ends before the task stops, the module is removed
// without saving state or cleanup.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	return r.unload(ctx, name)
}

func (r *Registry) unload(ctx context.Context, name string) error {
	r.mu.Lock()
	inst, ok := r.modules[name]
	r.mu.Unlock()
	if !ok {
		return errs.New(errs.ErrModuleNotFound, "unload module", "module %q not loaded", name)
	}
	log := r.logger.With().Str("module", name).Logger()

	inst.cancel()
	select {
	case <-inst.done:
	case <-ctx.Done():
		err := errs.E(errs.ErrModuleExec, "unload module "+name, fmt.Errorf("waiting for task: %w", ctx.Err()))
		r.forget(name)
		r.recordError(name, err)
		log.Error().Err(err).Msg("module task did not stop, removed without cleanup")
		return err
	}

	if err := r.saveState(ctx, inst); err != nil {
		log.Error().Err(err).Msg("failed to save module state")
		r.recordError(name, err)
	}
	if err := guard("cleanup", func() error { return inst.mod.Cleanup(ctx) }); err != nil {
		log.Error().Err(err).Msg("module cleanup failed")
	}

	r.forget(name)
	log.Info().Msg("module unloaded")
	return nil
}

func (r *Registry) forget(name string) {
	r.mu.Lock()
	delete(r.modules, name)
	r.mu.Unlock()
}

func (r *Registry) saveState(ctx context.Context, inst *instance) error {
	if s, ok := inst.mod.(StateSaver); ok {
		var state any
		err := guard("save state", func() error {
			var err error
			state, err = s.SaveState()
			return err
		})
		if err != nil {
			return errs.E(errs.ErrState, "save state "+inst.name, err)
		}
		if state != nil {
			raw, err := json.Marshal(state)
			if err != nil {
				return errs.E(errs.ErrState, "save state "+inst.name, err)
			}
			r.mu.Lock()
			r.states[inst.name] = raw
			r.mu.Unlock()
		}
	}
	return r.persist(ctx)
}

func (r *Registry) persist(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make(statestore.States, len(r.states))
	for k, v := range r.states {
		snapshot[k] = v
	}
	r.mu.Unlock()
	return r.opts.Store.Save(ctx, snapshot)
}

// Shutdown stops the watcher and unloads every module, saving state.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.bg.Wait()

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	var failed []error
	for _, name := range r.Names() {
		if err := r.unload(ctx, name); err != nil {
			failed = append(failed, err)
		}
	}
	r.logger.Info().Msg("module registry stopped")
	return errors.Join(failed...)
}

// Names lists loaded modules, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type Status struct {
	Name        string
	Kind        string
	Description string
	Author      string
	Version     string
	TriggerType TriggerType
	Interval    time.Duration
	Cron        string
	EventType   string
	Running     bool
	Errors      []string
	LoadedAt    time.Time
	NextRun     time.Time
}

// Status reports every loaded module, sorted by name.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.modules))
	for name, inst := range r.modules {
		st := Status{
			Name:        name,
			Kind:        inst.kind,
			Description: inst.info.Description,
			Author:      inst.info.Author,
			Version:     inst.info.Version,
			TriggerType: inst.trigger.Type,
			Running:     inst.running(),
			Errors:      append([]string(nil), r.errors[name]...),
			LoadedAt:    inst.loadedAt,
			NextRun:     inst.nextRun,
		}
		if inst.trigger.Type == TriggerTime {
			st.Interval = inst.trigger.Interval
			st.Cron = inst.trigger.Cron
		} else {
			st.EventType = inst.trigger.EventType
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Errors returns the errors recorded for name, including ones from earlier
// loads of the same name.
func (r *Registry) Errors(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors[name]...)
}

// AllErrors returns a copy of every module's error log.
func (r *Registry) AllErrors() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.errors))
	for k, v := range r.errors {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// ClearErrors drops the error log of name, or of every module when name is
// empty.
func (r *Registry) ClearErrors(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		r.errors = make(map[string][]string)
		return
	}
	delete(r.errors, name)
}

func (r *Registry) recordError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[name] = append(r.errors[name], err.Error())
}

func (r *Registry) loadedAt(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.modules[name]
	if !ok {
		return time.Time{}, false
	}
	return inst.loadedAt, true
}

func (r *Registry) setNextRun(inst *instance, t time.Time) {
	r.mu.Lock()
	inst.nextRun = t
	r.mu.Unlock()
}
