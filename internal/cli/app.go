package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"assetweaver/internal/host"
	"assetweaver/internal/logger"
	"assetweaver/internal/producer"
	"assetweaver/internal/session"
	"assetweaver/internal/state"
	"assetweaver/internal/unit"
)

// App is one wired-up instance of the generation pipeline: manifest, registry,
// durable store, and session, ready to take requests.
type App struct {
	Cfg Config
	Log *zap.Logger

	fs       host.FS
	manifest *Manifest
	reg      *unit.Registry
	store    *state.Store
	session  *session.Session

	// succeeded holds the outcome of the most recent completed run.
	// Subscribed once per session; Generate resets it before each run.
	succeeded *bool
}

// NewApp builds the pipeline from the resolved config.
func NewApp(cfg Config) (*App, error) {
	log, err := logger.New(logger.Options{JSON: cfg.JSONLogs, Verbose: cfg.Verbose})
	if err != nil {
		return nil, errors.Wrap(err, "initializing logger")
	}
	a := &App{Cfg: cfg, Log: log, fs: host.OSFS{}}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// load (re)builds the registry and session from the manifest on disk. Watch
// mode calls it again when the manifest itself changes.
func (a *App) load() error {
	m, err := LoadManifest(a.Cfg.Manifest)
	if err != nil {
		return err
	}

	store, err := state.NewStore(a.Cfg.State, a.fs)
	if err != nil {
		return errors.Wrap(err, "opening state store")
	}

	notify := host.LogNotifier{Log: a.Log}
	reg := unit.NewRegistry(a.Log)
	for _, p := range []unit.Producer{
		producer.Text{FS: a.fs, Notify: notify, Log: a.Log},
		producer.Binary{FS: a.fs, Notify: notify, Log: a.Log},
		producer.Composite{FS: a.fs, Notify: notify, Log: a.Log},
	} {
		if err := reg.RegisterProducer(p); err != nil {
			return err
		}
	}
	if err := reg.RegisterProducer(producer.List{FS: a.fs, Notify: notify, Log: a.Log, Resolve: reg.ProducerFor}); err != nil {
		return err
	}

	sources := newSourceCache()
	env := unitEnv{cfg: a.Cfg, fs: a.fs, store: store, sources: sources, log: a.Log}
	if err := m.Register(reg, env); err != nil {
		return err
	}

	// A unit whose declaring slot disappeared from the manifest takes its
	// durable record with it, cascading through other units' dependency lists.
	persisted, err := store.ListUnitNames()
	if err != nil {
		return errors.Wrap(err, "listing persisted units")
	}
	for _, name := range persisted {
		if _, ok := reg.Get(name); ok {
			continue
		}
		a.Log.Info("removing state for undeclared unit", zap.String("unit", name))
		if err := store.RemoveUnit(name); err != nil {
			return errors.Wrapf(err, "removing state for %q", name)
		}
	}

	var progress func(string)
	if a.Cfg.Interactive {
		progress = func(text string) { pterm.Info.Println(text) }
	}
	s, err := session.New(reg, store, session.Options{
		OutputDir: a.Cfg.Output,
		Scratch:   host.TempScratch{},
		Notify:    notify,
		Progress:  progress,
		Prefetch:  prefetchSources(a.fs, sources, m.unitSourcePaths(a.Cfg), a.Log),
		Log:       a.Log,
	})
	if err != nil {
		return err
	}
	if err := s.RestoreRecordedState(); err != nil {
		return errors.Wrap(err, "restoring recorded state")
	}
	// Declared dependencies always hold, even when the persisted state
	// predates their declaration.
	for _, d := range m.Units {
		if u, ok := reg.Get(d.Name); ok {
			for _, dep := range d.Depends {
				u.RecordDependency(dep)
			}
		}
	}
	if err := a.relocateOutputs(m, reg, store); err != nil {
		return err
	}

	s.OnComplete(func(ok bool) { a.succeeded = &ok })

	a.manifest = m
	a.reg = reg
	a.store = store
	a.session = s
	return nil
}

// relocateOutputs reconciles declared output locations with remembered ones:
// when a unit's declaration moved its output, the superseded file (or
// sub-output tree) is deleted and the durable record updated, so the next
// generation writes only at the declared location.
func (a *App) relocateOutputs(m *Manifest, reg *unit.Registry, store *state.Store) error {
	for _, d := range m.Units {
		if d.Output == "" {
			continue
		}
		u, ok := reg.Get(d.Name)
		if !ok {
			continue
		}
		st, found, err := store.LoadUnit(d.Name)
		if err != nil {
			return err
		}
		if !found || st.OutputPath == "" || st.OutputPath == u.OutputPath {
			continue
		}
		a.Log.Info("output relocated, removing superseded output",
			zap.String("unit", d.Name),
			zap.String("old", st.OutputPath),
			zap.String("new", u.OutputPath))
		if err := a.fs.Remove(st.OutputPath); err != nil {
			return errors.Wrapf(err, "removing superseded output for %q", d.Name)
		}
		st.OutputPath = u.OutputPath
		if err := store.SaveUnit(d.Name, st); err != nil {
			return err
		}
	}
	return nil
}

// Close releases pipeline resources.
func (a *App) Close() {
	if a.session != nil {
		a.session.Close()
	}
	_ = a.Log.Sync()
}

// Generate runs one generation session over the named units, or over every
// unit in the manifest when names is empty. Faults pause for an interactive
// decision when the config asks for it; otherwise the session aborts and the
// run fails.
func (a *App) Generate(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = a.reg.Names()
	}
	if err := a.session.Request(names...); err != nil {
		return invalidf("%s", err.Error())
	}

	a.succeeded = nil

	for {
		if err := a.session.Run(ctx); err != nil {
			return err
		}
		if a.session.Phase() != session.PhaseFaulted {
			break
		}
		action, err := a.resolveFault()
		if err != nil {
			return err
		}
		if err := a.session.Resolve(action); err != nil {
			return err
		}
		if action == session.ActionAbort {
			break
		}
	}

	if a.succeeded == nil || !*a.succeeded {
		return &InvocationError{Code: ExitGenerationFailure, Message: "generation failed"}
	}
	return nil
}

// resolveFault picks the fault action: prompt in interactive mode, abort
// otherwise.
func (a *App) resolveFault() (session.FaultAction, error) {
	fault := a.session.Fault()
	if fault == nil {
		return session.ActionAbort, errors.New("no pending fault")
	}

	if !a.Cfg.Interactive {
		a.Log.Error("aborting after fault",
			zap.String("unit", fault.Unit),
			zap.Error(fault.Err))
		return session.ActionAbort, nil
	}

	pterm.Error.Printfln("unit %s failed: %v", fault.Unit, fault.Cause())
	options := []string{string(session.ActionSkip), string(session.ActionAbort)}
	if fault.Retryable {
		options = append([]string{string(session.ActionRetry)}, options...)
	}
	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("How should the session proceed?").
		Show()
	if err != nil {
		return session.ActionAbort, errors.Wrap(err, "fault prompt")
	}
	return session.FaultAction(choice), nil
}

// UnitInfo is one row of the unit listing.
type UnitInfo struct {
	Name         string
	Kind         string
	Output       string
	Dependencies []string
}

// ListUnits reports the visible units, their resolved destinations, and their
// recorded dependencies.
func (a *App) ListUnits() []UnitInfo {
	var out []UnitInfo
	for _, u := range a.reg.Units() {
		if !u.ShouldShow() {
			continue
		}
		info := UnitInfo{
			Name:         u.Name,
			Kind:         u.Kind.String(),
			Dependencies: u.Dependencies(),
		}
		if prod, err := a.reg.ProducerFor(u.Kind); err == nil {
			if path, err := u.DestinationPath(a.Cfg.Output, prod); err == nil {
				info.Output = path
			}
		}
		out = append(out, info)
	}
	return out
}

// Watch regenerates on source changes until ctx is cancelled. An initial full
// generation runs before watching starts. A change to the manifest itself
// reloads the whole pipeline.
func (a *App) Watch(ctx context.Context) error {
	if err := a.Generate(ctx); err != nil {
		// A failing initial run is reported but does not stop the watch;
		// the next source change retries.
		a.Log.Warn("initial generation failed", zap.Error(err))
	}

	dirs := watchDirs(a.manifest.sourcePaths(a.Cfg))
	w, err := host.NewWatcher(a.Log, dirs, time.Duration(a.Cfg.DebounceMS)*time.Millisecond)
	if err != nil {
		return errors.Wrap(err, "starting watcher")
	}

	a.Log.Info("watching for changes", zap.Strings("dirs", dirs))
	err = w.Run(ctx, func(paths []string) {
		reload := false
		for _, p := range paths {
			if p == a.Cfg.Manifest {
				reload = true
				break
			}
		}
		if reload {
			a.Log.Info("manifest changed, reloading pipeline")
			if err := a.load(); err != nil {
				a.Log.Error("manifest reload failed", zap.Error(err))
				return
			}
		}
		if err := a.Generate(ctx); err != nil {
			a.Log.Warn("regeneration failed", zap.Error(err))
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// prefetchSources builds the session's background pre-gathering task: it reads
// every declared source input into the cache ahead of planning. Unreadable
// sources are left for the owning unit to fault on with full context.
func prefetchSources(fs host.FS, cache *sourceCache, paths []string, log *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, p := range paths {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			b, err := fs.ReadFile(p)
			if err != nil {
				log.Debug("prefetch skipped unreadable source",
					zap.String("path", p), zap.Error(err))
				continue
			}
			cache.put(p, b)
		}
		return nil
	}
}

// LastJournal loads the most recent persisted session journal, or nil when no
// session has run yet.
func (a *App) LastJournal() (*session.Journal, error) {
	ids, err := a.store.ListSessionIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := a.store.LoadSession(ids[len(ids)-1])
	if err != nil {
		return nil, err
	}
	var j session.Journal
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, errors.Wrap(err, "decoding session journal")
	}
	return &j, nil
}

// watchDirs maps watched files to the deduplicated set of parent directories,
// since the notification backend watches directories.
func watchDirs(paths []string) []string {
	dirs := make([]string, 0, len(paths))
	for _, p := range paths {
		dirs = append(dirs, filepath.Dir(p))
	}
	return dedupe(dirs)
}
