// Package session implements the generation orchestrator: a single-threaded
// state machine that plans a dependency-closed, topologically ordered batch
// of units, executes them one at a time, absorbs dependencies discovered while
// generators run by replanning, and pauses on faults for an explicit
// retry/skip/abort decision.
//
// Concurrency model: one control thread drives the session through Tick (or
// Run, which is a loop over Tick). The "currently generating" pointer is a
// plain field, not a lock; at most one unit is ever generating.
package session

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"assetweaver/internal/graph"
	"assetweaver/internal/host"
	"assetweaver/internal/state"
	"assetweaver/internal/unit"
)

// Phase is the orchestrator's externally visible state.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhasePlanning  Phase = "PLANNING"
	PhaseExecuting Phase = "EXECUTING"
	PhaseFaulted   Phase = "FAULTED"
	PhaseFinishing Phase = "FINISHING"
)

// Options configures a Session.
type Options struct {
	// OutputDir is where first-generation units synthesize their paths.
	OutputDir string

	// Scratch provides the sandbox for producers that need one. Nil means
	// sandbox-requiring units fault.
	Scratch host.ScratchProvider

	// Notify receives the batch-complete refresh signal.
	Notify host.Notifier

	// Progress receives per-step text in interactive mode. Optional.
	Progress func(text string)

	// Prefetch is an optional background pre-gathering task, started when a
	// run begins and joined before the first plan is built.
	Prefetch func(ctx context.Context) error

	Log *zap.Logger
}

// Session is one generation orchestrator. It owns all mutable scheduling
// state: the request set, the ordered plan, the currently-generating pointer,
// and the transient discovery list.
type Session struct {
	reg   *unit.Registry
	store *state.Store
	opts  Options
	log   *zap.Logger

	id      string
	journal *Journal
	phase   Phase

	requested map[string]struct{}
	plan      []string
	batch     map[string]struct{} // every unit in the current plan batch
	executed  map[string]struct{} // units that generated successfully this session

	current    *unit.Unit
	confirmed  map[string]struct{}
	discovered []string

	fault      *Fault
	failed     []string
	scratchDir string

	prefetch *Prefetch

	queued map[string]struct{}
	onDone []func(success bool)
}

// New creates an idle session over the registry and durable store.
func New(reg *unit.Registry, store *state.Store, opts Options) (*Session, error) {
	if reg == nil {
		return nil, errors.New("session: nil registry")
	}
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	s := &Session{
		reg:       reg,
		store:     store,
		opts:      opts,
		log:       opts.Log,
		phase:     PhaseIdle,
		requested: map[string]struct{}{},
		executed:  map[string]struct{}{},
		queued:    map[string]struct{}{},
	}
	s.beginSession()
	return s, nil
}

func (s *Session) beginSession() {
	// V7 IDs sort by creation time, so the durable store's lexicographic
	// listing doubles as session chronology.
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	s.id = id.String()
	s.journal = NewJournal(s.id)
	s.executed = map[string]struct{}{}
	s.failed = nil
	s.fault = nil
}

// ID returns the current session identity.
func (s *Session) ID() string { return s.id }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// Fault returns the pending fault, or nil.
func (s *Session) Fault() *Fault { return s.fault }

// Failed returns the units marked failed (skipped after faults) this session.
func (s *Session) Failed() []string { return append([]string(nil), s.failed...) }

// PlanSnapshot returns the remaining ordered plan.
func (s *Session) PlanSnapshot() []string { return append([]string(nil), s.plan...) }

// Journal returns the session's journal.
func (s *Session) JournalSnapshot() Journal { return *s.journal }

// OnComplete subscribes to the session-complete notification.
func (s *Session) OnComplete(fn func(success bool)) {
	if fn != nil {
		s.onDone = append(s.onDone, fn)
	}
}

// RestoreRecordedState loads each registered unit's persisted dependency set
// and flags from the durable store. Call once after registration, before the
// first request.
func (s *Session) RestoreRecordedState() error {
	for _, u := range s.reg.Units() {
		st, ok, err := s.store.LoadUnit(u.Name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		u.SetDependencies(st.Dependencies)
		u.SetHasSubOutputs(st.HasSubOutputs)
		// A declared output location always wins over the remembered one, so
		// relocations in the declaration take effect on the next run.
		if st.OutputPath != "" && u.OutputPath == "" {
			u.OutputPath = st.OutputPath
		}
	}
	return nil
}

// Request adds units to the pending request set. Units whose generate
// predicate declines are not candidates and are dropped with a debug log.
// Requests arriving while a session is running queue up and start a fresh
// session after the current one completes.
func (s *Session) Request(names ...string) error {
	// Validate the whole batch before touching any set: a rejected request
	// must leave nothing enqueued.
	accepted := make([]string, 0, len(names))
	for _, name := range names {
		u, ok := s.reg.Get(name)
		if !ok {
			return errors.Newf("request: unknown unit %q", name)
		}
		if !u.ShouldGenerate() {
			s.log.Debug("unit declined generation", zap.String("unit", name))
			continue
		}
		accepted = append(accepted, name)
	}
	for _, name := range accepted {
		if s.phase == PhaseIdle {
			s.requested[name] = struct{}{}
		} else {
			s.queued[name] = struct{}{}
		}
	}
	return nil
}

// Run drives the session to completion in immediate mode: the whole plan
// executes within this call, yielding only for context cancellation. When a
// fault pauses the session, Run returns with the fault pending; the caller
// resolves it and calls Run again.
func (s *Session) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			s.Abort()
			return errors.Wrap(ctx.Err(), "generation cancelled")
		default:
		}

		more, err := s.Tick()
		if err != nil {
			return err
		}
		if s.phase == PhaseFaulted {
			return nil
		}
		if !more {
			return nil
		}
	}
}

// Tick advances the state machine by one step: one planning pass, one unit
// execution, or one finalization. It reports whether more work remains. In
// interactive mode the host scheduler calls Tick once per callback so the UI
// can repaint between units.
func (s *Session) Tick() (bool, error) {
	switch s.phase {
	case PhaseIdle:
		if len(s.requested) == 0 {
			return false, nil
		}
		s.startPrefetch()
		s.phase = PhasePlanning
		return true, nil

	case PhasePlanning:
		s.awaitPrefetch()
		s.buildPlan()
		if len(s.plan) == 0 {
			s.phase = PhaseFinishing
		} else {
			s.phase = PhaseExecuting
		}
		return true, nil

	case PhaseExecuting:
		if err := s.executeNext(); err != nil {
			return false, err
		}
		return true, nil

	case PhaseFaulted:
		// Paused: no automatic advancement until Resolve.
		return true, nil

	case PhaseFinishing:
		s.finish()
		return len(s.requested) > 0, nil

	default:
		return false, errors.Newf("unknown phase %q", s.phase)
	}
}

// buildPlan drains the request set into an ordered execution plan:
// dependency closure, then topological sort, with the cycle-tolerant re-sort
// as the recovery path.
func (s *Session) buildPlan() {
	// The predicate gates planning as well as requests: a declined unit is
	// not a closure candidate, so it cannot ride in as someone's dependency.
	// Names can reach the request set without passing Request (replans after
	// mid-run discovery), hence the re-check here.
	requested := make([]string, 0, len(s.requested))
	for name := range s.requested {
		if u, ok := s.reg.Get(name); ok && !u.ShouldGenerate() {
			s.log.Debug("unit declined generation", zap.String("unit", name))
			continue
		}
		requested = append(requested, name)
	}
	s.requested = map[string]struct{}{}

	deps := func(name string) []string {
		if u, ok := s.reg.Get(name); ok {
			return u.Dependencies()
		}
		return nil
	}

	candidates := make([]string, 0)
	for _, name := range s.reg.Names() {
		if u, ok := s.reg.Get(name); ok && u.ShouldGenerate() {
			candidates = append(candidates, name)
		}
	}

	set := graph.Closure(requested, candidates, deps)
	order, err := graph.Sort(set, deps)
	if err != nil {
		var ce *graph.CycleError
		if !errors.As(err, &ce) {
			ce = &graph.CycleError{}
		}
		s.log.Warn("dependency cycle detected, breaking deterministically",
			zap.Strings("cycle", ce.Path))

		var broken []graph.BrokenEdge
		order, broken = graph.SortTolerant(set, deps)
		for _, edge := range broken {
			s.journal.Append(Event{
				Kind:  EventCycleBroken,
				Unit:  edge.From,
				Cause: edge.To,
			})
		}
	}

	s.plan = order
	s.batch = make(map[string]struct{}, len(order))
	for _, name := range order {
		s.batch[name] = struct{}{}
	}
	s.journal.Append(Event{Kind: EventPlanned, Detail: PlanHash(order)})
}

// executeNext runs the head of the plan: the atomic generate-and-save for one
// unit, followed by stale-dependency pruning, persistence, and the discovery
// check that may force a replan.
func (s *Session) executeNext() error {
	if len(s.plan) == 0 {
		s.phase = PhaseFinishing
		return nil
	}
	name := s.plan[0]

	u, ok := s.reg.Get(name)
	if !ok {
		// The declaring slot disappeared between planning and execution.
		s.log.Warn("planned unit no longer exists", zap.String("unit", name))
		s.journal.Append(Event{Kind: EventUnitSkipped, Unit: name, Cause: "missing"})
		s.plan = s.plan[1:]
		return nil
	}

	prod, err := s.reg.ProducerFor(u.Kind)
	if err != nil {
		s.toFaulted(Result{Unit: name, Err: err})
		return nil
	}

	path, err := u.DestinationPath(s.opts.OutputDir, prod)
	if err != nil {
		// Unresolvable destination is "nothing to do", not a fault.
		s.log.Warn("skipping unit with unresolvable destination",
			zap.String("unit", name), zap.Error(err))
		s.journal.Append(Event{Kind: EventUnitSkipped, Unit: name, Cause: "destination"})
		s.plan = s.plan[1:]
		if len(s.plan) == 0 {
			s.phase = PhaseFinishing
		}
		return nil
	}

	if prod.RequiresScratch(u) && s.scratchDir == "" {
		if s.opts.Scratch == nil {
			s.toFaulted(Result{Unit: name, Err: errors.Newf("unit %q requires a scratch sandbox but none is available", name)})
			return nil
		}
		dir, err := s.opts.Scratch.Acquire()
		if err != nil {
			s.toFaulted(Result{Unit: name, Err: err})
			return nil
		}
		s.scratchDir = dir
		s.journal.Append(Event{Kind: EventScratchAcquired})
	}

	if s.opts.Progress != nil {
		s.opts.Progress("generating " + name)
	}

	// The at-most-one invariant: the pointer is set for exactly the span of
	// the generator invocation.
	s.current = u
	s.confirmed = map[string]struct{}{}
	s.discovered = nil

	inv := &unit.Invocation{
		Path:    path,
		Scratch: s.scratchDir,
		Access:  s.access,
		Log:     s.log,
	}
	res := Result{Unit: name, Err: u.GenerateAndSave(inv, prod, path)}
	s.current = nil

	s.pruneStaleDependencies(u)

	if res.Ok() {
		st := state.UnitState{
			Dependencies:  u.Dependencies(),
			HasSubOutputs: u.HasSubOutputs(),
			OutputPath:    u.OutputPath,
			Manifest:      inv.Manifest,
		}
		if err := s.store.SaveUnit(u.Name, st); err != nil {
			s.toFaulted(Result{Unit: name, Err: err})
			return nil
		}
		s.executed[name] = struct{}{}
		s.journal.Append(Event{Kind: EventUnitGenerated, Unit: name})
	}

	if len(s.discovered) > 0 {
		// New dependencies surfaced mid-execution. Splicing them into the
		// existing order would be unsound (their own dependencies are
		// unknown), so the remainder of the plan goes back through planning.
		s.journal.Append(Event{Kind: EventReplan, Unit: name})
		for _, pending := range s.plan {
			s.requested[pending] = struct{}{}
		}
		for _, d := range s.discovered {
			s.requested[d] = struct{}{}
		}
		s.requested[name] = struct{}{} // the dependent re-runs after its new dependencies
		s.discovered = nil
		s.plan = nil
		s.phase = PhasePlanning
		return nil
	}

	if !res.Ok() {
		s.toFaulted(res)
		return nil
	}

	s.plan = s.plan[1:]
	if len(s.plan) == 0 {
		s.phase = PhaseFinishing
	}
	return nil
}

// access is the dependency-verification hook generators reach other units
// through. It enforces the protocol invariants and performs discovery.
func (s *Session) access(name string) (*unit.Unit, error) {
	if s.current == nil {
		return nil, errors.Mark(
			errors.Newf("unit %q accessed outside an active generation pass", name),
			ErrProtocol)
	}
	target, ok := s.reg.Get(name)
	if !ok {
		return nil, errors.Newf("dependency access: unknown unit %q", name)
	}
	if name == s.current.Name {
		return target, nil
	}

	if s.current.HasDependency(name) {
		// Recorded dependency: it must not be scheduled after the current
		// unit, or the topological guarantee was violated by construction.
		for _, pending := range s.plan[1:] {
			if pending == name {
				return nil, errors.Mark(
					errors.Newf("unit %q accessed recorded dependency %q scheduled later in the plan", s.current.Name, name),
					ErrProtocol)
			}
		}
		s.confirmed[name] = struct{}{}
		return target, nil
	}

	// Undeclared access: record it, confirm it, and flag the plan for
	// replanning once the current unit finishes.
	s.current.RecordDependency(name)
	s.confirmed[name] = struct{}{}
	s.discovered = append(s.discovered, name)
	s.log.Info("discovered dependency during generation",
		zap.String("unit", s.current.Name),
		zap.String("dependency", name))
	s.journal.Append(Event{Kind: EventDependencyDiscovered, Unit: s.current.Name, Cause: name})
	return target, nil
}

// pruneStaleDependencies drops recorded dependencies that were not
// re-confirmed by this pass, except members of the current batch: those were
// generated alongside the unit and had no independent opportunity to be
// accessed.
func (s *Session) pruneStaleDependencies(u *unit.Unit) {
	for _, d := range u.Dependencies() {
		if _, ok := s.confirmed[d]; ok {
			continue
		}
		if _, inBatch := s.batch[d]; inBatch {
			continue
		}
		u.RemoveDependency(d)
		s.log.Info("pruned stale dependency",
			zap.String("unit", u.Name),
			zap.String("dependency", d))
		s.journal.Append(Event{Kind: EventDependencyPruned, Unit: u.Name, Cause: d})
	}
}

func (s *Session) toFaulted(res Result) {
	retryable := !errors.Is(res.Err, ErrProtocol)
	s.fault = &Fault{Unit: res.Unit, Err: res.Err, Retryable: retryable}
	s.phase = PhaseFaulted
	s.journal.Append(Event{Kind: EventUnitFailed, Unit: res.Unit, Detail: res.Err.Error()})
	s.log.Error("unit generation failed",
		zap.String("unit", res.Unit),
		zap.Bool("retryable", retryable),
		zap.Error(res.Err))
	// The %+v rendering carries the wrap chain with file/line attribution.
	s.log.Debug("fault detail", zap.String("trace", fmt.Sprintf("%+v", res.Err)))
}

// Resolve applies the user's decision to a pending fault.
func (s *Session) Resolve(action FaultAction) error {
	if s.phase != PhaseFaulted || s.fault == nil {
		return errors.New("no pending fault to resolve")
	}
	switch action {
	case ActionRetry:
		if !s.fault.Retryable {
			return errors.Wrapf(ErrProtocol, "unit %q cannot be retried", s.fault.Unit)
		}
		s.fault = nil
		s.phase = PhaseExecuting
		return nil
	case ActionSkip:
		s.failed = append(s.failed, s.fault.Unit)
		s.fault = nil
		if len(s.plan) > 0 {
			s.plan = s.plan[1:]
		}
		if len(s.plan) == 0 {
			s.phase = PhaseFinishing
		} else {
			s.phase = PhaseExecuting
		}
		return nil
	case ActionAbort:
		s.Abort()
		return nil
	default:
		return errors.Newf("unknown fault action %q", action)
	}
}

// Abort discards the remaining plan and tears the session down. Outputs
// already written this session stay on disk.
func (s *Session) Abort() {
	if s.phase == PhaseIdle {
		return
	}
	s.journal.Append(Event{Kind: EventSessionAborted})
	s.plan = nil
	s.requested = map[string]struct{}{}
	s.queued = map[string]struct{}{}
	s.discovered = nil
	s.fault = nil
	s.current = nil
	s.cancelPrefetch()
	s.releaseScratch()
	s.persistJournal()
	s.notifyComplete(false)
	s.phase = PhaseIdle
	s.beginSession()
}

// Close releases session resources. Safe to call on every exit path,
// including host shutdown mid-session.
func (s *Session) Close() {
	s.cancelPrefetch()
	s.releaseScratch()
}

func (s *Session) finish() {
	success := len(s.failed) == 0
	s.releaseScratch()
	if s.opts.Notify != nil {
		s.opts.Notify.Refresh()
	}
	detail := "success"
	if !success {
		detail = "failure"
	}
	s.journal.Append(Event{Kind: EventSessionComplete, Detail: detail})
	s.persistJournal()
	s.notifyComplete(success)
	s.phase = PhaseIdle

	s.beginSession()
	if len(s.queued) > 0 {
		// Requests that arrived during the run start their own session now.
		s.requested = s.queued
		s.queued = map[string]struct{}{}
	}
}

func (s *Session) releaseScratch() {
	if s.scratchDir == "" {
		return
	}
	if err := s.opts.Scratch.Release(s.scratchDir); err != nil {
		s.log.Warn("failed to release scratch sandbox",
			zap.String("dir", s.scratchDir), zap.Error(err))
	}
	s.journal.Append(Event{Kind: EventScratchReleased})
	s.scratchDir = ""
}

func (s *Session) persistJournal() {
	b, err := s.journal.CanonicalJSON()
	if err != nil {
		s.log.Warn("failed to serialize session journal", zap.Error(err))
		return
	}
	if err := s.store.SaveSession(s.id, b); err != nil {
		s.log.Warn("failed to persist session journal", zap.Error(err))
	}
}

func (s *Session) notifyComplete(success bool) {
	for _, fn := range s.onDone {
		fn(success)
	}
}
