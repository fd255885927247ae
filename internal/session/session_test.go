package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"assetweaver/internal/host"
	"assetweaver/internal/producer"
	"assetweaver/internal/script"
	"assetweaver/internal/state"
	"assetweaver/internal/unit"
)

type fixture struct {
	reg     *unit.Registry
	store   *state.Store
	session *Session
	outDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	outDir := filepath.Join(root, "out")

	fsys := host.OSFS{}
	reg := unit.NewRegistry(zap.NewNop())
	require.NoError(t, reg.RegisterProducer(producer.Text{FS: fsys, Log: zap.NewNop()}))
	require.NoError(t, reg.RegisterProducer(producer.Binary{FS: fsys, Log: zap.NewNop()}))
	require.NoError(t, reg.RegisterProducer(producer.Composite{FS: fsys, Log: zap.NewNop()}))
	require.NoError(t, reg.RegisterProducer(producer.List{FS: fsys, Log: zap.NewNop(), Resolve: reg.ProducerFor}))

	store, err := state.NewStore(root, fsys)
	require.NoError(t, err)

	s, err := New(reg, store, Options{
		OutputDir: outDir,
		Scratch:   host.TempScratch{Parent: root},
		Log:       zap.NewNop(),
	})
	require.NoError(t, err)
	return &fixture{reg: reg, store: store, session: s, outDir: outDir}
}

func (f *fixture) addText(t *testing.T, name string, gen unit.Generator) *unit.Unit {
	t.Helper()
	u := &unit.Unit{Name: name, Kind: "text", Generate: gen}
	require.NoError(t, f.reg.Add(u))
	return u
}

func staticText(content string) unit.Generator {
	return func(inv *unit.Invocation) (any, error) {
		inv.Text.WriteString(content)
		return nil, nil
	}
}

func TestSession_GeneratesRequestedUnit(t *testing.T) {
	f := newFixture(t)
	f.addText(t, "tags", staticText("package tags\n"))

	var completed, succeeded bool
	f.session.OnComplete(func(ok bool) { completed = true; succeeded = ok })

	require.NoError(t, f.session.Request("tags"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.True(t, completed)
	assert.True(t, succeeded)

	b, err := os.ReadFile(filepath.Join(f.outDir, "tags.gen.go"))
	require.NoError(t, err)
	assert.Equal(t, "package tags\n", string(b))

	st, ok, err := f.store.LoadUnit("tags")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.outDir, "tags.gen.go"), st.OutputPath)
}

// The scenario from the pipeline's contract: a unit that reads another unit's
// output without a declared dependency forces a replan that schedules the
// accessed unit first, records the dependency, and re-runs the dependent.
func TestSession_MidRunDependencyDiscovery(t *testing.T) {
	f := newFixture(t)

	var buildDetailsRuns, animationsRuns int
	f.addText(t, "build-details", func(inv *unit.Invocation) (any, error) {
		buildDetailsRuns++
		inv.Text.WriteString("build details\n")
		return nil, nil
	})
	f.addText(t, "animations", func(inv *unit.Invocation) (any, error) {
		animationsRuns++
		dep, err := inv.Dependency("build-details")
		if err != nil {
			return nil, err
		}
		inv.Text.WriteString("animations for " + dep.Name + "\n")
		return nil, nil
	})

	require.NoError(t, f.session.Request("animations"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.Equal(t, 1, buildDetailsRuns)
	assert.Equal(t, 2, animationsRuns, "the dependent re-runs after its discovered dependency")

	anims, ok := f.reg.Get("animations")
	require.True(t, ok)
	assert.Equal(t, []string{"build-details"}, anims.Dependencies())

	st, ok, err := f.store.LoadUnit("animations")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"build-details"}, st.Dependencies)

	// The live journal resets on completion; the persisted copy carries the
	// discovery and replan events.
	ids, err := f.store.ListSessionIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	j, err := f.store.LoadSession(ids[0])
	require.NoError(t, err)
	assert.Contains(t, string(j), string(EventDependencyDiscovered))
	assert.Contains(t, string(j), string(EventReplan))
}

func TestSession_RecordedDependencyRunsFirstNextSession(t *testing.T) {
	f := newFixture(t)

	var order []string
	f.addText(t, "base", func(inv *unit.Invocation) (any, error) {
		order = append(order, "base")
		inv.Text.WriteString("base\n")
		return nil, nil
	})
	f.addText(t, "derived", func(inv *unit.Invocation) (any, error) {
		order = append(order, "derived")
		if _, err := inv.Dependency("base"); err != nil {
			return nil, err
		}
		inv.Text.WriteString("derived\n")
		return nil, nil
	})

	derived, _ := f.reg.Get("derived")
	derived.RecordDependency("base")

	require.NoError(t, f.session.Request("derived"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, []string{"base", "derived"}, order,
		"closure pulls the recorded dependency in and the sort puts it first")
}

func TestSession_AccessOutsideGenerationIsProtocolViolation(t *testing.T) {
	f := newFixture(t)
	f.addText(t, "solo", staticText("x"))

	var leaked func(string) (*unit.Unit, error)
	f.addText(t, "leaker", func(inv *unit.Invocation) (any, error) {
		leaked = inv.Access
		inv.Text.WriteString("y")
		return nil, nil
	})

	require.NoError(t, f.session.Request("leaker"))
	require.NoError(t, f.session.Run(context.Background()))

	require.NotNil(t, leaked)
	_, err := leaked("solo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol),
		"access with no unit generating is a protocol violation")
}

func TestSession_RecordedDependencyScheduledLaterIsHardFault(t *testing.T) {
	f := newFixture(t)

	// a <-> b is a recorded cycle. The tolerant sort breaks the back edge
	// deterministically, yielding the order [b, a]. b's recorded dependency
	// on a is therefore scheduled later; touching it is a programming error.
	f.addText(t, "a", staticText("a"))
	f.addText(t, "b", func(inv *unit.Invocation) (any, error) {
		if _, err := inv.Dependency("a"); err != nil {
			return nil, err
		}
		inv.Text.WriteString("b")
		return nil, nil
	})
	ua, _ := f.reg.Get("a")
	ub, _ := f.reg.Get("b")
	ua.RecordDependency("b")
	ub.RecordDependency("a")

	require.NoError(t, f.session.Request("a", "b"))
	require.NoError(t, f.session.Run(context.Background()))

	require.Equal(t, PhaseFaulted, f.session.Phase())
	fault := f.session.Fault()
	require.NotNil(t, fault)
	assert.Equal(t, "b", fault.Unit)
	assert.False(t, fault.Retryable)
	assert.True(t, errors.Is(fault.Err, ErrProtocol))

	err := f.session.Resolve(ActionRetry)
	require.Error(t, err, "protocol violations are not retryable")

	require.NoError(t, f.session.Resolve(ActionSkip))
	require.NoError(t, f.session.Run(context.Background()))
	assert.Equal(t, PhaseIdle, f.session.Phase())

	ids, err := f.store.ListSessionIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	j, err := f.store.LoadSession(ids[0])
	require.NoError(t, err)
	assert.Contains(t, string(j), string(EventUnitFailed))
}

func TestSession_CycleToleranceProducesPlanWithBothUnits(t *testing.T) {
	f := newFixture(t)

	var generated []string
	gen := func(name string) unit.Generator {
		return func(inv *unit.Invocation) (any, error) {
			generated = append(generated, name)
			inv.Text.WriteString(name)
			return nil, nil
		}
	}
	f.addText(t, "a", gen("a"))
	f.addText(t, "b", gen("b"))
	ua, _ := f.reg.Get("a")
	ub, _ := f.reg.Get("b")
	ua.RecordDependency("b")
	ub.RecordDependency("a")

	require.NoError(t, f.session.Request("a"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.ElementsMatch(t, []string{"a", "b"}, generated, "each unit generates exactly once")

	ids, err := f.store.ListSessionIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	b, err := f.store.LoadSession(ids[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), string(EventCycleBroken))
}

func TestSession_RetryAfterTransientFault(t *testing.T) {
	f := newFixture(t)

	attempts := 0
	f.addText(t, "flaky", func(inv *unit.Invocation) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient failure")
		}
		inv.Text.WriteString("ok")
		return nil, nil
	})

	require.NoError(t, f.session.Request("flaky"))
	require.NoError(t, f.session.Run(context.Background()))

	require.Equal(t, PhaseFaulted, f.session.Phase())
	fault := f.session.Fault()
	require.NotNil(t, fault)
	assert.True(t, fault.Retryable)
	assert.Equal(t, "transient failure", fault.Cause().Error())

	require.NoError(t, f.session.Resolve(ActionRetry))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.Equal(t, 2, attempts)
	_, err := os.ReadFile(filepath.Join(f.outDir, "flaky.gen.go"))
	assert.NoError(t, err)
}

func TestSession_SkipContinuesWithRestOfPlan(t *testing.T) {
	f := newFixture(t)

	f.addText(t, "broken", func(inv *unit.Invocation) (any, error) {
		return nil, errors.New("always fails")
	})
	f.addText(t, "healthy", staticText("fine"))

	var succeeded *bool
	f.session.OnComplete(func(ok bool) { succeeded = &ok })

	require.NoError(t, f.session.Request("broken", "healthy"))
	require.NoError(t, f.session.Run(context.Background()))
	require.Equal(t, PhaseFaulted, f.session.Phase())
	assert.Equal(t, "broken", f.session.Fault().Unit)

	require.NoError(t, f.session.Resolve(ActionSkip))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	require.NotNil(t, succeeded)
	assert.False(t, *succeeded, "a skipped unit marks the session unsuccessful")

	_, err := os.ReadFile(filepath.Join(f.outDir, "healthy.gen.go"))
	assert.NoError(t, err, "remaining plan still executes after skip")
}

func TestSession_AbortDiscardsPlanAndKeepsCompletedOutputs(t *testing.T) {
	f := newFixture(t)

	f.addText(t, "first", staticText("first"))
	f.addText(t, "middle", func(inv *unit.Invocation) (any, error) {
		return nil, errors.New("boom")
	})
	f.addText(t, "never", staticText("never"))

	require.NoError(t, f.session.Request("first", "middle", "never"))
	require.NoError(t, f.session.Run(context.Background()))
	require.Equal(t, PhaseFaulted, f.session.Phase())

	require.NoError(t, f.session.Resolve(ActionAbort))
	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.Empty(t, f.session.PlanSnapshot())

	_, err := os.ReadFile(filepath.Join(f.outDir, "first.gen.go"))
	assert.NoError(t, err, "completed outputs are not rolled back")
	_, err = os.ReadFile(filepath.Join(f.outDir, "never.gen.go"))
	assert.Error(t, err, "aborted remainder never runs")
}

type countingScratch struct {
	inner    host.TempScratch
	acquired int
	released int
}

func (c *countingScratch) Acquire() (string, error) {
	c.acquired++
	return c.inner.Acquire()
}

func (c *countingScratch) Release(root string) error {
	c.released++
	return c.inner.Release(root)
}

func TestSession_ScratchSharedAcrossUnitsAndAlwaysReleased(t *testing.T) {
	f := newFixture(t)
	scratch := &countingScratch{inner: host.TempScratch{Parent: t.TempDir()}}
	f.session.opts.Scratch = scratch

	compositeGen := func(name string) unit.Generator {
		return func(inv *unit.Invocation) (any, error) {
			if inv.Scratch == "" {
				return nil, errors.New("no scratch sandbox")
			}
			return &producer.Node{Name: name, Children: []*producer.Node{
				{Name: "part", Data: []byte(name)},
			}}, nil
		}
	}
	require.NoError(t, f.reg.Add(&unit.Unit{Name: "bundle-a", Kind: "composite", Generate: compositeGen("bundle-a")}))
	require.NoError(t, f.reg.Add(&unit.Unit{Name: "bundle-b", Kind: "composite", Generate: compositeGen("bundle-b")}))

	require.NoError(t, f.session.Request("bundle-a", "bundle-b"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.Equal(t, 1, scratch.acquired, "one sandbox shared by the whole session")
	assert.Equal(t, 1, scratch.released)

	ua, _ := f.reg.Get("bundle-a")
	assert.True(t, ua.HasSubOutputs())
}

func TestSession_ScratchReleasedOnAbort(t *testing.T) {
	f := newFixture(t)
	scratch := &countingScratch{inner: host.TempScratch{Parent: t.TempDir()}}
	f.session.opts.Scratch = scratch

	require.NoError(t, f.reg.Add(&unit.Unit{Name: "bundle", Kind: "composite", Generate: func(inv *unit.Invocation) (any, error) {
		return nil, errors.New("fails after scratch acquisition")
	}}))

	require.NoError(t, f.session.Request("bundle"))
	require.NoError(t, f.session.Run(context.Background()))
	require.Equal(t, PhaseFaulted, f.session.Phase())
	require.Equal(t, 1, scratch.acquired)

	require.NoError(t, f.session.Resolve(ActionAbort))
	assert.Equal(t, 1, scratch.released, "abort tears the sandbox down")
}

func TestSession_StaleDanglingDependencyPruned(t *testing.T) {
	f := newFixture(t)
	u := f.addText(t, "orphaned", staticText("content"))
	u.SetDependencies([]string{"ghost"}) // persisted slot that no longer exists

	require.NoError(t, f.session.Request("orphaned"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Empty(t, u.Dependencies(), "unconfirmed dependency outside the batch is pruned")

	st, ok, err := f.store.LoadUnit("orphaned")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, st.Dependencies)
}

func TestSession_RequestsDuringRunStartFollowOnSession(t *testing.T) {
	f := newFixture(t)
	f.addText(t, "main", staticText("main"))
	f.addText(t, "late", staticText("late"))

	completions := 0
	f.session.OnComplete(func(bool) { completions++ })

	// A generator requesting more work mid-session models requests arriving
	// while the session runs.
	f.addText(t, "requester", func(inv *unit.Invocation) (any, error) {
		if err := f.session.Request("late"); err != nil {
			return nil, err
		}
		inv.Text.WriteString("requester")
		return nil, nil
	})

	require.NoError(t, f.session.Request("main", "requester"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.Equal(t, 2, completions, "queued requests run as their own session")

	_, err := os.ReadFile(filepath.Join(f.outDir, "late.gen.go"))
	assert.NoError(t, err)

	ids, err := f.store.ListSessionIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSession_DeclinedPredicateIsNotACandidate(t *testing.T) {
	f := newFixture(t)
	ran := false
	u := f.addText(t, "disabled", func(inv *unit.Invocation) (any, error) {
		ran = true
		return nil, nil
	})
	u.WhenGenerate = func() bool { return false }

	require.NoError(t, f.session.Request("disabled"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.False(t, ran)
	assert.Equal(t, PhaseIdle, f.session.Phase())
}

func TestSession_ScriptManifestPersistedForRebuildDecisions(t *testing.T) {
	f := newFixture(t)

	f.addText(t, "layers", func(inv *unit.Invocation) (any, error) {
		b := script.NewBuilder("layers", inv.Log)
		b.Add(script.Element{Name: "LayerGround", Kind: script.ElementConst, Value: "3"})
		els := b.Elements()
		script.AppendScript(inv.Text, "layers", els)
		m := script.ManifestFor(els)
		inv.Manifest = &m
		return nil, nil
	})

	require.NoError(t, f.session.Request("layers"))
	require.NoError(t, f.session.Run(context.Background()))

	st, ok, err := f.store.LoadUnit("layers")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, st.Manifest)
	require.Len(t, st.Manifest.Elements, 1)
	assert.Equal(t, "LayerGround", st.Manifest.Elements[0].Name)
}

func TestSession_PrefetchJoinedBeforePlanning(t *testing.T) {
	f := newFixture(t)
	f.addText(t, "warm", staticText("warm"))

	ran := make(chan struct{}, 2)
	f.session.opts.Prefetch = func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}

	require.NoError(t, f.session.Request("warm"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.Len(t, ran, 1, "one prefetch per session")
}

func TestSession_PrefetchFailureDoesNotBlockGeneration(t *testing.T) {
	f := newFixture(t)
	f.addText(t, "resilient", staticText("still generated"))

	f.session.opts.Prefetch = func(ctx context.Context) error {
		return errors.New("cache warm-up failed")
	}

	require.NoError(t, f.session.Request("resilient"))
	require.NoError(t, f.session.Run(context.Background()))

	_, err := os.ReadFile(filepath.Join(f.outDir, "resilient.gen.go"))
	assert.NoError(t, err)
}

func TestSession_AbortCancelsInFlightPrefetch(t *testing.T) {
	f := newFixture(t)
	f.addText(t, "x", staticText("x"))

	started := make(chan struct{})
	cancelled := make(chan struct{})
	f.session.opts.Prefetch = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}

	require.NoError(t, f.session.Request("x"))
	more, err := f.session.Tick() // enters planning, prefetch in flight
	require.NoError(t, err)
	require.True(t, more)
	<-started

	f.session.Abort()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("abort did not cancel the prefetch")
	}
	assert.Equal(t, PhaseIdle, f.session.Phase())
}

func TestSession_UnknownRequestRejected(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.session.Request("no-such-unit"))
}

func TestSession_CancelledContextAborts(t *testing.T) {
	f := newFixture(t)
	f.addText(t, "x", staticText("x"))
	require.NoError(t, f.session.Request("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.session.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, PhaseIdle, f.session.Phase())
}

func TestSession_RejectedRequestEnqueuesNothing(t *testing.T) {
	f := newFixture(t)
	ran := false
	f.addText(t, "good", func(inv *unit.Invocation) (any, error) {
		ran = true
		inv.Text.WriteString("good")
		return nil, nil
	})

	require.Error(t, f.session.Request("good", "no-such-unit"))

	require.NoError(t, f.session.Run(context.Background()))
	assert.False(t, ran, "a rejected batch must not enqueue its earlier names")
	_, err := os.ReadFile(filepath.Join(f.outDir, "good.gen.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestSession_DeclaredOutputWinsOverRememberedOne(t *testing.T) {
	f := newFixture(t)
	declared := f.addText(t, "moved", staticText("moved"))
	declared.OutputPath = filepath.Join(f.outDir, "second", "moved.txt")
	sticky := f.addText(t, "sticky", staticText("sticky"))

	require.NoError(t, f.store.SaveUnit("moved", state.UnitState{
		OutputPath: filepath.Join(f.outDir, "first", "moved.txt"),
	}))
	require.NoError(t, f.store.SaveUnit("sticky", state.UnitState{
		OutputPath: filepath.Join(f.outDir, "elsewhere", "sticky.txt"),
	}))

	require.NoError(t, f.session.RestoreRecordedState())

	assert.Equal(t, filepath.Join(f.outDir, "second", "moved.txt"), declared.OutputPath)
	assert.Equal(t, filepath.Join(f.outDir, "elsewhere", "sticky.txt"), sticky.OutputPath,
		"without a declared location the remembered one still applies")
}

func TestSession_DeclinedUnitIsNotPulledInAsDependency(t *testing.T) {
	f := newFixture(t)

	optionalRan := false
	opt := f.addText(t, "optional", func(inv *unit.Invocation) (any, error) {
		optionalRan = true
		inv.Text.WriteString("optional")
		return nil, nil
	})
	opt.WhenGenerate = func() bool { return false }

	f.addText(t, "consumer", func(inv *unit.Invocation) (any, error) {
		dep, err := inv.Dependency("optional")
		if err != nil {
			return nil, err
		}
		inv.Text.WriteString("consumer of " + dep.Name)
		return nil, nil
	})
	consumer, _ := f.reg.Get("consumer")
	consumer.RecordDependency("optional")

	require.NoError(t, f.session.Request("consumer"))
	require.NoError(t, f.session.Run(context.Background()))

	assert.Equal(t, PhaseIdle, f.session.Phase())
	assert.False(t, optionalRan, "a declined unit never generates, even as a dependency")

	_, err := os.ReadFile(filepath.Join(f.outDir, "consumer.gen.go"))
	assert.NoError(t, err)
	assert.Contains(t, consumer.Dependencies(), "optional",
		"the confirmed dependency stays recorded")
}
