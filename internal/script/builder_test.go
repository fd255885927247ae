package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gathered(b *Builder, els ...Element) *Builder {
	for _, el := range els {
		b.Add(el)
	}
	return b
}

func TestShouldBuild_IdenticalMembersNeedNoRebuild(t *testing.T) {
	b := gathered(NewBuilder("tags", zap.NewNop()),
		Element{Name: "TagPlayer", Kind: ElementConst, Value: `"Player"`},
		Element{Name: "TagEnemy", Kind: ElementConst, Value: `"Enemy"`},
	)
	prev := ManifestFor(b.Elements())

	assert.False(t, b.ShouldBuild(&prev, true))
}

func TestShouldBuild_AnyChangeRebuilds(t *testing.T) {
	base := []Element{
		{Name: "TagPlayer", Kind: ElementConst, Value: `"Player"`},
		{Name: "TagEnemy", Kind: ElementConst, Value: `"Enemy"`},
	}
	prev := ManifestFor(base)

	cases := map[string][]Element{
		"modified value": {
			{Name: "TagPlayer", Kind: ElementConst, Value: `"Player"`},
			{Name: "TagEnemy", Kind: ElementConst, Value: `"Boss"`},
		},
		"added member": {
			base[0], base[1],
			{Name: "TagBoss", Kind: ElementConst, Value: `"Boss"`},
		},
		"removed member": {base[0]},
	}
	for name, els := range cases {
		t.Run(name, func(t *testing.T) {
			b := gathered(NewBuilder("tags", zap.NewNop()), els...)
			assert.True(t, b.ShouldBuild(&prev, true))
		})
	}
}

func TestShouldBuild_MissingOutputOrManifestOrForce(t *testing.T) {
	b := gathered(NewBuilder("tags", zap.NewNop()),
		Element{Name: "TagPlayer", Kind: ElementConst, Value: `"Player"`})
	prev := ManifestFor(b.Elements())

	assert.True(t, b.ShouldBuild(&prev, false), "missing output file")
	assert.True(t, b.ShouldBuild(nil, true), "no manifest yet")

	b.Force = true
	assert.True(t, b.ShouldBuild(&prev, true), "force flag")
}

func TestObsoleteRetention(t *testing.T) {
	prev := ManifestFor([]Element{
		{Name: "TagPlayer", Kind: ElementConst, Value: `"Player"`},
		{Name: "TagOld", Kind: ElementConst, Value: `"Old"`},
	})

	// Retention on: the dropped member survives, marked deprecated.
	b := gathered(NewBuilder("tags", zap.NewNop()),
		Element{Name: "TagPlayer", Kind: ElementConst, Value: `"Player"`})
	b.Retain = true

	effective := b.Effective(&prev)
	require.Len(t, effective, 2)
	var sb strings.Builder
	AppendScript(&sb, "tags", effective)
	out := sb.String()
	assert.Contains(t, out, "TagOld")
	assert.Contains(t, out, "Deprecated:")

	// The retained member changes the effective set, so a rebuild is due.
	assert.True(t, b.ShouldBuild(&prev, true))

	// Forced build with retention off purges the member entirely.
	b2 := gathered(NewBuilder("tags", zap.NewNop()),
		Element{Name: "TagPlayer", Kind: ElementConst, Value: `"Player"`})
	b2.Force = true

	purged := b2.Effective(&prev)
	require.Len(t, purged, 1)
	var sb2 strings.Builder
	AppendScript(&sb2, "tags", purged)
	assert.NotContains(t, sb2.String(), "TagOld")
}

func TestNamingConflicts_KeepBothWithSuffix(t *testing.T) {
	b := gathered(NewBuilder("anims", zap.NewNop()),
		Element{Name: "StateIdle", Kind: ElementConst, Value: `"Idle"`},
		Element{Name: "StateIdle", Kind: ElementConst, Value: `"idle"`},
		Element{Name: "StateIdle", Kind: ElementConst, Value: `"IDLE"`},
	)

	els := b.Elements()
	require.Len(t, els, 3, "never drop a colliding element")

	names := map[string]string{}
	for _, el := range els {
		names[el.Name] = el.Value
	}
	assert.Equal(t, `"Idle"`, names["StateIdle"], "first-declared keeps the canonical name")
	assert.Contains(t, names, "StateIdle2")
	assert.Contains(t, names, "StateIdle3")
}

func TestAppendScript_GroupsAndSymbols(t *testing.T) {
	els := []Element{
		{Name: "LayerWater", Kind: ElementConst, Value: "4", Group: "Layers"},
		{Name: "LayerGround", Kind: ElementConst, Value: "3", Group: "Layers"},
		{Name: "DebugFlag", Kind: ElementConst, Value: "true", Group: "Debug", Symbol: "WEAVER_DEBUG"},
		{Name: "helper", Kind: ElementRaw, Value: "var helper = map[string]int{}"},
	}
	sortElements(els)

	var sb strings.Builder
	AppendScript(&sb, "constants", els)
	out := sb.String()

	assert.Contains(t, out, "package constants")
	assert.Contains(t, out, "// Layers")
	assert.Contains(t, out, "// Requires compilation symbol: WEAVER_DEBUG")
	assert.Contains(t, out, "var helper = map[string]int{}")

	// Rendering is deterministic.
	var sb2 strings.Builder
	AppendScript(&sb2, "constants", els)
	assert.Equal(t, out, sb2.String())

	// Groups render in sorted order; within a group, names sort.
	assert.Less(t, strings.Index(out, "// Debug"), strings.Index(out, "// Layers"))
	assert.Less(t, strings.Index(out, "LayerGround"), strings.Index(out, "LayerWater"))
}
