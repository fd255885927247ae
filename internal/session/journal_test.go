package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanHash_LengthPrefixPreventsConcatenationCollisions(t *testing.T) {
	// "ab","c" and "a","bc" concatenate identically; the hash must not.
	assert.NotEqual(t, PlanHash([]string{"ab", "c"}), PlanHash([]string{"a", "bc"}))
	assert.NotEqual(t, PlanHash([]string{"a", "b"}), PlanHash([]string{"b", "a"}),
		"plan order is part of the identity")
	assert.Equal(t, PlanHash([]string{"a", "b"}), PlanHash([]string{"a", "b"}))
	assert.NotEmpty(t, PlanHash(nil))
}

func TestJournal_CanonicalJSONIsDeterministic(t *testing.T) {
	build := func() *Journal {
		j := NewJournal("session-1")
		j.Append(Event{Kind: EventPlanned, Detail: PlanHash([]string{"a", "b"})})
		j.Append(Event{Kind: EventUnitGenerated, Unit: "a"})
		j.Append(Event{Kind: EventDependencyDiscovered, Unit: "b", Cause: "a"})
		j.Append(Event{Kind: EventSessionComplete, Detail: "success"})
		return j
	}

	b1, err := build().CanonicalJSON()
	require.NoError(t, err)
	b2, err := build().CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "identical runs serialize to identical bytes")
	assert.Contains(t, string(b1), `"session_id": "session-1"`)
}
