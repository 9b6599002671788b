package conflict

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRequiresTwoValues(t *testing.T) {
	c := New()
	_, err := c.Classify("base", []AgentValue{{AgentID: "a", Value: "x"}})
	assert.Error(t, err)
}

func TestIdenticalValues(t *testing.T) {
	c := New()
	d, err := c.Classify(
		map[string]any{"k": "v"},
		[]AgentValue{
			{AgentID: "a", Value: map[string]any{"k": "same"}},
			{AgentID: "b", Value: map[string]any{"k": "same"}},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, Identical, d.ConflictType)
	assert.Equal(t, 1.0, d.SimilarityScore)
}

func TestOppositeSemanticPair(t *testing.T) {
	c := New()
	d, err := c.Classify(
		map[string]any{"mode": "enable"},
		[]AgentValue{
			{AgentID: "a", Value: map[string]any{"mode": "enable"}},
			{AgentID: "b", Value: map[string]any{"mode": "disable"}},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, Opposite, d.ConflictType)
}

func TestOppositeBooleans(t *testing.T) {
	c := New()
	d, err := c.Classify(
		true,
		[]AgentValue{{AgentID: "a", Value: true}, {AgentID: "b", Value: false}},
	)
	require.NoError(t, err)
	assert.Equal(t, Opposite, d.ConflictType)
}

func TestOrthogonalDisjointKeys(t *testing.T) {
	c := New()
	base := map[string]any{"x": 1, "y": 2}
	d, err := c.Classify(base, []AgentValue{
		{AgentID: "a", Value: map[string]any{"x": 10, "y": 2}},
		{AgentID: "b", Value: map[string]any{"x": 1, "y": 20}},
	})
	require.NoError(t, err)
	assert.Equal(t, Orthogonal, d.ConflictType)
	assert.Equal(t, []string{"x", "y"}, d.AffectedFields)
}

func TestAmbiguousSingleCharStrings(t *testing.T) {
	c := New()
	d, err := c.Classify(
		map[string]any{"k": "v"},
		[]AgentValue{
			{AgentID: "a", Value: map[string]any{"k": "a"}},
			{AgentID: "b", Value: map[string]any{"k": "b"}},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, d.ConflictType)
}

func TestNestedDictsNeverScorePerfect(t *testing.T) {
	a := map[string]any{"l1": map[string]any{"l2": map[string]any{"l3": "aaaa"}}}
	b := map[string]any{"l1": map[string]any{"l2": map[string]any{"l3": "bbbb"}}}
	s := Similarity(a, b)
	assert.Less(t, s, 1.0, "nested non-equal maps must not converge to full similarity")
	assert.Greater(t, s, 0.0, "shared structure still counts")
}

func TestNumericProximity(t *testing.T) {
	assert.InDelta(t, 0.9, Similarity(90, 100), 1e-9)
	assert.InDelta(t, 0.9, Similarity(90, 100.0), 1e-9, "int/float mix uses numeric proximity")
	assert.Equal(t, 1.0, Similarity(5, 5))
	assert.Equal(t, 0.0, Similarity(5, "5"))
}

func TestMultisetJaccardCountsDuplicates(t *testing.T) {
	a := []any{"x", "x", "y"}
	b := []any{"x", "y"}
	// intersection {x:1, y:1}=2, union {x:2, y:1}=3
	assert.InDelta(t, 2.0/3.0, Similarity(a, b), 1e-9)
}

func TestStringBigramSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("hello", "hello"))
	assert.Equal(t, 0.0, Similarity("a", "b"), "single-character strings have no bigrams")
	s := Similarity("timeout", "timeouts")
	assert.Greater(t, s, 0.5)
	assert.Less(t, s, 1.0)
}

func TestRecommendResolution(t *testing.T) {
	c := New()

	t.Run("identical returns first", func(t *testing.T) {
		r, err := c.RecommendResolution(&Details{ConflictType: Identical},
			[]AgentValue{{AgentID: "a", Value: "v"}, {AgentID: "b", Value: "v"}})
		require.NoError(t, err)
		assert.Equal(t, "v", r.Value)
		assert.True(t, r.AutoResolvable)
	})

	t.Run("orthogonal merges disjoint maps", func(t *testing.T) {
		r, err := c.RecommendResolution(&Details{ConflictType: Orthogonal}, []AgentValue{
			{AgentID: "a", Value: map[string]any{"x": 1}},
			{AgentID: "b", Value: map[string]any{"y": 2}},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"x": 1, "y": 2}, r.Value)
	})

	t.Run("orthogonal overlap names both agents", func(t *testing.T) {
		_, err := c.RecommendResolution(&Details{ConflictType: Orthogonal}, []AgentValue{
			{AgentID: "agent-a", Value: map[string]any{"x": 1}},
			{AgentID: "agent-b", Value: map[string]any{"x": 2}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent-a")
		assert.Contains(t, err.Error(), "agent-b")
	})

	t.Run("conflicting is advisory", func(t *testing.T) {
		r, err := c.RecommendResolution(&Details{ConflictType: Conflicting},
			[]AgentValue{{AgentID: "a", Value: "v1"}, {AgentID: "b", Value: "v2"}})
		require.NoError(t, err)
		assert.False(t, r.AutoResolvable)
	})

	t.Run("opposite requires human approval", func(t *testing.T) {
		_, err := c.RecommendResolution(&Details{ConflictType: Opposite},
			[]AgentValue{{AgentID: "a", Value: true}, {AgentID: "b", Value: false}})
		assert.ErrorIs(t, err, ErrHumanApprovalRequired)
	})

	t.Run("ambiguous requires human approval", func(t *testing.T) {
		_, err := c.RecommendResolution(&Details{ConflictType: Ambiguous},
			[]AgentValue{{AgentID: "a", Value: "x"}, {AgentID: "b", Value: "y"}})
		assert.ErrorIs(t, err, ErrHumanApprovalRequired)
	})
}

func TestClassifyDeterministicRepeated(t *testing.T) {
	c := New()
	base := map[string]any{"k": "v"}
	values := []AgentValue{
		{AgentID: "a", Value: map[string]any{"k": "a"}},
		{AgentID: "b", Value: map[string]any{"k": "b"}},
	}
	first, err := c.Classify(base, values)
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		d, err := c.Classify(base, values)
		require.NoError(t, err)
		assert.Equal(t, first.ConflictType, d.ConflictType)
		assert.Equal(t, first.SimilarityScore, d.SimilarityScore)
	}
}

func TestClassifyDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	c := New()
	properties.Property("classification is stable across repeated calls", prop.ForAll(
		func(baseVal, aVal, bVal string) bool {
			base := map[string]any{"field": baseVal}
			values := []AgentValue{
				{AgentID: "a", Value: map[string]any{"field": aVal}},
				{AgentID: "b", Value: map[string]any{"field": bVal}},
			}
			first, err := c.Classify(base, values)
			if err != nil {
				return false
			}
			for i := 0; i < 10; i++ {
				d, err := c.Classify(base, values)
				if err != nil || d.ConflictType != first.ConflictType || d.SimilarityScore != first.SimilarityScore {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestSimilaritySymmetryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("similarity is symmetric and bounded", prop.ForAll(
		func(a, b string) bool {
			sab := Similarity(a, b)
			sba := Similarity(b, a)
			return sab == sba && sab >= 0.0 && sab <= 1.0
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
