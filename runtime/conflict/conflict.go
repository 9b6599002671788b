// Package conflict classifies divergent values produced by concurrent agents
// against a shared base. Classification is purely geometric: a deterministic
// similarity measure over primitives, strings, lists, and maps, plus a
// contradiction check for semantically opposite values.
package conflict

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Type is the conflict classification, in decreasing order of identity.
type Type string

const (
	// Identical means all values agree (similarity >= 0.99).
	Identical Type = "IDENTICAL"
	// Orthogonal means map values touch disjoint keys and can merge.
	Orthogonal Type = "ORTHOGONAL"
	// LowConflict means values are close enough to auto-resolve.
	LowConflict Type = "LOW_CONFLICT"
	// Conflicting means values diverge materially; resolution is advisory.
	Conflicting Type = "CONFLICTING"
	// Opposite means values semantically contradict each other.
	Opposite Type = "OPPOSITE"
	// Ambiguous means similarity is too low to classify.
	Ambiguous Type = "AMBIGUOUS"
)

type (
	// AgentValue is one agent's proposed value.
	AgentValue struct {
		// AgentID identifies the contributing agent.
		AgentID string
		// Value is the proposed value.
		Value any
	}

	// Details is the outcome of one classification.
	Details struct {
		// ConflictType is the classification.
		ConflictType Type
		// SimilarityScore is the pairwise-minimum similarity in [0,1].
		SimilarityScore float64
		// Confidence is how certain the classification is, in [0,1].
		Confidence float64
		// AffectedFields lists the map keys that differ, sorted.
		AffectedFields []string
		// StructuralSimilarity is the key-set similarity for map values.
		StructuralSimilarity float64
		// Explanation is a human-readable summary.
		Explanation string
	}

	// Resolution is the recommended outcome for a classified conflict.
	Resolution struct {
		// Value is the recommended value.
		Value any
		// Explanation says why this value was chosen.
		Explanation string
		// AutoResolvable reports whether the recommendation is safe to apply
		// without human review.
		AutoResolvable bool
	}

	// Classifier classifies conflicts. Stateless and safe for concurrent use.
	Classifier struct{}
)

// ErrHumanApprovalRequired is returned when a conflict cannot be resolved
// automatically.
var ErrHumanApprovalRequired = fmt.Errorf("human approval required")

// semanticOpposites lists value pairs treated as contradictions regardless of
// textual similarity.
var semanticOpposites = [][2]string{
	{"enable", "disable"},
	{"enabled", "disabled"},
	{"yes", "no"},
	{"on", "off"},
	{"true", "false"},
	{"allow", "deny"},
	{"start", "stop"},
	{"add", "remove"},
}

// New constructs a Classifier.
func New() *Classifier { return &Classifier{} }

// Classify compares the agents' values against the base and against each
// other. At least two agent values are required. For a fixed input the
// returned type and score are identical across calls.
func (c *Classifier) Classify(base any, values []AgentValue) (*Details, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("classification requires at least two values, got %d", len(values))
	}

	// Pairwise minimum similarity across all agent values.
	minSim := 1.0
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if s := Similarity(values[i].Value, values[j].Value); s < minSim {
				minSim = s
			}
		}
	}

	affected := affectedFields(base, values)
	structural := structuralSimilarity(values)

	d := &Details{
		SimilarityScore:      minSim,
		AffectedFields:       affected,
		StructuralSimilarity: structural,
	}

	switch {
	case contradicts(values):
		d.ConflictType = Opposite
		d.Confidence = 0.95
		d.Explanation = "values are semantic opposites"
	case minSim >= 0.99:
		d.ConflictType = Identical
		d.Confidence = 1.0
		d.Explanation = "all values agree"
	case disjointModifiedKeys(base, values):
		d.ConflictType = Orthogonal
		d.Confidence = 0.9
		d.Explanation = "values modify disjoint keys"
	case minSim >= 0.85:
		d.ConflictType = LowConflict
		d.Confidence = 0.8
		d.Explanation = fmt.Sprintf("values are close (similarity %.2f)", minSim)
	case minSim >= 0.5:
		d.ConflictType = Conflicting
		d.Confidence = 0.7
		d.Explanation = fmt.Sprintf("values diverge materially (similarity %.2f)", minSim)
	default:
		d.ConflictType = Ambiguous
		d.Confidence = 0.5
		d.Explanation = fmt.Sprintf("values are too dissimilar to classify (similarity %.2f)", minSim)
	}
	return d, nil
}

// RecommendResolution proposes a value for a classified conflict. Opposite
// and ambiguous conflicts return ErrHumanApprovalRequired.
func (c *Classifier) RecommendResolution(d *Details, values []AgentValue) (*Resolution, error) {
	if d == nil || len(values) == 0 {
		return nil, fmt.Errorf("resolution requires details and values")
	}
	switch d.ConflictType {
	case Identical:
		return &Resolution{Value: values[0].Value, Explanation: "values are identical", AutoResolvable: true}, nil
	case Orthogonal:
		merged, err := mergeDisjoint(values)
		if err != nil {
			return nil, err
		}
		if merged == nil {
			return &Resolution{Value: values[0].Value, Explanation: "orthogonal non-map values, first wins", AutoResolvable: true}, nil
		}
		return &Resolution{Value: merged, Explanation: "disjoint keys merged", AutoResolvable: true}, nil
	case LowConflict:
		return &Resolution{Value: values[0].Value, Explanation: "low conflict, first value advisory", AutoResolvable: true}, nil
	case Conflicting:
		return &Resolution{Value: values[0].Value, Explanation: "conflicting values, first value advisory, review recommended", AutoResolvable: false}, nil
	default:
		return nil, fmt.Errorf("%s conflict: %w", d.ConflictType, ErrHumanApprovalRequired)
	}
}

// Similarity measures how alike two values are, in [0,1]. Deterministic for
// fixed inputs.
func Similarity(a, b any) float64 {
	if a == nil && b == nil {
		return 1.0
	}
	if a == nil || b == nil {
		return 0.0
	}
	if reflect.DeepEqual(a, b) {
		return 1.0
	}

	if na, aok := toFloat(a); aok {
		if nb, bok := toFloat(b); bok {
			return numericProximity(na, nb)
		}
		return 0.0
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0.0
		}
		return stringSimilarity(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok {
			return 0.0
		}
		return multisetJaccard(av, bv)
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return 0.0
		}
		return mapSimilarity(av, bv)
	case bool:
		// DeepEqual already handled the equal case.
		return 0.0
	}
	return 0.0
}

// numericProximity is 1 - |a-b| / max(|a|,|b|,eps).
func numericProximity(a, b float64) float64 {
	if a == b {
		return 1.0
	}
	denom := math.Max(math.Max(math.Abs(a), math.Abs(b)), 1e-9)
	s := 1.0 - math.Abs(a-b)/denom
	if s < 0 {
		return 0.0
	}
	return s
}

// stringSimilarity is character-bigram Jaccard. Unequal single-character
// strings score zero: there is no bigram evidence to compare.
func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) < 2 || len(b) < 2 {
		return 0.0
	}
	return multisetJaccard(bigrams(a), bigrams(b))
}

func bigrams(s string) []any {
	runes := []rune(s)
	out := make([]any, 0, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}

// multisetJaccard compares lists as multisets so duplicate counts matter.
// Elements are keyed by their formatted representation.
func multisetJaccard(a, b []any) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	ca := counter(a)
	cb := counter(b)
	inter, union := 0, 0
	seen := make(map[string]bool, len(ca)+len(cb))
	for k, na := range ca {
		seen[k] = true
		nb := cb[k]
		inter += min(na, nb)
		union += max(na, nb)
	}
	for k, nb := range cb {
		if !seen[k] {
			union += nb
		}
	}
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func counter(items []any) map[string]int {
	c := make(map[string]int, len(items))
	for _, it := range items {
		c[fmt.Sprintf("%T:%v", it, it)]++
	}
	return c
}

// mapSimilarity blends key-set Jaccard with the mean recursive similarity
// over shared keys. The structural term is weighted in so deeply nested
// non-equal maps never converge to 1.0.
func mapSimilarity(a, b map[string]any) float64 {
	keys := make(map[string]bool, len(a)+len(b))
	shared := 0
	for k := range a {
		keys[k] = true
		if _, ok := b[k]; ok {
			shared++
		}
	}
	for k := range b {
		keys[k] = true
	}
	if len(keys) == 0 {
		return 1.0
	}
	keyJaccard := float64(shared) / float64(len(keys))

	valueSim := 1.0
	if shared > 0 {
		sum := 0.0
		for k := range a {
			if bv, ok := b[k]; ok {
				sum += Similarity(a[k], bv)
			}
		}
		valueSim = sum / float64(shared)
	}
	return 0.4*keyJaccard + 0.6*valueSim
}

// contradicts reports whether any pair of values is a semantic opposite:
// unequal booleans, a recognized opposite word pair, or map values that
// contradict on a shared key.
func contradicts(values []AgentValue) bool {
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if valuesContradict(values[i].Value, values[j].Value) {
				return true
			}
		}
	}
	return false
}

func valuesContradict(a, b any) bool {
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab != bb
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return oppositeWords(as, bs)
		}
	}
	if am, ok := a.(map[string]any); ok {
		if bm, ok := b.(map[string]any); ok {
			for k, av := range am {
				if bv, ok := bm[k]; ok && valuesContradict(av, bv) {
					return true
				}
			}
		}
	}
	return false
}

func oppositeWords(a, b string) bool {
	la, lb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	for _, pair := range semanticOpposites {
		if (la == pair[0] && lb == pair[1]) || (la == pair[1] && lb == pair[0]) {
			return true
		}
	}
	return false
}

// disjointModifiedKeys reports whether every value is a map and the key sets
// each agent modified relative to the base are pairwise disjoint.
func disjointModifiedKeys(base any, values []AgentValue) bool {
	baseMap, _ := base.(map[string]any)
	modified := make([]map[string]bool, 0, len(values))
	for _, v := range values {
		m, ok := v.Value.(map[string]any)
		if !ok {
			return false
		}
		modified = append(modified, modifiedKeys(baseMap, m))
	}
	seen := make(map[string]bool)
	for _, keys := range modified {
		for k := range keys {
			if seen[k] {
				return false
			}
			seen[k] = true
		}
	}
	return true
}

// modifiedKeys returns the keys whose value differs from the base (added,
// removed, or changed).
func modifiedKeys(base, m map[string]any) map[string]bool {
	out := make(map[string]bool)
	for k, v := range m {
		bv, ok := base[k]
		if !ok || !reflect.DeepEqual(bv, v) {
			out[k] = true
		}
	}
	for k := range base {
		if _, ok := m[k]; !ok {
			out[k] = true
		}
	}
	return out
}

// affectedFields collects, sorted, every map key on which some value differs
// from the base.
func affectedFields(base any, values []AgentValue) []string {
	baseMap, _ := base.(map[string]any)
	set := make(map[string]bool)
	for _, v := range values {
		m, ok := v.Value.(map[string]any)
		if !ok {
			continue
		}
		for k := range modifiedKeys(baseMap, m) {
			set[k] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// structuralSimilarity is the pairwise-minimum key-set Jaccard across map
// values, or zero when any value is not a map.
func structuralSimilarity(values []AgentValue) float64 {
	maps := make([]map[string]any, 0, len(values))
	for _, v := range values {
		m, ok := v.Value.(map[string]any)
		if !ok {
			return 0.0
		}
		maps = append(maps, m)
	}
	minSim := 1.0
	for i := 0; i < len(maps); i++ {
		for j := i + 1; j < len(maps); j++ {
			if s := keySetJaccard(maps[i], maps[j]); s < minSim {
				minSim = s
			}
		}
	}
	return minSim
}

func keySetJaccard(a, b map[string]any) float64 {
	union := make(map[string]bool, len(a)+len(b))
	inter := 0
	for k := range a {
		union[k] = true
		if _, ok := b[k]; ok {
			inter++
		}
	}
	for k := range b {
		union[k] = true
	}
	if len(union) == 0 {
		return 1.0
	}
	return float64(inter) / float64(len(union))
}

// mergeDisjoint merges map values with pairwise-disjoint keys. Returns nil
// when the values are not maps; errors when two agents touch the same key.
func mergeDisjoint(values []AgentValue) (map[string]any, error) {
	merged := make(map[string]any)
	owner := make(map[string]string)
	for _, v := range values {
		m, ok := v.Value.(map[string]any)
		if !ok {
			return nil, nil
		}
		for k, val := range m {
			if prev, taken := owner[k]; taken && !reflect.DeepEqual(merged[k], val) {
				return nil, fmt.Errorf("cannot merge: agents %s and %s both modified key %q", prev, v.AgentID, k)
			}
			merged[k] = val
			owner[k] = v.AgentID
		}
	}
	return merged, nil
}
