package compare

import (
	"context"
	"sort"
	"strings"

	"github.com/st7ma784/debtgraph/graph"
)

// clientIndex pre-indexes a client graph for requirement matching:
// normalized text lookup for EXACT, per-type buckets for PATTERN and the
// lexical SEMANTIC fallback.
type clientIndex struct {
	byTypeText map[string]map[string]graph.Entity // entity_type -> normalized text -> entity
	byType     map[string][]graph.Entity
	all        []graph.Entity
}

func indexClient(client *graph.Graph) *clientIndex {
	idx := &clientIndex{
		byTypeText: make(map[string]map[string]graph.Entity),
		byType:     make(map[string][]graph.Entity),
	}
	// Deterministic bucket order so ties resolve the same way every call.
	for _, id := range sortedIDs(client) {
		e := client.Entities[id]
		bucket, ok := idx.byTypeText[e.EntityType]
		if !ok {
			bucket = make(map[string]graph.Entity)
			idx.byTypeText[e.EntityType] = bucket
		}
		norm := normalize(e.Text)
		if _, exists := bucket[norm]; !exists {
			bucket[norm] = e
		}
		idx.byType[e.EntityType] = append(idx.byType[e.EntityType], e)
		idx.all = append(idx.all, e)
	}
	return idx
}

func sortedIDs(g *graph.Graph) []string {
	ids := make([]string, 0, len(g.Entities))
	for id := range g.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// matchRequirement tries EXACT, then PATTERN, then SEMANTIC. Returns nil
// when no client entity satisfies the requirement.
func (c *Comparator) matchRequirement(ctx context.Context, client *graph.Graph, idx *clientIndex, req requirement) (*EntityMatch, error) {
	// EXACT: normalized text equality within the same entity type.
	if bucket, ok := idx.byTypeText[req.entity.EntityType]; ok {
		if e, ok := bucket[normalize(req.entity.Text)]; ok {
			return &EntityMatch{ClientEntityID: e.ID, MatchType: MatchExact, Score: 1.0}, nil
		}
	}

	// PATTERN: threshold requirements compare declared ranges against
	// client numeric values.
	if req.entity.EntityType == graph.EntityMoneyThreshold {
		if m := matchThreshold(req.entity, idx); m != nil {
			return m, nil
		}
		// A threshold with a declared range that no client value satisfies
		// is a definitive mismatch; falling through to fuzzy text matching
		// would turn "over the limit" into a false positive.
		if _, hasRange := thresholdRange(req.entity); hasRange {
			return nil, nil
		}
	}

	// SEMANTIC: embeddings when available, lexical token overlap otherwise.
	if c.vectors != nil {
		candidates, err := c.vectors.Similar(ctx, client.ID, req.entity.Text, 3)
		if err != nil {
			return nil, err
		}
		for _, cand := range candidates {
			if cand.Score >= c.cfg.SemanticCutoff {
				return &EntityMatch{ClientEntityID: cand.EntityID, MatchType: MatchSemantic, Score: cand.Score}, nil
			}
		}
		return nil, nil
	}

	var (
		bestID    string
		bestScore float64
	)
	reqNorm := normalize(req.entity.Text)
	// Same-type candidates first; any type only if none qualify.
	for _, pool := range [][]graph.Entity{idx.byType[req.entity.EntityType], idx.all} {
		for _, e := range pool {
			if s := tokenSimilarity(reqNorm, normalize(e.Text)); s > bestScore {
				bestScore, bestID = s, e.ID
			}
		}
		if bestScore >= c.cfg.SemanticCutoff {
			break
		}
	}
	if bestScore >= c.cfg.SemanticCutoff {
		return &EntityMatch{ClientEntityID: bestID, MatchType: MatchSemantic, Score: bestScore}, nil
	}
	return nil, nil
}

// thresholdRange reads the declared {min, max} range off a threshold
// entity's properties. Either bound may be absent.
func thresholdRange(e graph.Entity) (bounds [2]*float64, ok bool) {
	if min, found := numericProperty(e.Properties, "min"); found {
		bounds[0], ok = &min, true
	}
	if max, found := numericProperty(e.Properties, "max"); found {
		bounds[1], ok = &max, true
	}
	return bounds, ok
}

// matchThreshold checks client money and percent values against the
// threshold's declared range. The lowest satisfying value wins so the
// result is deterministic.
func matchThreshold(threshold graph.Entity, idx *clientIndex) *EntityMatch {
	bounds, ok := thresholdRange(threshold)
	if !ok {
		return nil
	}

	var best *graph.Entity
	var bestValue float64
	for _, entityType := range []string{graph.EntityMoney, graph.EntityPercent} {
		for _, e := range idx.byType[entityType] {
			v, found := numericProperty(e.Properties, "value")
			if !found {
				continue
			}
			if bounds[0] != nil && v < *bounds[0] {
				continue
			}
			if bounds[1] != nil && v > *bounds[1] {
				continue
			}
			if best == nil || v < bestValue {
				e := e
				best, bestValue = &e, v
			}
		}
	}
	if best == nil {
		return nil
	}
	return &EntityMatch{ClientEntityID: best.ID, MatchType: MatchPattern, Score: 0.95}
}

func numericProperty(props map[string]any, key string) (float64, bool) {
	if props == nil {
		return 0, false
	}
	switch v := props[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// tokenSimilarity is Jaccard overlap over whitespace tokens, with full
// containment treated as a strong match.
func tokenSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.85
	}

	aTokens := strings.Fields(a)
	bTokens := strings.Fields(b)
	set := make(map[string]bool, len(aTokens))
	for _, t := range aTokens {
		set[t] = true
	}
	var shared int
	distinctB := make(map[string]bool, len(bTokens))
	for _, t := range bTokens {
		if set[t] && !distinctB[t] {
			shared++
		}
		distinctB[t] = true
	}
	union := len(set) + len(distinctB) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
