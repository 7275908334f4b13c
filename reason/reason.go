package reason

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/st7ma784/debtgraph/graph"
)

// Band is the coarse confidence label on a reasoning chain, derived from
// the minimum edge confidence along the rendered path.
type Band string

const (
	BandHigh   Band = "HIGH"
	BandMedium Band = "MEDIUM"
	BandLow    Band = "LOW"
)

// ClientValues carries the client's numeric facts into a reasoning call.
// Passed explicitly per request; never held in shared state.
type ClientValues map[string]float64

// Step is one hop of a reasoning chain. Relationship and Confidence
// describe the edge leading into this step's entity; both are zero on the
// first step.
type Step struct {
	EntityID     string  `json:"entity_id"`
	EntityText   string  `json:"entity_text"`
	EntityType   string  `json:"entity_type"`
	Relationship string  `json:"relationship,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// ReasoningChain is the rendered answer to a free-text question.
type ReasoningChain struct {
	Question     string `json:"question"`
	StartEntity  string `json:"start_entity,omitempty"`
	Steps        []Step `json:"steps,omitempty"`
	Explanation  string `json:"explanation"`
	Confidence   Band   `json:"confidence,omitempty"`
	Insufficient bool   `json:"insufficient,omitempty"`
}

// Config tunes start-entity resolution and confidence banding.
type Config struct {
	// MinStartScore is the minimum lexical score for resolving the
	// question to a start entity.
	MinStartScore float64 `json:"min_start_score"`
	// HighBand and MediumBand are the minimum-edge-confidence thresholds
	// for the HIGH and MEDIUM labels.
	HighBand   float64 `json:"high_band"`
	MediumBand float64 `json:"medium_band"`
}

// DefaultConfig returns the default reasoning tuning.
func DefaultConfig() Config {
	return Config{
		MinStartScore: 0.3,
		HighBand:      0.75,
		MediumBand:    0.45,
	}
}

// Reasoner renders human-readable reasoning trails over a graph.
type Reasoner struct {
	cfg Config
}

// New creates a reasoner.
func New(cfg Config) *Reasoner {
	def := DefaultConfig()
	if cfg.MinStartScore <= 0 {
		cfg.MinStartScore = def.MinStartScore
	}
	if cfg.HighBand <= 0 {
		cfg.HighBand = def.HighBand
	}
	if cfg.MediumBand <= 0 {
		cfg.MediumBand = def.MediumBand
	}
	return &Reasoner{cfg: cfg}
}

// Trail resolves the question to a start entity, searches for a path to a
// rule entity (falling back to reachable terminals), and renders it as an
// ordered chain with an explanation and confidence band.
//
// An unresolvable question yields an insufficient-information chain with a
// nil error; only cancellation and internal failures are errors.
func (r *Reasoner) Trail(ctx context.Context, g *graph.Graph, question string, values ClientValues) (*ReasoningChain, error) {
	startID, score := r.resolveStart(g, question)
	if startID == "" || score < r.cfg.MinStartScore {
		return &ReasoningChain{
			Question:     question,
			Insufficient: true,
			Explanation:  "insufficient information: the question could not be matched to anything in the graph",
		}, nil
	}

	paths, err := graph.FindPaths(ctx, g, startID, graph.EntityRule)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		paths, err = graph.FindPaths(ctx, g, startID, "")
		if err != nil {
			return nil, err
		}
	}

	chain := &ReasoningChain{Question: question, StartEntity: startID}

	if len(paths) == 0 {
		// The start entity resolved but leads nowhere; report the fact
		// itself rather than claiming insufficiency.
		start := g.Entities[startID]
		chain.Steps = []Step{{
			EntityID: start.ID, EntityText: start.Text, EntityType: start.EntityType,
		}}
		chain.Explanation = fmt.Sprintf("%s stands alone in the graph; no connected reasoning is recorded for it.", start.Text)
		chain.Confidence = r.band(start.Confidence)
		return chain, nil
	}

	best := paths[0]
	minEdge := 1.0
	for i, id := range best.EntityIDs {
		e := g.Entities[id]
		step := Step{EntityID: e.ID, EntityText: e.Text, EntityType: e.EntityType}
		if i > 0 {
			rel := bestEdge(g, best.EntityIDs[i-1], id)
			step.Relationship = rel.RelationType
			step.Confidence = rel.Confidence
			if rel.Confidence < minEdge {
				minEdge = rel.Confidence
			}
		}
		chain.Steps = append(chain.Steps, step)
	}

	chain.Explanation = r.explain(g, chain.Steps, values)
	chain.Confidence = r.band(minEdge)
	return chain, nil
}

// resolveStart scores every entity against the question by lexical token
// overlap and returns the best candidate. Ties resolve to the lower id.
func (r *Reasoner) resolveStart(g *graph.Graph, question string) (string, float64) {
	qTokens := tokens(question)
	if len(qTokens) == 0 {
		return "", 0
	}

	ids := make([]string, 0, len(g.Entities))
	for id := range g.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var bestID string
	var bestScore float64
	for _, id := range ids {
		if s := overlapScore(qTokens, tokens(g.Entities[id].Text)); s > bestScore {
			bestID, bestScore = id, s
		}
	}
	return bestID, bestScore
}

// overlapScore is the fraction of entity tokens present in the question.
// Full containment of a multi-word entity scores highest, so longer exact
// mentions beat incidental single-word overlaps.
func overlapScore(question map[string]bool, entity map[string]bool) float64 {
	if len(entity) == 0 {
		return 0
	}
	var hit int
	for t := range entity {
		if question[t] {
			hit++
		}
	}
	score := float64(hit) / float64(len(entity))
	if hit == len(entity) && len(entity) > 1 {
		score += 0.1 * float64(len(entity)-1)
	}
	return score
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:?!\"'()")
		if len(f) > 2 {
			out[f] = true
		}
	}
	return out
}

func bestEdge(g *graph.Graph, from, to string) graph.Relationship {
	var best graph.Relationship
	for _, rel := range g.Relationships {
		if rel.SourceEntityID != from || rel.TargetEntityID != to {
			continue
		}
		if best.ID == "" || rel.Confidence > best.Confidence ||
			(rel.Confidence == best.Confidence && rel.ID < best.ID) {
			best = rel
		}
	}
	return best
}

// explain renders the chain as prose, weaving in client values where a
// threshold on the path can be checked against them.
func (r *Reasoner) explain(g *graph.Graph, steps []Step, values ClientValues) string {
	var parts []string
	for i := 1; i < len(steps); i++ {
		parts = append(parts, fmt.Sprintf("%s %s %s",
			steps[i-1].EntityText, relationLabel(steps[i].Relationship), steps[i].EntityText))
	}
	explanation := strings.Join(parts, "; ")
	if explanation == "" {
		explanation = steps[0].EntityText
	}
	explanation += "."

	for _, step := range steps {
		if step.EntityType != graph.EntityMoneyThreshold {
			continue
		}
		e := g.Entities[step.EntityID]
		if note := thresholdNote(e, values); note != "" {
			explanation += " " + note
		}
	}
	return explanation
}

// thresholdNote checks the client's numeric facts against a threshold
// entity on the path.
func thresholdNote(threshold graph.Entity, values ClientValues) string {
	max, hasMax := numeric(threshold.Properties, "max")
	min, hasMin := numeric(threshold.Properties, "min")
	if !hasMax && !hasMin {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	// A satisfying value wins; otherwise report the first fact.
	pick := keys[0]
	for _, k := range keys {
		v := values[k]
		if (!hasMax || v <= max) && (!hasMin || v >= min) {
			pick = k
			break
		}
	}

	v := values[pick]
	if (!hasMax || v <= max) && (!hasMin || v >= min) {
		return fmt.Sprintf("The client's %s of %s satisfies %q.", humanKey(pick), formatAmount(v), threshold.Text)
	}
	return fmt.Sprintf("The client's %s of %s does not satisfy %q.", humanKey(pick), formatAmount(v), threshold.Text)
}

func numeric(props map[string]any, key string) (float64, bool) {
	if props == nil {
		return 0, false
	}
	switch v := props[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func humanKey(k string) string {
	return strings.ReplaceAll(k, "_", " ")
}

func formatAmount(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("£%d", int64(v))
	}
	return fmt.Sprintf("£%.2f", v)
}

func (r *Reasoner) band(minEdge float64) Band {
	switch {
	case minEdge >= r.cfg.HighBand:
		return BandHigh
	case minEdge >= r.cfg.MediumBand:
		return BandMedium
	default:
		return BandLow
	}
}

// relationLabel renders a relation type as connective prose.
func relationLabel(relType string) string {
	switch relType {
	case graph.RelIsA:
		return "is a kind of"
	case graph.RelPartOf:
		return "is part of"
	case graph.RelSynonymous:
		return "is another name for"
	case graph.RelTriggers:
		return "triggers"
	case graph.RelRequires:
		return "requires"
	case graph.RelBlocks:
		return "blocks"
	case graph.RelFollows:
		return "follows"
	case graph.RelAffectsRepayment:
		return "affects repayment of"
	case graph.RelHasGate:
		return "is gated by"
	case graph.RelContradicts:
		return "contradicts"
	case graph.RelExtends:
		return "extends"
	case graph.RelApplicableTo:
		return "applies to"
	case graph.RelEnables:
		return "enables"
	case graph.RelRestricts:
		return "restricts"
	default:
		return "relates to"
	}
}

// Label renders a path as a compact arrow string for API responses,
// e.g. "council tax arrears -[requires]-> debt relief order eligibility".
func Label(g *graph.Graph, p graph.Path) string {
	if len(p.EntityIDs) == 0 {
		return ""
	}
	b := &strings.Builder{}
	b.WriteString(g.Entities[p.EntityIDs[0]].Text)
	for i := 1; i < len(p.EntityIDs); i++ {
		rel := bestEdge(g, p.EntityIDs[i-1], p.EntityIDs[i])
		fmt.Fprintf(b, " -[%s]-> %s", rel.RelationType, g.Entities[p.EntityIDs[i]].Text)
	}
	return b.String()
}
