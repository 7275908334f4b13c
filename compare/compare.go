package compare

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/st7ma784/debtgraph/graph"
)

// MatchType classifies how a manual-graph requirement was satisfied by a
// client-graph entity.
type MatchType string

const (
	// MatchExact is normalized text equality within the same entity type.
	MatchExact MatchType = "EXACT"
	// MatchPattern is a typed-value comparison, e.g. a money threshold
	// against a client money value.
	MatchPattern MatchType = "PATTERN"
	// MatchSemantic is fuzzy text similarity, used only when EXACT and
	// PATTERN both fail.
	MatchSemantic MatchType = "SEMANTIC"
)

// EntityMatch pairs a manual-graph requirement with the client-graph entity
// that satisfied it. Score is match quality, not extraction confidence.
type EntityMatch struct {
	ClientEntityID string    `json:"client_entity_id"`
	ManualEntityID string    `json:"manual_entity_id"`
	MatchType      MatchType `json:"match_type"`
	Score          float64   `json:"score"`
}

// GateResult reports a logic gate attached to a rule's requirements.
type GateResult struct {
	GateType  graph.Gate `json:"gate_type"`
	Condition string     `json:"condition,omitempty"`
	Satisfied bool       `json:"satisfied"`
}

// ApplicableRule is one manual-graph rule judged applicable to the client.
type ApplicableRule struct {
	RuleID          string               `json:"rule_id"`
	Reasoning       string               `json:"reasoning"`
	Confidence      float64              `json:"confidence"`
	MatchedEntities []EntityMatch        `json:"matched_entities"`
	TemporalStatus  graph.TemporalStatus `json:"temporal_status"`
	Gates           []GateResult         `json:"gates,omitempty"`
}

// Gap names a requirement the client graph could not satisfy.
type Gap struct {
	RuleID        string `json:"rule_id"`
	RequirementID string `json:"requirement_id"`
	Label         string `json:"label"`
	EntityType    string `json:"entity_type"`
	RelationType  string `json:"relation_type"`
}

// GraphComparison is the full comparator result.
type GraphComparison struct {
	ManualGraphID   string           `json:"manual_graph_id"`
	ClientGraphID   string           `json:"client_graph_id"`
	ApplicableRules []ApplicableRule `json:"applicable_rules"`
	Gaps            []Gap            `json:"gaps"`
	Matches         []EntityMatch    `json:"matches"`
	ComparedAt      time.Time        `json:"compared_at"`
}

// Candidate is a scored client entity from a vector similarity lookup.
type Candidate struct {
	EntityID string
	Score    float64
}

// Vectors resolves fuzzy matches through entity embeddings. Optional: when
// nil the comparator falls back to lexical token similarity.
type Vectors interface {
	Similar(ctx context.Context, graphID, text string, k int) ([]Candidate, error)
}

// Config tunes matching and scoring.
type Config struct {
	// SemanticCutoff is the minimum similarity for a SEMANTIC match.
	SemanticCutoff float64 `json:"semantic_cutoff"`
	// GapPenalty is subtracted from the confidence factor per gap.
	GapPenalty float64 `json:"gap_penalty"`
	// MinGapFactor floors the gap penalty factor so gaps discount a rule
	// without zeroing it; only a failed hard requirement excludes a rule.
	MinGapFactor float64 `json:"min_gap_factor"`
}

// DefaultConfig returns the default comparator tuning.
func DefaultConfig() Config {
	return Config{
		SemanticCutoff: 0.6,
		GapPenalty:     0.15,
		MinGapFactor:   0.05,
	}
}

// Options control a single comparison call.
type Options struct {
	// AsOf is the reference date for temporal status; zero means now.
	AsOf time.Time
	// ActiveOnly drops rules whose temporal status is not ACTIVE instead
	// of returning them flagged.
	ActiveOnly bool
}

// Comparator matches manual-graph rules against a client graph.
type Comparator struct {
	cfg     Config
	vectors Vectors
}

// New creates a comparator. vectors may be nil.
func New(cfg Config, vectors Vectors) *Comparator {
	if cfg.SemanticCutoff <= 0 {
		cfg.SemanticCutoff = DefaultConfig().SemanticCutoff
	}
	if cfg.GapPenalty <= 0 {
		cfg.GapPenalty = DefaultConfig().GapPenalty
	}
	if cfg.MinGapFactor <= 0 {
		cfg.MinGapFactor = DefaultConfig().MinGapFactor
	}
	return &Comparator{cfg: cfg, vectors: vectors}
}

// requirement is one edge from a rule to a requirement-typed entity.
type requirement struct {
	rel    graph.Relationship
	entity graph.Entity
}

// Compare evaluates every rule entity in the manual graph against the
// client graph. Read-only on both graphs; safe to run concurrently against
// stable snapshots.
func (c *Comparator) Compare(ctx context.Context, manual, client *graph.Graph, opts Options) (*GraphComparison, error) {
	if manual.GraphType != graph.GraphManual {
		return nil, &graph.ValidationError{Field: "manual_graph_id", Value: manual.ID, Reason: "not a MANUAL graph"}
	}
	if client.GraphType != graph.GraphClient {
		return nil, &graph.ValidationError{Field: "client_graph_id", Value: client.ID, Reason: "not a CLIENT graph"}
	}

	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	idx := indexClient(client)

	result := &GraphComparison{
		ManualGraphID: manual.ID,
		ClientGraphID: client.ID,
		ComparedAt:    time.Now().UTC(),
	}

	for _, rule := range manual.EntitiesOfType(graph.EntityRule) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reqs := collectRequirements(manual, rule.ID)
		status := ruleStatus(reqs, asOf)
		if opts.ActiveOnly && status != graph.StatusActive {
			continue
		}

		var (
			matched    []EntityMatch
			gaps       []Gap
			hardFailed bool
			confidence = rule.Confidence
		)

		for _, req := range reqs {
			m, err := c.matchRequirement(ctx, client, idx, req)
			if err != nil {
				return nil, err
			}
			if m != nil {
				m.ManualEntityID = req.entity.ID
				matched = append(matched, *m)
				result.Matches = append(result.Matches, *m)
				confidence *= req.rel.Confidence
				continue
			}

			gap := Gap{
				RuleID:        rule.ID,
				RequirementID: req.entity.ID,
				Label:         req.entity.Text,
				EntityType:    req.entity.EntityType,
				RelationType:  req.rel.RelationType,
			}
			gaps = append(gaps, gap)
			if req.rel.RelationType == graph.RelRequires {
				hardFailed = true
			}
		}

		result.Gaps = append(result.Gaps, gaps...)

		// An unmatched hard requirement means ineligible, not low
		// confidence: the rule is excluded entirely.
		if hardFailed {
			continue
		}

		if len(gaps) > 0 {
			factor := 1.0 - c.cfg.GapPenalty*float64(len(gaps))
			if factor < c.cfg.MinGapFactor {
				factor = c.cfg.MinGapFactor
			}
			confidence *= factor
		}

		result.ApplicableRules = append(result.ApplicableRules, ApplicableRule{
			RuleID:          rule.ID,
			Reasoning:       renderReasoning(rule, matched, gaps),
			Confidence:      confidence,
			MatchedEntities: matched,
			TemporalStatus:  status,
			Gates:           gateResults(reqs, asOf),
		})
	}

	sort.Slice(result.ApplicableRules, func(i, j int) bool {
		a, b := result.ApplicableRules[i], result.ApplicableRules[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.RuleID < b.RuleID
	})
	sort.Slice(result.Gaps, func(i, j int) bool {
		a, b := result.Gaps[i], result.Gaps[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.RequirementID < b.RequirementID
	})

	return result, nil
}

// collectRequirements gathers the requirement-typed entities linked to a
// rule by requirement-bearing relations, in either direction. Sorted by
// relationship id for deterministic evaluation.
func collectRequirements(g *graph.Graph, ruleID string) []requirement {
	var reqs []requirement
	outgoing, incoming := g.RelationshipsOf(ruleID)
	for _, r := range outgoing {
		if !requirementRelation(r.RelationType) {
			continue
		}
		if e, ok := g.Entities[r.TargetEntityID]; ok && graph.RequirementType(e.EntityType) {
			reqs = append(reqs, requirement{rel: r, entity: e})
		}
	}
	for _, r := range incoming {
		if !requirementRelation(r.RelationType) {
			continue
		}
		if e, ok := g.Entities[r.SourceEntityID]; ok && graph.RequirementType(e.EntityType) {
			reqs = append(reqs, requirement{rel: r, entity: e})
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].rel.ID < reqs[j].rel.ID })
	return reqs
}

func requirementRelation(relType string) bool {
	switch relType {
	case graph.RelRequires, graph.RelApplicableTo, graph.RelRestricts, graph.RelBlocks:
		return true
	}
	return false
}

// ruleStatus folds the temporal statuses of a rule's requirement edges.
// EXPIRED dominates, then FUTURE; a rule with no dated edges is ACTIVE.
func ruleStatus(reqs []requirement, asOf time.Time) graph.TemporalStatus {
	status := graph.StatusActive
	for _, req := range reqs {
		switch graph.Status(req.rel, asOf) {
		case graph.StatusExpired:
			return graph.StatusExpired
		case graph.StatusFuture:
			status = graph.StatusFuture
		}
	}
	return status
}

// gateResults evaluates each gate attached to a rule's requirement edges
// against the statuses of all of that rule's requirement edges.
func gateResults(reqs []requirement, asOf time.Time) []GateResult {
	var statuses []graph.TemporalStatus
	for _, req := range reqs {
		statuses = append(statuses, graph.Status(req.rel, asOf))
	}

	var out []GateResult
	for _, req := range reqs {
		if req.rel.Temporal == nil || req.rel.Temporal.LogicGate == "" {
			continue
		}
		out = append(out, GateResult{
			GateType:  req.rel.Temporal.LogicGate,
			Condition: req.rel.Condition,
			Satisfied: graph.EvaluateGate(req.rel.Temporal.LogicGate, statuses),
		})
	}
	return out
}

func renderReasoning(rule graph.Entity, matched []EntityMatch, gaps []Gap) string {
	total := len(matched) + len(gaps)
	b := &strings.Builder{}
	fmt.Fprintf(b, "%s: %d of %d requirements satisfied", rule.Text, len(matched), total)
	if len(gaps) > 0 {
		labels := make([]string, len(gaps))
		for i, gap := range gaps {
			labels[i] = gap.Label
		}
		fmt.Fprintf(b, "; missing: %s", strings.Join(labels, ", "))
	}
	return b.String()
}
