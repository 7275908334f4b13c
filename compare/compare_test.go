package compare

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/st7ma784/debtgraph/graph"
)

func mustAddEntity(t *testing.T, g *graph.Graph, e graph.Entity) {
	t.Helper()
	if err := g.AddEntity(e); err != nil {
		t.Fatalf("adding entity %s: %v", e.ID, err)
	}
}

func mustAddRelationship(t *testing.T, g *graph.Graph, r graph.Relationship) {
	t.Helper()
	if err := g.AddRelationship(r); err != nil {
		t.Fatalf("adding relationship %s: %v", r.ID, err)
	}
}

// droManual builds a manual graph with a debt relief order eligibility rule
// that requires total debt at or below £50,000.
func droManual(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("manual-1", graph.GraphManual, []string{"dro-manual.md"})
	mustAddEntity(t, g, graph.Entity{
		ID: "rule-dro-eligibility", Text: "debt relief order eligibility",
		EntityType: graph.EntityRule, Confidence: 0.9,
	})
	mustAddEntity(t, g, graph.Entity{
		ID: "money_threshold-50000", Text: "debts must not exceed £50,000",
		EntityType: graph.EntityMoneyThreshold, Confidence: 0.9,
		Properties: map[string]any{"max": 50000.0},
	})
	mustAddRelationship(t, g, graph.Relationship{
		ID: "rel-debt-threshold", SourceEntityID: "rule-dro-eligibility",
		TargetEntityID: "money_threshold-50000",
		RelationType:   graph.RelRequires, Confidence: 0.85,
	})
	return g
}

func clientWithDebt(t *testing.T, amount float64) *graph.Graph {
	t.Helper()
	g := graph.New("client-1", graph.GraphClient, []string{"client-notes.md"})
	mustAddEntity(t, g, graph.Entity{
		ID: "money-client-debt", Text: "total debt",
		EntityType: graph.EntityMoney, Confidence: 0.9,
		Properties: map[string]any{"value": amount},
	})
	return g
}

func TestCompareThresholdSatisfied(t *testing.T) {
	c := New(DefaultConfig(), nil)
	result, err := c.Compare(context.Background(), droManual(t), clientWithDebt(t, 45000), Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	if len(result.ApplicableRules) != 1 {
		t.Fatalf("applicable rules: got %d, want 1", len(result.ApplicableRules))
	}
	rule := result.ApplicableRules[0]
	if rule.RuleID != "rule-dro-eligibility" {
		t.Errorf("rule id: got %q", rule.RuleID)
	}
	if rule.Confidence <= 0 {
		t.Errorf("confidence: got %v, want > 0", rule.Confidence)
	}
	if len(rule.MatchedEntities) != 1 {
		t.Fatalf("matched entities: got %d, want 1", len(rule.MatchedEntities))
	}
	m := rule.MatchedEntities[0]
	if m.MatchType != MatchPattern {
		t.Errorf("match type: got %q, want PATTERN", m.MatchType)
	}
	if m.ClientEntityID != "money-client-debt" || m.ManualEntityID != "money_threshold-50000" {
		t.Errorf("match pair: %+v", m)
	}
	if len(result.Gaps) != 0 {
		t.Errorf("gaps: got %+v, want none", result.Gaps)
	}
	if rule.TemporalStatus != graph.StatusActive {
		t.Errorf("temporal status: got %q, want ACTIVE", rule.TemporalStatus)
	}
}

// A failed hard requirement excludes the rule entirely and names the
// threshold in gaps.
func TestCompareThresholdExceeded(t *testing.T) {
	c := New(DefaultConfig(), nil)
	result, err := c.Compare(context.Background(), droManual(t), clientWithDebt(t, 55000), Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	if len(result.ApplicableRules) != 0 {
		t.Fatalf("applicable rules: got %+v, want none", result.ApplicableRules)
	}
	if len(result.Gaps) != 1 {
		t.Fatalf("gaps: got %d, want 1", len(result.Gaps))
	}
	gap := result.Gaps[0]
	if gap.RuleID != "rule-dro-eligibility" {
		t.Errorf("gap rule: got %q", gap.RuleID)
	}
	if gap.RequirementID != "money_threshold-50000" {
		t.Errorf("gap requirement: got %q", gap.RequirementID)
	}
	if gap.Label != "debts must not exceed £50,000" {
		t.Errorf("gap label: got %q", gap.Label)
	}
}

func TestCompareExactMatch(t *testing.T) {
	manual := graph.New("manual-1", graph.GraphManual, nil)
	mustAddEntity(t, manual, graph.Entity{
		ID: "rule-1", Text: "council tax recovery", EntityType: graph.EntityRule, Confidence: 1,
	})
	mustAddEntity(t, manual, graph.Entity{
		ID: "debt_type-council-tax-arrears", Text: "Council Tax Arrears",
		EntityType: graph.EntityDebtType, Confidence: 0.9,
	})
	mustAddRelationship(t, manual, graph.Relationship{
		ID: "rel-1", SourceEntityID: "rule-1", TargetEntityID: "debt_type-council-tax-arrears",
		RelationType: graph.RelApplicableTo, Confidence: 0.8,
	})

	client := graph.New("client-1", graph.GraphClient, nil)
	mustAddEntity(t, client, graph.Entity{
		ID: "debt_type-client", Text: "council  tax   arrears", // spacing and case differ
		EntityType: graph.EntityDebtType, Confidence: 0.9,
	})

	c := New(DefaultConfig(), nil)
	result, err := c.Compare(context.Background(), manual, client, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(result.ApplicableRules) != 1 {
		t.Fatalf("applicable rules: got %d, want 1", len(result.ApplicableRules))
	}
	m := result.ApplicableRules[0].MatchedEntities[0]
	if m.MatchType != MatchExact {
		t.Errorf("match type: got %q, want EXACT", m.MatchType)
	}
	if m.Score != 1.0 {
		t.Errorf("exact score: got %v, want 1.0", m.Score)
	}
}

func TestCompareSemanticFallback(t *testing.T) {
	manual := graph.New("manual-1", graph.GraphManual, nil)
	mustAddEntity(t, manual, graph.Entity{
		ID: "rule-1", Text: "income assessment", EntityType: graph.EntityRule, Confidence: 1,
	})
	mustAddEntity(t, manual, graph.Entity{
		ID: "client_attribute-disposable-income", Text: "monthly disposable income",
		EntityType: graph.EntityClientAttr, Confidence: 0.9,
	})
	mustAddRelationship(t, manual, graph.Relationship{
		ID: "rel-1", SourceEntityID: "rule-1", TargetEntityID: "client_attribute-disposable-income",
		RelationType: graph.RelApplicableTo, Confidence: 0.8,
	})

	client := graph.New("client-1", graph.GraphClient, nil)
	mustAddEntity(t, client, graph.Entity{
		ID: "attr-1", Text: "disposable income", EntityType: graph.EntityClientAttr, Confidence: 0.9,
	})

	c := New(DefaultConfig(), nil)
	result, err := c.Compare(context.Background(), manual, client, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(result.ApplicableRules) != 1 {
		t.Fatalf("applicable rules: got %d, want 1", len(result.ApplicableRules))
	}
	m := result.ApplicableRules[0].MatchedEntities[0]
	if m.MatchType != MatchSemantic {
		t.Errorf("match type: got %q, want SEMANTIC", m.MatchType)
	}
	if m.Score < 0.6 {
		t.Errorf("semantic score below cutoff: %v", m.Score)
	}
}

type fakeVectors struct {
	candidates []Candidate
	err        error
}

func (f *fakeVectors) Similar(ctx context.Context, graphID, text string, k int) ([]Candidate, error) {
	return f.candidates, f.err
}

func TestCompareVectorBackedSemantic(t *testing.T) {
	manual := graph.New("manual-1", graph.GraphManual, nil)
	mustAddEntity(t, manual, graph.Entity{
		ID: "rule-1", Text: "vulnerability check", EntityType: graph.EntityRule, Confidence: 1,
	})
	mustAddEntity(t, manual, graph.Entity{
		ID: "client_attribute-vulnerable", Text: "client vulnerability",
		EntityType: graph.EntityClientAttr, Confidence: 0.9,
	})
	mustAddRelationship(t, manual, graph.Relationship{
		ID: "rel-1", SourceEntityID: "rule-1", TargetEntityID: "client_attribute-vulnerable",
		RelationType: graph.RelApplicableTo, Confidence: 0.9,
	})

	client := graph.New("client-1", graph.GraphClient, nil)
	mustAddEntity(t, client, graph.Entity{
		ID: "attr-health", Text: "long term health condition",
		EntityType: graph.EntityClientAttr, Confidence: 0.9,
	})

	c := New(DefaultConfig(), &fakeVectors{candidates: []Candidate{{EntityID: "attr-health", Score: 0.82}}})
	result, err := c.Compare(context.Background(), manual, client, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(result.ApplicableRules) != 1 {
		t.Fatalf("applicable rules: got %d, want 1", len(result.ApplicableRules))
	}
	m := result.ApplicableRules[0].MatchedEntities[0]
	if m.MatchType != MatchSemantic || m.ClientEntityID != "attr-health" {
		t.Errorf("vector match: %+v", m)
	}
	if m.Score != 0.82 {
		t.Errorf("vector score: got %v, want 0.82", m.Score)
	}
}

// Soft gaps discount the rule but do not exclude it.
func TestCompareGapPenalty(t *testing.T) {
	manual := droManual(t)
	mustAddEntity(t, manual, graph.Entity{
		ID: "debt_type-qualifying", Text: "qualifying debt",
		EntityType: graph.EntityDebtType, Confidence: 0.9,
	})
	mustAddRelationship(t, manual, graph.Relationship{
		ID: "rel-qualifying", SourceEntityID: "rule-dro-eligibility",
		TargetEntityID: "debt_type-qualifying",
		RelationType:   graph.RelApplicableTo, Confidence: 0.8,
	})

	c := New(DefaultConfig(), nil)
	result, err := c.Compare(context.Background(), manual, clientWithDebt(t, 40000), Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(result.ApplicableRules) != 1 {
		t.Fatalf("applicable rules: got %d, want 1", len(result.ApplicableRules))
	}
	rule := result.ApplicableRules[0]
	if len(result.Gaps) != 1 {
		t.Fatalf("gaps: got %d, want 1", len(result.Gaps))
	}

	// confidence = rule 0.9 * matched rel 0.85 * (1 - 0.15*1)
	want := 0.9 * 0.85 * 0.85
	if diff := rule.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("confidence: got %v, want %v", rule.Confidence, want)
	}
}

func TestCompareExpiredFlaggedNotFiltered(t *testing.T) {
	manual := droManual(t)
	expiry := time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC)
	r := manual.Relationships["rel-debt-threshold"]
	r.Temporal = &graph.Temporal{ExpiryDate: &expiry}
	manual.Relationships["rel-debt-threshold"] = r

	asOf := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(DefaultConfig(), nil)

	result, err := c.Compare(context.Background(), manual, clientWithDebt(t, 45000), Options{AsOf: asOf})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(result.ApplicableRules) != 1 {
		t.Fatalf("expired rule should still be returned, got %d rules", len(result.ApplicableRules))
	}
	if result.ApplicableRules[0].TemporalStatus != graph.StatusExpired {
		t.Errorf("temporal status: got %q, want EXPIRED", result.ApplicableRules[0].TemporalStatus)
	}

	activeOnly, err := c.Compare(context.Background(), manual, clientWithDebt(t, 45000),
		Options{AsOf: asOf, ActiveOnly: true})
	if err != nil {
		t.Fatalf("compare active-only: %v", err)
	}
	if len(activeOnly.ApplicableRules) != 0 {
		t.Errorf("active-only should drop expired rules, got %d", len(activeOnly.ApplicableRules))
	}
}

func TestCompareGateResults(t *testing.T) {
	manual := droManual(t)
	r := manual.Relationships["rel-debt-threshold"]
	r.Temporal = &graph.Temporal{LogicGate: graph.GateAnd}
	r.Condition = "if total debt is at or below the limit"
	manual.Relationships["rel-debt-threshold"] = r

	c := New(DefaultConfig(), nil)
	result, err := c.Compare(context.Background(), manual, clientWithDebt(t, 45000), Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	gates := result.ApplicableRules[0].Gates
	if len(gates) != 1 {
		t.Fatalf("gates: got %d, want 1", len(gates))
	}
	if gates[0].GateType != graph.GateAnd || !gates[0].Satisfied {
		t.Errorf("gate result: %+v", gates[0])
	}
	if gates[0].Condition == "" {
		t.Error("gate condition not carried through")
	}
}

// Repeated comparisons on unchanged graphs must return identical ordering.
func TestCompareDeterministicOrdering(t *testing.T) {
	manual := graph.New("manual-1", graph.GraphManual, nil)
	client := graph.New("client-1", graph.GraphClient, nil)
	mustAddEntity(t, client, graph.Entity{
		ID: "debt_type-rent-arrears", Text: "rent arrears", EntityType: graph.EntityDebtType, Confidence: 0.9,
	})

	// Three rules with equal structure so confidences tie.
	for _, id := range []string{"rule-c", "rule-a", "rule-b"} {
		mustAddEntity(t, manual, graph.Entity{
			ID: id, Text: id, EntityType: graph.EntityRule, Confidence: 0.8,
		})
		mustAddEntity(t, manual, graph.Entity{
			ID: "debt_type-" + id, Text: "rent arrears", EntityType: graph.EntityDebtType, Confidence: 0.9,
		})
		mustAddRelationship(t, manual, graph.Relationship{
			ID: "rel-" + id, SourceEntityID: id, TargetEntityID: "debt_type-" + id,
			RelationType: graph.RelApplicableTo, Confidence: 0.7,
		})
	}

	c := New(DefaultConfig(), nil)
	var prev []string
	for run := 0; run < 5; run++ {
		result, err := c.Compare(context.Background(), manual, client, Options{})
		if err != nil {
			t.Fatalf("compare run %d: %v", run, err)
		}
		var order []string
		for _, rule := range result.ApplicableRules {
			order = append(order, rule.RuleID)
		}
		if prev != nil {
			for i := range order {
				if order[i] != prev[i] {
					t.Fatalf("run %d ordering differs: %v vs %v", run, order, prev)
				}
			}
		}
		prev = order
	}
	if len(prev) != 3 {
		t.Fatalf("rules ordered: got %v", prev)
	}
	// Ties broken by rule id ascending.
	if prev[0] != "rule-a" || prev[1] != "rule-b" || prev[2] != "rule-c" {
		t.Errorf("tie break ordering: %v", prev)
	}
}

func TestCompareRejectsWrongGraphTypes(t *testing.T) {
	manual := droManual(t)
	client := clientWithDebt(t, 1000)
	c := New(DefaultConfig(), nil)

	var verr *graph.ValidationError
	if _, err := c.Compare(context.Background(), client, manual, Options{}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for swapped graphs, got %v", err)
	}
}

func TestTokenSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"disposable income", "disposable income", 1, 1},
		{"monthly disposable income", "disposable income", 0.85, 0.85},
		{"rent arrears", "council tax arrears", 0.2, 0.3},
		{"rent arrears", "vehicle", 0, 0},
	}
	for _, tt := range tests {
		got := tokenSimilarity(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("tokenSimilarity(%q, %q) = %v, want in [%v, %v]", tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}
