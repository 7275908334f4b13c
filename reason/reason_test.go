package reason

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/st7ma784/debtgraph/graph"
)

// droGraph wires council tax arrears through a money threshold to a
// debt relief order rule.
func droGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("g-manual", graph.GraphManual, []string{"manual.md"})

	entities := []graph.Entity{
		{ID: "e-debt", Text: "council tax arrears", EntityType: graph.EntityDebtType, Confidence: 0.9},
		{ID: "e-thresh", Text: "debts must not exceed £50,000", EntityType: graph.EntityMoneyThreshold,
			Confidence: 0.9, Properties: map[string]any{"max": 50000.0}},
		{ID: "e-rule", Text: "debt relief order eligibility", EntityType: graph.EntityRule, Confidence: 0.95},
	}
	for _, e := range entities {
		if err := g.AddEntity(e); err != nil {
			t.Fatalf("AddEntity(%s): %v", e.ID, err)
		}
	}
	rels := []graph.Relationship{
		{ID: "r1", SourceEntityID: "e-debt", TargetEntityID: "e-thresh",
			RelationType: graph.RelRequires, Confidence: 0.8},
		{ID: "r2", SourceEntityID: "e-thresh", TargetEntityID: "e-rule",
			RelationType: graph.RelApplicableTo, Confidence: 0.85},
	}
	for _, r := range rels {
		if err := g.AddRelationship(r); err != nil {
			t.Fatalf("AddRelationship(%s): %v", r.ID, err)
		}
	}
	return g
}

func TestTrailRendersChainToRule(t *testing.T) {
	g := droGraph(t)
	r := New(DefaultConfig())

	chain, err := r.Trail(context.Background(), g, "Can my client get a DRO with council tax arrears?", nil)
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	if chain.Insufficient {
		t.Fatalf("chain marked insufficient: %q", chain.Explanation)
	}
	if chain.StartEntity != "e-debt" {
		t.Fatalf("start entity = %s, want e-debt", chain.StartEntity)
	}
	if len(chain.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(chain.Steps))
	}
	if got := chain.Steps[2].EntityType; got != graph.EntityRule {
		t.Errorf("final step type = %s, want rule", got)
	}
	if got := chain.Steps[1].Relationship; got != graph.RelRequires {
		t.Errorf("step 1 relationship = %s, want requires", got)
	}
	// Minimum edge confidence along the path is 0.8.
	if chain.Confidence != BandHigh {
		t.Errorf("band = %s, want HIGH", chain.Confidence)
	}
	for _, want := range []string{"council tax arrears", "requires", "applies to", "debt relief order eligibility"} {
		if !strings.Contains(chain.Explanation, want) {
			t.Errorf("explanation missing %q: %s", want, chain.Explanation)
		}
	}
}

func TestTrailChecksClientValuesAgainstThreshold(t *testing.T) {
	g := droGraph(t)
	r := New(DefaultConfig())

	tests := []struct {
		name   string
		values ClientValues
		want   string
	}{
		{"within limit", ClientValues{"total_debt": 45000}, "satisfies"},
		{"over limit", ClientValues{"total_debt": 55000}, "does not satisfy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := r.Trail(context.Background(), g, "council tax arrears", tt.values)
			if err != nil {
				t.Fatalf("Trail: %v", err)
			}
			if !strings.Contains(chain.Explanation, tt.want) {
				t.Errorf("explanation missing %q: %s", tt.want, chain.Explanation)
			}
			if !strings.Contains(chain.Explanation, "total debt") {
				t.Errorf("explanation should name the client fact: %s", chain.Explanation)
			}
		})
	}
}

func TestTrailInsufficientInformation(t *testing.T) {
	g := droGraph(t)
	r := New(DefaultConfig())

	chain, err := r.Trail(context.Background(), g, "does the moratorium cover student maintenance?", nil)
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	if !chain.Insufficient {
		t.Fatalf("expected insufficient chain, got start %s", chain.StartEntity)
	}
	if !strings.Contains(chain.Explanation, "insufficient information") {
		t.Errorf("explanation = %q", chain.Explanation)
	}
}

func TestTrailIsolatedEntity(t *testing.T) {
	g := graph.New("g", graph.GraphManual, nil)
	if err := g.AddEntity(graph.Entity{
		ID: "e1", Text: "bankruptcy order", EntityType: graph.EntityLegalStatus, Confidence: 0.9,
	}); err != nil {
		t.Fatal(err)
	}
	r := New(DefaultConfig())

	chain, err := r.Trail(context.Background(), g, "what is a bankruptcy order?", nil)
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	if chain.Insufficient {
		t.Fatal("resolved entity should not be reported as insufficient")
	}
	if len(chain.Steps) != 1 || chain.Steps[0].EntityID != "e1" {
		t.Fatalf("steps = %+v, want single e1 step", chain.Steps)
	}
	if !strings.Contains(chain.Explanation, "stands alone") {
		t.Errorf("explanation = %q", chain.Explanation)
	}
}

func TestTrailBands(t *testing.T) {
	build := func(conf float64) *graph.Graph {
		g := graph.New("g", graph.GraphManual, nil)
		g.AddEntity(graph.Entity{ID: "e1", Text: "bankruptcy order", EntityType: graph.EntityLegalStatus, Confidence: 0.9})
		g.AddEntity(graph.Entity{ID: "e2", Text: "asset sale", EntityType: graph.EntityRule, Confidence: 0.9})
		g.AddRelationship(graph.Relationship{
			ID: "r1", SourceEntityID: "e1", TargetEntityID: "e2",
			RelationType: graph.RelTriggers, Confidence: conf,
		})
		return g
	}
	tests := []struct {
		conf float64
		want Band
	}{
		{0.9, BandHigh},
		{0.75, BandHigh},
		{0.5, BandMedium},
		{0.45, BandMedium},
		{0.2, BandLow},
	}
	r := New(DefaultConfig())
	for _, tt := range tests {
		chain, err := r.Trail(context.Background(), build(tt.conf), "bankruptcy order", nil)
		if err != nil {
			t.Fatalf("Trail(conf=%.2f): %v", tt.conf, err)
		}
		if chain.Confidence != tt.want {
			t.Errorf("conf %.2f: band = %s, want %s", tt.conf, chain.Confidence, tt.want)
		}
	}
}

func TestTrailCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(DefaultConfig())
	_, err := r.Trail(ctx, droGraph(t), "council tax arrears", nil)
	if !errors.Is(err, graph.ErrSearchCancelled) {
		t.Fatalf("err = %v, want ErrSearchCancelled", err)
	}
}

func TestLabel(t *testing.T) {
	g := droGraph(t)
	p := graph.Path{EntityIDs: []string{"e-debt", "e-thresh", "e-rule"}}

	got := Label(g, p)
	want := "council tax arrears -[requires]-> debts must not exceed £50,000 -[applicable_to]-> debt relief order eligibility"
	if got != want {
		t.Errorf("Label = %q, want %q", got, want)
	}
	if Label(g, graph.Path{}) != "" {
		t.Error("empty path should render to empty string")
	}
}
