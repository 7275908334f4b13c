package extract

import (
	"context"
	"testing"
	"time"

	"github.com/st7ma784/debtgraph/graph"
)

func findByType(g *graph.Graph, entityType string) []graph.Entity {
	return g.EntitiesOfType(entityType)
}

func TestExtractThresholdAndRule(t *testing.T) {
	x := New(Config{}, nil)
	text := "DRO eligibility requires total debt of no more than £50,000."

	g, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	rules := findByType(g, graph.EntityRule)
	if len(rules) != 1 || rules[0].Text != "dro eligibility" {
		t.Fatalf("rules = %+v, want one \"dro eligibility\"", rules)
	}

	thresholds := findByType(g, graph.EntityMoneyThreshold)
	if len(thresholds) != 1 {
		t.Fatalf("thresholds = %+v, want exactly one", thresholds)
	}
	if max, ok := thresholds[0].Properties["max"].(float64); !ok || max != 50000 {
		t.Errorf("threshold max = %v, want 50000", thresholds[0].Properties["max"])
	}

	// The money amount inside the threshold phrase must not double as a
	// standalone money entity.
	if money := findByType(g, graph.EntityMoney); len(money) != 0 {
		t.Errorf("money entities = %+v, want none", money)
	}

	// "requires" links the rule to its requirements.
	var found bool
	for _, r := range g.Relationships {
		if r.RelationType == graph.RelRequires && r.SourceEntityID == rules[0].ID {
			found = true
		}
	}
	if !found {
		t.Errorf("no requires relationship from rule; got %+v", g.Relationships)
	}
}

func TestExtractThresholdBounds(t *testing.T) {
	x := New(Config{}, nil)
	tests := []struct {
		name  string
		text  string
		bound string
		want  float64
	}{
		// "more than" is a substring of "no more than": a max phrase must not
		// also emit a spurious min threshold.
		{"maximum only", "DRO eligibility requires total debt of no more than £50,000.", "max", 50000},
		{"minimum only", "Bankruptcy eligibility requires total debt of more than £5,000.", "min", 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := x.Extract(context.Background(), tt.text, "manual.md", graph.GraphManual)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			thresholds := findByType(g, graph.EntityMoneyThreshold)
			if len(thresholds) != 1 {
				t.Fatalf("thresholds = %+v, want exactly one", thresholds)
			}
			if v, ok := thresholds[0].Properties[tt.bound].(float64); !ok || v != tt.want {
				t.Errorf("%s = %v, want %v", tt.bound, thresholds[0].Properties[tt.bound], tt.want)
			}
			other := "min"
			if tt.bound == "min" {
				other = "max"
			}
			if v, ok := thresholds[0].Properties[other]; ok {
				t.Errorf("threshold carries %s = %v, want %s bound only", other, v, tt.bound)
			}
		})
	}
}

func TestExtractThresholdCarriesSubject(t *testing.T) {
	x := New(Config{}, nil)
	text := "DRO eligibility requires total debt of no more than £50,000."

	g, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	thresholds := findByType(g, graph.EntityMoneyThreshold)
	if len(thresholds) != 1 || thresholds[0].Text != "total debt of no more than £50,000" {
		t.Fatalf("thresholds = %+v, want one carrying its subject phrase", thresholds)
	}
	// The attribute lives inside the threshold, not as a second hard
	// requirement the client graph would have to name verbatim.
	if attrs := findByType(g, graph.EntityClientAttr); len(attrs) != 0 {
		t.Errorf("client attributes = %+v, want none (folded into threshold)", attrs)
	}
}

func TestExtractConnectivesStopAtSentenceEnd(t *testing.T) {
	x := New(Config{}, nil)
	text := "DRO eligibility requires total debt of no more than £50,000.\nCouncil tax arrears is a type of priority debt."

	g, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	rules := findByType(g, graph.EntityRule)
	if len(rules) != 1 {
		t.Fatalf("rules = %+v, want one", rules)
	}
	for _, r := range g.Relationships {
		if r.SourceEntityID != rules[0].ID && r.TargetEntityID != rules[0].ID {
			continue
		}
		other := r.TargetEntityID
		if other == rules[0].ID {
			other = r.SourceEntityID
		}
		if e := g.Entities[other]; e.EntityType == graph.EntityDebtType {
			t.Errorf("rule linked across a sentence boundary to %q via %s", e.Text, r.RelationType)
		}
	}

	// The second sentence still yields its own edge.
	var isA bool
	for _, r := range g.Relationships {
		if r.RelationType == graph.RelIsA {
			isA = true
		}
	}
	if !isA {
		t.Error("no is_a relationship between the two debt types")
	}
}

func TestExtractClientFacts(t *testing.T) {
	x := New(Config{}, nil)
	text := "The client has credit card debt of £45,000 and disposable income of £60 per month."

	g, err := x.Extract(context.Background(), text, "client-case.md", graph.GraphClient)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	money := findByType(g, graph.EntityMoney)
	if len(money) != 2 {
		t.Fatalf("money entities = %+v, want 2", money)
	}
	values := map[float64]bool{}
	for _, m := range money {
		if v, ok := m.Properties["value"].(float64); ok {
			values[v] = true
		}
	}
	if !values[45000] || !values[60] {
		t.Errorf("money values = %v, want 45000 and 60", values)
	}

	if debts := findByType(g, graph.EntityDebtType); len(debts) != 1 || debts[0].Text != "credit card debt" {
		t.Errorf("debt types = %+v, want one \"credit card debt\"", debts)
	}
	if attrs := findByType(g, graph.EntityClientAttr); len(attrs) != 1 || attrs[0].Text != "disposable income" {
		t.Errorf("client attributes = %+v, want one \"disposable income\"", attrs)
	}
}

func TestExtractEmptyInput(t *testing.T) {
	x := New(Config{}, nil)
	for _, input := range []string{"", "   \n\n  ", "## \n"} {
		g, err := x.Extract(context.Background(), input, "empty.md", graph.GraphManual)
		if err != nil {
			t.Fatalf("Extract(%q): %v, want success with empty graph", input, err)
		}
		if len(g.Entities) != 0 || len(g.Relationships) != 0 {
			t.Errorf("Extract(%q) produced %d entities %d relationships, want empty",
				input, len(g.Entities), len(g.Relationships))
		}
	}
}

func TestExtractDedupAcrossParagraphs(t *testing.T) {
	x := New(Config{}, nil)
	text := "A debt relief order suits low income clients.\n\nThe debt relief order lasts 12 months."

	g, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	dros := 0
	for _, e := range g.Entities {
		if e.Text == "debt relief order" {
			dros++
			if len(e.Provenance) != 2 {
				t.Errorf("provenance = %+v, want entries for both paragraphs", e.Provenance)
			}
		}
	}
	if dros != 1 {
		t.Errorf("got %d debt relief order entities, want 1 (merged)", dros)
	}
}

func TestExtractGraphIntegrity(t *testing.T) {
	x := New(Config{}, nil)
	text := `Bankruptcy eligibility requires total debt of more than £5,000.
Council tax arrears is a type of priority debt. Priority debt affects repayment of non-priority debt.

A debt relief order prevents bankruptcy. You may be eligible for breathing space if a creditor agrees.`

	g, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Errorf("extracted graph fails integrity check: %v", err)
	}
	for _, r := range g.Relationships {
		if _, ok := g.Entities[r.SourceEntityID]; !ok {
			t.Errorf("dangling source %q", r.SourceEntityID)
		}
		if _, ok := g.Entities[r.TargetEntityID]; !ok {
			t.Errorf("dangling target %q", r.TargetEntityID)
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	x := New(Config{}, nil)
	text := "DRO eligibility requires disposable income of no more than £75."

	g1, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatal(err)
	}

	if len(g1.Entities) != len(g2.Entities) || len(g1.Relationships) != len(g2.Relationships) {
		t.Fatalf("counts differ: %d/%d vs %d/%d",
			len(g1.Entities), len(g1.Relationships), len(g2.Entities), len(g2.Relationships))
	}
	for id := range g1.Entities {
		if _, ok := g2.Entities[id]; !ok {
			t.Errorf("entity id %q not stable across runs", id)
		}
	}
	for id := range g1.Relationships {
		if _, ok := g2.Relationships[id]; !ok {
			t.Errorf("relationship id %q not stable across runs", id)
		}
	}
}

func TestExtractConfidenceFloor(t *testing.T) {
	x := New(Config{MinConfidence: 0.92}, nil)
	// "vehicle" carries lexicon confidence 0.7 and is not favoured in manual
	// graphs, so it falls below the floor.
	text := "Council tax arrears must be declared. A vehicle may be exempt."

	g, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range g.Entities {
		if e.Text == "vehicle" {
			t.Errorf("entity below confidence floor was emitted: %+v", e)
		}
		if e.Confidence == 0 {
			t.Errorf("entity emitted with zero confidence: %+v", e)
		}
	}
}

func TestExtractTemporalCues(t *testing.T) {
	x := New(Config{}, nil)
	text := "With effect from 6 April 2024, DRO eligibility requires total debt of no more than £50,000 until 5 April 2026."

	g, err := x.Extract(context.Background(), text, "manual.md", graph.GraphManual)
	if err != nil {
		t.Fatal(err)
	}

	var withTemporal int
	for _, r := range g.Relationships {
		if r.Temporal == nil {
			continue
		}
		withTemporal++
		if r.Temporal.EffectiveDate == nil || !r.Temporal.EffectiveDate.Equal(time.Date(2024, 4, 6, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("effective date = %v, want 2024-04-06", r.Temporal.EffectiveDate)
		}
		if r.Temporal.ExpiryDate == nil || !r.Temporal.ExpiryDate.Equal(time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("expiry date = %v, want 2026-04-05", r.Temporal.ExpiryDate)
		}
	}
	if withTemporal == 0 {
		t.Error("no relationship carried the paragraph's temporal bounds")
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"£50,000", 50000, true},
		{"45000", 45000, true},
		{"£1,234.56", 1234.56, true},
		{"GBP 20,000", 20000, true},
		{"75 pounds", 75, true},
		{"not money", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseAmount(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseAmount(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractJSONQuirks(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain object", `{"entities": []}`, `{"entities": []}`, false},
		{"fenced", "```json\n{\"entities\": []}\n```", `{"entities": []}`, false},
		{"prose around", `Sure! {"entities": []} Hope that helps.`, `{"entities": []}`, false},
		{"no object", "I could not find anything.", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("extractJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("extractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}
