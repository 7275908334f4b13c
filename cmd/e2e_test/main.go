// End-to-end smoke harness: builds a manual and a client graph from sample
// text in a throwaway database, compares them, and renders a reasoning
// trail. Runs fully offline with lexicon-only extraction.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/st7ma784/debtgraph"
	"github.com/st7ma784/debtgraph/graph"
	"github.com/st7ma784/debtgraph/reason"
)

const manualText = `# Debt Relief Orders

A debt relief order is available when total debts must not exceed £50,000.
Council tax arrears are a qualifying debt and require the debt limit to be met.

Eligibility requires that the client does not own a home.`

const clientText = `Client owes £45,000 in total across all debts.
The client has council tax arrears with the local authority.
The client rents and does not own a home.`

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	tmpDir, _ := os.MkdirTemp("", "debtgraph-e2e-*")
	defer os.RemoveAll(tmpDir)

	cfg := debtgraph.DefaultConfig()
	cfg.DBPath = tmpDir + "/test.db"

	engine, err := debtgraph.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Fprintln(os.Stderr, "\n=== BUILDING MANUAL GRAPH ===")
	manualID, err := engine.BuildGraph(ctx, manualText, "dro-manual.md", graph.GraphManual)
	if err != nil {
		fmt.Fprintf(os.Stderr, "manual build error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "manual graph_id=%s\n", manualID)

	fmt.Fprintln(os.Stderr, "\n=== BUILDING CLIENT GRAPH ===")
	clientID, err := engine.BuildGraph(ctx, clientText, "client-notes.md", graph.GraphClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client build error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "client graph_id=%s\n", clientID)

	fmt.Fprintln(os.Stderr, "\n=== COMPARING ===")
	comparison, err := engine.Compare(ctx, manualID, clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compare error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "applicable_rules=%d gaps=%d matches=%d\n",
		len(comparison.ApplicableRules), len(comparison.Gaps), len(comparison.Matches))

	fmt.Fprintln(os.Stderr, "\n=== REASONING TRAIL ===")
	chain, err := engine.ReasoningTrail(ctx, manualID,
		"Can a client with council tax arrears get a debt relief order?",
		reason.ClientValues{"total_debt": 45000})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reasoning error: %v\n", err)
		os.Exit(1)
	}

	out := map[string]interface{}{
		"comparison": comparison,
		"chain":      chain,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encoding output: %v\n", err)
		os.Exit(1)
	}

	if chain.Insufficient {
		fmt.Fprintln(os.Stderr, "FAIL: reasoning chain came back insufficient")
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "OK")
}
