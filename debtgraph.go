package debtgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/st7ma784/debtgraph/compare"
	"github.com/st7ma784/debtgraph/extract"
	"github.com/st7ma784/debtgraph/graph"
	"github.com/st7ma784/debtgraph/llm"
	"github.com/st7ma784/debtgraph/reason"
	"github.com/st7ma784/debtgraph/store"
)

// Engine is the main entry point for the debt graph engine.
type Engine interface {
	// Extract turns marked-up advice text into a typed graph without
	// persisting it. Empty input yields an empty graph, not an error.
	Extract(ctx context.Context, content, sourceDocument string, gt graph.GraphType) (*graph.Graph, error)

	// BuildGraph extracts, persists, and embeds a graph for a source
	// document. Returns the graph ID. If a graph of the same type already
	// exists for the source it is reused unless WithForceRebuild is given.
	BuildGraph(ctx context.Context, content, sourceDocument string, gt graph.GraphType, opts ...BuildOption) (string, error)

	// BuildGraphChunks builds one graph from multiple text chunks and
	// their source files. All source files are recorded on the graph.
	BuildGraphChunks(ctx context.Context, chunks, sourceFiles []string, gt graph.GraphType, opts ...BuildOption) (string, error)

	// Graph retrieves a stored graph by ID.
	Graph(ctx context.Context, id string) (*graph.Graph, error)

	// DeleteGraph removes a stored graph and its embeddings.
	DeleteGraph(ctx context.Context, id string) error

	// Compare evaluates a manual graph's rules against a client graph.
	Compare(ctx context.Context, manualID, clientID string, opts ...CompareOption) (*compare.GraphComparison, error)

	// FindPaths returns every shortest reasoning path from a start entity to
	// entities of the target type (or to terminals when targetType is empty).
	FindPaths(ctx context.Context, graphID, startEntityID, targetType string) ([]PathResult, error)

	// ReasoningTrail answers a free-text question with an ordered reasoning
	// chain over a stored graph.
	ReasoningTrail(ctx context.Context, graphID, question string, values reason.ClientValues) (*reason.ReasoningChain, error)

	// ListGraphs returns summaries of all stored graphs.
	ListGraphs(ctx context.Context) ([]store.GraphInfo, error)

	// ListSources returns every source document with the graph built from it.
	ListSources(ctx context.Context) ([]store.SourceInfo, error)

	// QueryEntities filters a stored graph's entities by type and confidence.
	QueryEntities(ctx context.Context, graphID, entityType string, minConfidence float64) ([]graph.Entity, error)

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// PathResult is a reasoning path rendered for API consumers.
type PathResult struct {
	EntityIDs  []string `json:"entity_ids"`
	Confidence float64  `json:"confidence"`
	Label      string   `json:"label"`
}

// BuildOption configures graph building.
type BuildOption func(*buildOptions)

type buildOptions struct {
	forceRebuild bool
}

// WithForceRebuild re-extracts even when a graph already exists for the source.
func WithForceRebuild() BuildOption {
	return func(o *buildOptions) { o.forceRebuild = true }
}

// CompareOption configures comparison behavior.
type CompareOption func(*compareOptions)

type compareOptions struct {
	asOf       time.Time
	activeOnly bool
}

// WithAsOf evaluates temporal conditions at the given date instead of now.
func WithAsOf(t time.Time) CompareOption {
	return func(o *compareOptions) { o.asOf = t }
}

// WithActiveOnly drops rules whose temporal status is EXPIRED or FUTURE
// instead of flagging them.
func WithActiveOnly() CompareOption {
	return func(o *compareOptions) { o.activeOnly = true }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg        Config
	store      *store.Store
	chatLLM    llm.Provider
	embedLLM   llm.Provider
	extractor  *extract.Extractor
	comparator *compare.Comparator
	reasoner   *reason.Reasoner
}

// New creates a debt graph engine with the given configuration.
func New(cfg Config) (Engine, error) {
	dbPath := cfg.resolveDBPath()

	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var chatLLM llm.Provider
	if cfg.Assist.Provider != "" {
		chatLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Assist.Provider,
			Model:    cfg.Assist.Model,
			BaseURL:  cfg.Assist.BaseURL,
			APIKey:   cfg.Assist.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating assist provider: %w", err)
		}
	}

	var embedLLM llm.Provider
	if cfg.Embedding.Provider != "" {
		embedLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Embedding.Provider,
			Model:    cfg.Embedding.Model,
			BaseURL:  cfg.Embedding.BaseURL,
			APIKey:   cfg.Embedding.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}

	extractor := extract.New(extract.Config{
		MinConfidence:     cfg.MinEntityConfidence,
		AssistConcurrency: cfg.AssistConcurrency,
	}, chatLLM)

	// Semantic matching only works with an embedding provider; without one
	// the comparator falls back to lexical similarity.
	var vectors compare.Vectors
	if embedLLM != nil {
		vectors = &vectorIndex{embed: embedLLM, store: s}
	}
	comparator := compare.New(compare.Config{
		SemanticCutoff: cfg.SemanticCutoff,
		GapPenalty:     cfg.GapPenalty,
	}, vectors)

	reasoner := reason.New(reason.Config{
		MinStartScore: cfg.MinStartScore,
	})

	return &engine{
		cfg:        cfg,
		store:      s,
		chatLLM:    chatLLM,
		embedLLM:   embedLLM,
		extractor:  extractor,
		comparator: comparator,
		reasoner:   reasoner,
	}, nil
}

func (e *engine) Extract(ctx context.Context, content, sourceDocument string, gt graph.GraphType) (*graph.Graph, error) {
	g, err := e.extractor.Extract(ctx, content, sourceDocument, gt)
	if err != nil {
		return nil, wrapExtractErr(err)
	}
	return g, nil
}

func (e *engine) BuildGraph(ctx context.Context, content, sourceDocument string, gt graph.GraphType, opts ...BuildOption) (string, error) {
	return e.buildGraph(ctx, content, []string{sourceDocument}, gt, opts)
}

func (e *engine) BuildGraphChunks(ctx context.Context, chunks, sourceFiles []string, gt graph.GraphType, opts ...BuildOption) (string, error) {
	if len(sourceFiles) == 0 {
		sourceFiles = []string{"inline"}
	}
	return e.buildGraph(ctx, strings.Join(chunks, "\n\n"), sourceFiles, gt, opts)
}

func (e *engine) buildGraph(ctx context.Context, content string, sources []string, gt graph.GraphType, opts []BuildOption) (string, error) {
	options := &buildOptions{}
	for _, o := range opts {
		o(options)
	}

	sourceDocument := sources[0]
	var priorID string
	if existing, err := e.store.GetGraphBySource(ctx, sourceDocument, gt); err == nil {
		if !options.forceRebuild {
			slog.Info("build: reusing existing graph",
				"source", sourceDocument, "graph_id", existing.ID)
			return existing.ID, nil
		}
		priorID = existing.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("checking existing graph: %w", err)
	}

	g, err := e.extractor.Extract(ctx, content, sourceDocument, gt)
	if err != nil {
		return "", wrapExtractErr(err)
	}
	g.SourceDocuments = sources
	if priorID != "" {
		// Keep the prior id so the rebuild replaces the stored graph in one
		// transaction instead of leaving a stale copy behind.
		g.ID = priorID
	}

	if err := e.store.PutGraph(ctx, g); err != nil {
		return "", fmt.Errorf("storing graph: %w", err)
	}

	if e.embedLLM != nil {
		start := time.Now()
		if err := e.embedEntities(ctx, g); err != nil {
			// The graph itself is stored; only semantic matching degrades.
			return g.ID, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		slog.Info("build: entity embeddings complete",
			"graph_id", g.ID, "entities", len(g.Entities),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	return g.ID, nil
}

func (e *engine) Graph(ctx context.Context, id string) (*graph.Graph, error) {
	g, err := e.store.GetGraph(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, id)
	}
	return g, nil
}

func (e *engine) DeleteGraph(ctx context.Context, id string) error {
	if err := e.store.DeleteGraph(ctx, id); err != nil {
		return mapNotFound(err, id)
	}
	return nil
}

func (e *engine) Compare(ctx context.Context, manualID, clientID string, opts ...CompareOption) (*compare.GraphComparison, error) {
	options := &compareOptions{}
	for _, o := range opts {
		o(options)
	}

	manual, err := e.store.GetGraph(ctx, manualID)
	if err != nil {
		return nil, mapNotFound(err, manualID)
	}
	client, err := e.store.GetGraph(ctx, clientID)
	if err != nil {
		return nil, mapNotFound(err, clientID)
	}
	if manual.GraphType != graph.GraphManual {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrGraphTypeMismatch, manualID, manual.GraphType, graph.GraphManual)
	}
	if client.GraphType != graph.GraphClient {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrGraphTypeMismatch, clientID, client.GraphType, graph.GraphClient)
	}

	result, err := e.comparator.Compare(ctx, manual, client, compare.Options{
		AsOf:       options.asOf,
		ActiveOnly: options.activeOnly,
	})
	if err != nil {
		return nil, err
	}

	logEntry := store.ComparisonLog{
		ManualGraphID:   manualID,
		ClientGraphID:   clientID,
		ApplicableRules: len(result.ApplicableRules),
		Gaps:            len(result.Gaps),
		Confidence:      topConfidence(result.ApplicableRules),
		Result:          result,
	}
	if !options.asOf.IsZero() {
		logEntry.AsOf = options.asOf.UTC().Format(time.RFC3339)
	}
	if err := e.store.LogComparison(ctx, logEntry); err != nil {
		slog.Warn("comparison audit log failed", "error", err)
	}

	return result, nil
}

func (e *engine) FindPaths(ctx context.Context, graphID, startEntityID, targetType string) ([]PathResult, error) {
	g, err := e.store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, mapNotFound(err, graphID)
	}

	paths, err := graph.FindPaths(ctx, g, startEntityID, targetType)
	if err != nil {
		return nil, err
	}

	results := make([]PathResult, len(paths))
	for i, p := range paths {
		results[i] = PathResult{
			EntityIDs:  p.EntityIDs,
			Confidence: p.Confidence,
			Label:      reason.Label(g, p),
		}
	}
	return results, nil
}

func (e *engine) ReasoningTrail(ctx context.Context, graphID, question string, values reason.ClientValues) (*reason.ReasoningChain, error) {
	g, err := e.store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, mapNotFound(err, graphID)
	}
	return e.reasoner.Trail(ctx, g, question, values)
}

func (e *engine) ListGraphs(ctx context.Context) ([]store.GraphInfo, error) {
	return e.store.ListGraphs(ctx)
}

func (e *engine) ListSources(ctx context.Context) ([]store.SourceInfo, error) {
	return e.store.ListSources(ctx)
}

func (e *engine) QueryEntities(ctx context.Context, graphID, entityType string, minConfidence float64) ([]graph.Entity, error) {
	entities, err := e.store.QueryEntities(ctx, graphID, entityType, minConfidence)
	if err != nil {
		return nil, mapNotFound(err, graphID)
	}
	return entities, nil
}

func (e *engine) Store() *store.Store {
	return e.store
}

func (e *engine) Close() error {
	return e.store.Close()
}

// embedEntities generates embeddings for a graph's entities in batches.
// Individual batch failures trigger per-text fallback so a single bad text
// does not lose the whole batch.
func (e *engine) embedEntities(ctx context.Context, g *graph.Graph) error {
	ids := make([]string, 0, len(g.Entities))
	for id := range g.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const batchSize = 32
	var failed int

	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = g.Entities[ids[j]].Text
		}

		embeddings, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			slog.Warn("embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embedLLM.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					slog.Warn("embedding single entity failed",
						"entity_id", ids[i+j], "error", serr)
					failed++
					continue
				}
				if serr := e.store.InsertEntityEmbedding(ctx, g.ID, ids[i+j], single[0]); serr != nil {
					slog.Warn("storing entity embedding failed",
						"entity_id", ids[i+j], "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := e.store.InsertEntityEmbedding(ctx, g.ID, ids[i+j], emb); err != nil {
				slog.Warn("storing entity embedding failed",
					"entity_id", ids[i+j], "error", err)
				failed++
			}
		}
	}

	if len(ids) > 0 && failed == len(ids) {
		return fmt.Errorf("all %d entities failed embedding", len(ids))
	}
	if failed > 0 {
		slog.Warn("some entity embeddings failed", "failed", failed, "total", len(ids))
	}
	return nil
}

// vectorIndex adapts the embedding provider plus the store's KNN search into
// the comparator's similarity interface.
type vectorIndex struct {
	embed llm.Provider
	store *store.Store
}

func (v *vectorIndex) Similar(ctx context.Context, graphID, text string, k int) ([]compare.Candidate, error) {
	embs, err := v.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding query text: %w", err)
	}
	if len(embs) == 0 || len(embs[0]) == 0 {
		return nil, fmt.Errorf("embedding query text: empty result")
	}

	matches, err := v.store.SimilarEntities(ctx, graphID, embs[0], k)
	if err != nil {
		return nil, err
	}
	candidates := make([]compare.Candidate, len(matches))
	for i, m := range matches {
		candidates[i] = compare.Candidate{EntityID: m.EntityID, Score: m.Score}
	}
	return candidates, nil
}

func topConfidence(rules []compare.ApplicableRule) float64 {
	if len(rules) == 0 {
		return 0
	}
	// Rules are sorted confidence-descending.
	return rules[0].Confidence
}

func mapNotFound(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, id)
	}
	return err
}

func wrapExtractErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrExtractionTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
}
