package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/st7ma784/debtgraph"
	"github.com/st7ma784/debtgraph/graph"
	"github.com/st7ma784/debtgraph/reason"
)

type handler struct {
	engine debtgraph.Engine
}

func newHandler(e debtgraph.Engine) *handler {
	return &handler{engine: e}
}

// POST /extract
// Builds (or reuses) a graph from a block of marked-up text and returns an
// extraction summary. include_details adds the full entity/relationship sets.
func (h *handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		Markdown       string `json:"markdown"`
		SourceDocument string `json:"source_document"`
		GraphType      string `json:"graph_type"`
		ForceRebuild   bool   `json:"force_rebuild,omitempty"`
		IncludeDetails bool   `json:"include_details,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SourceDocument == "" {
		writeError(w, http.StatusBadRequest, "source_document is required")
		return
	}
	gt, err := graph.ParseGraphType(req.GraphType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "graph_type must be MANUAL or CLIENT")
		return
	}

	var opts []debtgraph.BuildOption
	if req.ForceRebuild {
		opts = append(opts, debtgraph.WithForceRebuild())
	}

	graphID, err := h.engine.BuildGraph(ctx, req.Markdown, req.SourceDocument, gt, opts...)
	if err != nil {
		writeEngineError(w, err)
		slog.Error("extract error", "source", req.SourceDocument, "error", err)
		return
	}

	g, err := h.engine.Graph(ctx, graphID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	stats := g.Stats()

	resp := map[string]interface{}{
		"extraction_id":      uuid.NewString(),
		"graph_id":           graphID,
		"entity_count":       stats.EntityCount,
		"relationship_count": stats.RelationshipCount,
		"avg_confidence":     stats.AverageConfidence,
	}
	if req.IncludeDetails {
		resp["entities"] = g.Entities
		resp["relationships"] = g.Relationships
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /graph/build
// Builds one graph from multiple text chunks and their source files.
func (h *handler) handleBuild(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		TextChunks   []string `json:"text_chunks"`
		SourceFiles  []string `json:"source_files"`
		DocumentType string   `json:"document_type"`
		ForceRebuild bool     `json:"force_rebuild,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.TextChunks) == 0 {
		writeError(w, http.StatusBadRequest, "text_chunks is required")
		return
	}
	gt, err := graph.ParseGraphType(req.DocumentType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "document_type must be MANUAL or CLIENT")
		return
	}

	var opts []debtgraph.BuildOption
	if req.ForceRebuild {
		opts = append(opts, debtgraph.WithForceRebuild())
	}

	graphID, err := h.engine.BuildGraphChunks(ctx, req.TextChunks, req.SourceFiles, gt, opts...)
	if err != nil {
		writeEngineError(w, err)
		slog.Error("build error", "sources", req.SourceFiles, "error", err)
		return
	}

	g, err := h.engine.Graph(ctx, graphID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GET /graph/{id}
func (h *handler) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.engine.Graph(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// DELETE /graph/{id}
func (h *handler) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteGraph(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /graph/{id}/paths?start_entity_id=&target_type=
func (h *handler) handlePaths(w http.ResponseWriter, r *http.Request) {
	startID := r.URL.Query().Get("start_entity_id")
	if startID == "" {
		writeError(w, http.StatusBadRequest, "start_entity_id is required")
		return
	}
	targetType := r.URL.Query().Get("target_type")

	paths, err := h.engine.FindPaths(r.Context(), r.PathValue("id"), startID, targetType)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	labels := make([]string, len(paths))
	for i, p := range paths {
		labels[i] = p.Label
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path_labels": labels,
		"paths":       paths,
	})
}

// GET /graph/{id}/entities?type=&min_confidence=
func (h *handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	var minConfidence float64
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "min_confidence must be a number in [0,1]")
			return
		}
		minConfidence = f
	}

	entities, err := h.engine.QueryEntities(r.Context(), r.PathValue("id"), entityType, minConfidence)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": entities})
}

// POST /graph/reasoning-trail
func (h *handler) handleReasoningTrail(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		GraphID      string              `json:"graph_id"`
		Question     string              `json:"question"`
		ClientValues reason.ClientValues `json:"client_values,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.GraphID == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "graph_id and question are required")
		return
	}

	chain, err := h.engine.ReasoningTrail(ctx, req.GraphID, req.Question, req.ClientValues)
	if err != nil {
		writeEngineError(w, err)
		slog.Error("reasoning trail error", "graph_id", req.GraphID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// GET /graph/compare?manual_graph_id=&client_graph_id=&as_of=&active_only=
func (h *handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	q := r.URL.Query()
	manualID := q.Get("manual_graph_id")
	clientID := q.Get("client_graph_id")
	if manualID == "" || clientID == "" {
		writeError(w, http.StatusBadRequest, "manual_graph_id and client_graph_id are required")
		return
	}

	var opts []debtgraph.CompareOption
	if v := q.Get("as_of"); v != "" {
		asOf, err := time.Parse("2006-01-02", v)
		if err != nil {
			asOf, err = time.Parse(time.RFC3339, v)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD or RFC3339")
			return
		}
		opts = append(opts, debtgraph.WithAsOf(asOf))
	}
	if q.Get("active_only") == "true" {
		opts = append(opts, debtgraph.WithActiveOnly())
	}

	result, err := h.engine.Compare(ctx, manualID, clientID, opts...)
	if err != nil {
		writeEngineError(w, err)
		slog.Error("compare error", "manual", manualID, "client", clientID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /graphs
func (h *handler) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := h.engine.ListGraphs(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"graphs": graphs})
}

// GET /sources
func (h *handler) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.engine.ListSources(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Store().Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// writeEngineError maps engine errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *graph.ValidationError
	switch {
	case errors.Is(err, debtgraph.ErrGraphNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, debtgraph.ErrGraphTypeMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, debtgraph.ErrExtractionTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "extraction backend timed out")
	case errors.Is(err, graph.ErrSearchCancelled):
		writeError(w, http.StatusServiceUnavailable, "path search cancelled before completion")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
