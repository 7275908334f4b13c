package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/st7ma784/debtgraph"
	"github.com/st7ma784/debtgraph/graph"
)

func TestWriteEngineErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"graph not found", debtgraph.ErrGraphNotFound, http.StatusNotFound},
		{"type mismatch", debtgraph.ErrGraphTypeMismatch, http.StatusBadRequest},
		{"validation", &graph.ValidationError{Field: "graph_type", Value: "x", Reason: "unknown"}, http.StatusBadRequest},
		{"backend timeout", debtgraph.ErrExtractionTimeout, http.StatusGatewayTimeout},
		{"deadline exceeded", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"search cancelled", graph.ErrSearchCancelled, http.StatusServiceUnavailable},
		{"wrapped cancelled", fmt.Errorf("find paths: %w", graph.ErrSearchCancelled), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeEngineError(rec, tt.err)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body["error"] == "" {
				t.Error("error body missing message")
			}
		})
	}
}

// A cancelled path search is not the same outcome as "no paths found"; the
// response must say so rather than reporting a generic server fault.
func TestWriteEngineErrorCancelledIsDistinct(t *testing.T) {
	rec := httptest.NewRecorder()
	writeEngineError(rec, graph.ErrSearchCancelled)
	if rec.Code == http.StatusInternalServerError {
		t.Fatalf("cancelled search mapped to 500, want a dedicated status")
	}
	if !strings.Contains(rec.Body.String(), "cancelled") {
		t.Errorf("body = %q, want it to mention cancellation", rec.Body.String())
	}
}
