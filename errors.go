package debtgraph

import "errors"

var (
	// ErrGraphNotFound is returned when a graph id or source has no stored graph.
	ErrGraphNotFound = errors.New("debtgraph: graph not found")

	// ErrGraphTypeMismatch is returned when an operation receives a graph of
	// the wrong type, e.g. comparing two client graphs.
	ErrGraphTypeMismatch = errors.New("debtgraph: graph type mismatch")

	// ErrExtractionFailed is returned when extraction cannot produce a valid graph.
	ErrExtractionFailed = errors.New("debtgraph: extraction failed")

	// ErrExtractionTimeout is returned when the extraction backend ran out of time.
	ErrExtractionTimeout = errors.New("debtgraph: extraction backend timed out")

	// ErrEmbeddingFailed is returned when embedding generation fails for every entity.
	ErrEmbeddingFailed = errors.New("debtgraph: embedding generation failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("debtgraph: invalid configuration")
)
