package debtgraph

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the debt graph engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.debtgraph/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "debtgraph".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is not
	// explicitly set. "home" (default) uses ~/.debtgraph/, "local" uses the
	// current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Assist configures the optional chat model used to augment lexicon
	// extraction. An empty provider disables the assist pass; extraction
	// then runs purely on the built-in lexicon and patterns.
	Assist LLMConfig `json:"assist" yaml:"assist"`

	// Embedding configures the optional embedding model used for semantic
	// entity matching. An empty provider falls back to lexical similarity.
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// EmbeddingDim must match the embedding model's output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Extraction
	MinEntityConfidence float64 `json:"min_entity_confidence" yaml:"min_entity_confidence"` // floor below which extracted entities are dropped
	AssistConcurrency   int     `json:"assist_concurrency" yaml:"assist_concurrency"`       // max parallel LLM calls during assisted extraction

	// Comparison
	SemanticCutoff float64 `json:"semantic_cutoff" yaml:"semantic_cutoff"` // minimum similarity for a semantic requirement match
	GapPenalty     float64 `json:"gap_penalty" yaml:"gap_penalty"`         // confidence penalty per unmatched requirement

	// Reasoning
	MinStartScore float64 `json:"min_start_score" yaml:"min_start_score"` // minimum lexical score resolving a question to a start entity
}

// LLMConfig configures a single model endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, groq, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config that runs fully offline: lexicon-only
// extraction and lexical matching, no model endpoints. Database is stored in
// ~/.debtgraph/debtgraph.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:              "debtgraph",
		StorageDir:          "home",
		EmbeddingDim:        768,
		MinEntityConfidence: 0.35,
		AssistConcurrency:   8,
		SemanticCutoff:      0.6,
		GapPenalty:          0.15,
		MinStartScore:       0.3,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "debtgraph"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".debtgraph", name+".db")
	}
}
