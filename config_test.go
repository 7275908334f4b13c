package debtgraph

import (
	"strings"
	"testing"
)

func TestResolveDBPath(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string // exact match, or suffix when checking home-dir layout
	}{
		{
			name: "explicit path wins",
			cfg:  Config{DBPath: "/tmp/custom.db", DBName: "ignored", StorageDir: "local"},
			want: "/tmp/custom.db",
		},
		{
			name: "local storage",
			cfg:  Config{DBName: "advice", StorageDir: "local"},
			want: "advice.db",
		},
		{
			name: "cwd alias",
			cfg:  Config{DBName: "advice", StorageDir: "cwd"},
			want: "advice.db",
		},
		{
			name: "default name",
			cfg:  Config{StorageDir: "local"},
			want: "debtgraph.db",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.resolveDBPath(); got != tt.want {
				t.Errorf("resolveDBPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveDBPathHome(t *testing.T) {
	cfg := Config{DBName: "advice"}
	got := cfg.resolveDBPath()
	if !strings.HasSuffix(got, "advice.db") {
		t.Errorf("resolveDBPath() = %q, want a path ending in advice.db", got)
	}
	if !strings.Contains(got, ".debtgraph") && got != "advice.db" {
		t.Errorf("resolveDBPath() = %q, want a ~/.debtgraph path or cwd fallback", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Assist.Provider != "" || cfg.Embedding.Provider != "" {
		t.Error("default config should run offline with no model providers")
	}
	if cfg.EmbeddingDim != 768 {
		t.Errorf("EmbeddingDim = %d, want 768", cfg.EmbeddingDim)
	}
	if cfg.MinEntityConfidence <= 0 || cfg.MinEntityConfidence >= 1 {
		t.Errorf("MinEntityConfidence = %v, want a value in (0,1)", cfg.MinEntityConfidence)
	}
	if cfg.SemanticCutoff <= 0 || cfg.SemanticCutoff >= 1 {
		t.Errorf("SemanticCutoff = %v, want a value in (0,1)", cfg.SemanticCutoff)
	}
}
