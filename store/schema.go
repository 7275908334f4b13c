package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Graph registry: one row per knowledge graph (manual or client)
CREATE TABLE IF NOT EXISTS graphs (
    id TEXT PRIMARY KEY,
    graph_type TEXT NOT NULL,
    source_documents JSON NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Graph entities. entity_id is the extractor-assigned id, unique per graph.
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    graph_id TEXT NOT NULL REFERENCES graphs(id) ON DELETE CASCADE,
    entity_id TEXT NOT NULL,
    text TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    confidence REAL NOT NULL,
    source TEXT,
    provenance JSON,
    properties JSON,
    UNIQUE(graph_id, entity_id)
);

-- Directed typed edges; endpoints reference entity_id values within the
-- same graph.
CREATE TABLE IF NOT EXISTS relationships (
    id INTEGER PRIMARY KEY,
    graph_id TEXT NOT NULL REFERENCES graphs(id) ON DELETE CASCADE,
    relationship_id TEXT NOT NULL,
    source_entity_id TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    relation_type TEXT NOT NULL,
    confidence REAL NOT NULL,
    condition TEXT,
    effective_date TEXT,
    expiry_date TEXT,
    logic_gate TEXT,
    UNIQUE(graph_id, relationship_id)
);

-- Entity text embeddings via sqlite-vec, keyed by the entities rowid
CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
    entity_rowid INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Comparison audit log. as_of and result arrive via migration 2.
CREATE TABLE IF NOT EXISTS comparison_log (
    id INTEGER PRIMARY KEY,
    manual_graph_id TEXT NOT NULL,
    client_graph_id TEXT NOT NULL,
    applicable_rules INTEGER DEFAULT 0,
    gaps INTEGER DEFAULT 0,
    confidence REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_entities_graph ON entities(graph_id);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(graph_id, entity_type);
CREATE INDEX IF NOT EXISTS idx_relationships_graph ON relationships(graph_id);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(graph_id, source_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(graph_id, target_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(graph_id, relation_type);
CREATE INDEX IF NOT EXISTS idx_comparison_log_graphs ON comparison_log(manual_graph_id, client_graph_id);
`, embeddingDim)
}
