package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/st7ma784/debtgraph/graph"
)

func init() {
	sqlite_vec.Auto()
}

// ErrNotFound is returned when a requested graph or entity does not exist.
var ErrNotFound = errors.New("store: not found")

// GraphInfo summarises a stored graph without loading its full contents.
type GraphInfo struct {
	ID                string   `json:"id"`
	GraphType         string   `json:"graph_type"`
	SourceDocuments   []string `json:"source_documents"`
	EntityCount       int      `json:"entity_count"`
	RelationshipCount int      `json:"relationship_count"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

// SourceInfo links a source document to a graph built from it.
type SourceInfo struct {
	Document  string `json:"document"`
	GraphID   string `json:"graph_id"`
	GraphType string `json:"graph_type"`
}

// EntityMatch is a similarity search hit against stored entity embeddings.
type EntityMatch struct {
	EntityID   string  `json:"entity_id"`
	Text       string  `json:"text"`
	EntityType string  `json:"entity_type"`
	Score      float64 `json:"score"`
}

// ComparisonLog is an entry in the comparison audit log.
type ComparisonLog struct {
	ManualGraphID   string      `json:"manual_graph_id"`
	ClientGraphID   string      `json:"client_graph_id"`
	ApplicableRules int         `json:"applicable_rules"`
	Gaps            int         `json:"gaps"`
	Confidence      float64     `json:"confidence"`
	AsOf            string      `json:"as_of,omitempty"`
	Result          interface{} `json:"result,omitempty"`
	CreatedAt       string      `json:"created_at,omitempty"`
}

// Store wraps the SQLite database for all graph persistence. Reads are
// served from an in-memory snapshot cache; every caller gets a deep copy,
// so a cached graph is never mutated in place.
type Store struct {
	db           *sql.DB
	embeddingDim int

	mu        sync.RWMutex
	snapshots map[string]*graph.Graph

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Create schema
	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:           db,
		embeddingDim: embeddingDim,
		snapshots:    make(map[string]*graph.Graph),
		locks:        make(map[string]*sync.Mutex),
	}

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// graphLock returns the write lock for a graph id, creating it on first use.
// Serialises writers per graph without blocking writes to other graphs.
func (s *Store) graphLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// --- Graph operations ---

// PutGraph stores a graph, replacing any previous contents under the same
// id in a single transaction. The in-memory snapshot is swapped only after
// the transaction commits, so concurrent readers see either the old or the
// new graph, never a mix.
func (s *Store) PutGraph(ctx context.Context, g *graph.Graph) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("store: graph with empty id")
	}
	if err := g.Validate(); err != nil {
		return err
	}

	lock := s.graphLock(g.ID)
	lock.Lock()
	defer lock.Unlock()

	sources, err := json.Marshal(g.SourceDocuments)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graphs (id, graph_type, source_documents, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				graph_type = excluded.graph_type,
				source_documents = excluded.source_documents,
				updated_at = excluded.updated_at
		`, g.ID, string(g.GraphType), string(sources),
			g.CreatedAt.UTC().Format(time.RFC3339Nano),
			g.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}

		// Drop old contents. Embeddings are keyed by the entities rowid,
		// so they must go first.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_entities WHERE entity_rowid IN (
				SELECT id FROM entities WHERE graph_id = ?
			)`, g.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM relationships WHERE graph_id = ?", g.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM entities WHERE graph_id = ?", g.ID); err != nil {
			return err
		}

		entStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entities (graph_id, entity_id, text, entity_type, confidence, source, provenance, properties)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer entStmt.Close()

		for _, id := range sortedEntityIDs(g) {
			e := g.Entities[id]
			prov, err := json.Marshal(e.Provenance)
			if err != nil {
				return err
			}
			var props []byte
			if e.Properties != nil {
				if props, err = json.Marshal(e.Properties); err != nil {
					return err
				}
			}
			if _, err := entStmt.ExecContext(ctx,
				g.ID, e.ID, e.Text, e.EntityType, e.Confidence, e.Source,
				string(prov), nullableString(string(props))); err != nil {
				return err
			}
		}

		relStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO relationships (graph_id, relationship_id, source_entity_id, target_entity_id,
				relation_type, confidence, condition, effective_date, expiry_date, logic_gate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer relStmt.Close()

		for _, id := range sortedRelationshipIDs(g) {
			r := g.Relationships[id]
			var effective, expiry, gate interface{}
			if r.Temporal != nil {
				if r.Temporal.EffectiveDate != nil {
					effective = r.Temporal.EffectiveDate.UTC().Format(time.RFC3339)
				}
				if r.Temporal.ExpiryDate != nil {
					expiry = r.Temporal.ExpiryDate.UTC().Format(time.RFC3339)
				}
				if r.Temporal.LogicGate != "" {
					gate = string(r.Temporal.LogicGate)
				}
			}
			if _, err := relStmt.ExecContext(ctx,
				g.ID, r.ID, r.SourceEntityID, r.TargetEntityID,
				r.RelationType, r.Confidence, nullableString(r.Condition),
				effective, expiry, gate); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.snapshots[g.ID] = g.Clone()
	s.mu.Unlock()
	return nil
}

// GetGraph returns a deep copy of the graph with the given id.
func (s *Store) GetGraph(ctx context.Context, id string) (*graph.Graph, error) {
	s.mu.RLock()
	if snap, ok := s.snapshots[id]; ok {
		s.mu.RUnlock()
		return snap.Clone(), nil
	}
	s.mu.RUnlock()

	g, err := s.loadGraph(ctx, id)
	if err != nil {
		return nil, err
	}

	// A PutGraph may have cached a fresher snapshot while we were loading;
	// keep that one rather than clobbering it with our pre-write read.
	s.mu.Lock()
	if snap, ok := s.snapshots[id]; ok {
		s.mu.Unlock()
		return snap.Clone(), nil
	}
	s.snapshots[id] = g
	s.mu.Unlock()
	return g.Clone(), nil
}

// GetGraphBySource returns the most recently updated graph of the given
// type built from the named source document.
func (s *Store) GetGraphBySource(ctx context.Context, source string, gt graph.GraphType) (*graph.Graph, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM graphs
		WHERE graph_type = ?
		  AND EXISTS (SELECT 1 FROM json_each(graphs.source_documents) WHERE json_each.value = ?)
		ORDER BY updated_at DESC LIMIT 1
	`, string(gt), source).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetGraph(ctx, id)
}

// DeleteGraph removes a graph and all its entities, relationships, and
// embeddings.
func (s *Store) DeleteGraph(ctx context.Context, id string) error {
	lock := s.graphLock(id)
	lock.Lock()
	defer lock.Unlock()

	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_entities WHERE entity_rowid IN (
				SELECT id FROM entities WHERE graph_id = ?
			)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM relationships WHERE graph_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM entities WHERE graph_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM graphs WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}

	s.mu.Lock()
	delete(s.snapshots, id)
	s.mu.Unlock()
	return nil
}

// ListGraphs returns summaries of all stored graphs ordered by creation time.
func (s *Store) ListGraphs(ctx context.Context) ([]GraphInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.graph_type, g.source_documents, g.created_at, g.updated_at,
			(SELECT COUNT(*) FROM entities e WHERE e.graph_id = g.id),
			(SELECT COUNT(*) FROM relationships r WHERE r.graph_id = g.id)
		FROM graphs g ORDER BY g.created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []GraphInfo
	for rows.Next() {
		var info GraphInfo
		var sources string
		if err := rows.Scan(&info.ID, &info.GraphType, &sources,
			&info.CreatedAt, &info.UpdatedAt,
			&info.EntityCount, &info.RelationshipCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sources), &info.SourceDocuments); err != nil {
			return nil, fmt.Errorf("decoding source documents for %s: %w", info.ID, err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// ListSources returns every (source document, graph) pair.
func (s *Store) ListSources(ctx context.Context) ([]SourceInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT je.value, g.id, g.graph_type
		FROM graphs g, json_each(g.source_documents) je
		ORDER BY je.value, g.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []SourceInfo
	for rows.Next() {
		var src SourceInfo
		if err := rows.Scan(&src.Document, &src.GraphID, &src.GraphType); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// QueryEntities returns entities of a graph filtered by type and minimum
// confidence, ordered by entity id. An empty entityType matches all types.
func (s *Store) QueryEntities(ctx context.Context, graphID, entityType string, minConfidence float64) ([]graph.Entity, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM graphs WHERE id = ?", graphID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	query := `
		SELECT entity_id, text, entity_type, confidence, source, provenance, properties
		FROM entities WHERE graph_id = ? AND confidence >= ?`
	args := []interface{}{graphID, minConfidence}
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}
	query += " ORDER BY entity_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []graph.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// --- Embedding operations ---

// InsertEntityEmbedding stores a vector embedding for an entity.
func (s *Store) InsertEntityEmbedding(ctx context.Context, graphID, entityID string, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("store: embedding dimension %d, want %d", len(embedding), s.embeddingDim)
	}

	var rowid int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE graph_id = ? AND entity_id = ?",
		graphID, entityID).Scan(&rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_entities (entity_rowid, embedding) VALUES (?, ?)",
		rowid, serializeFloat32(embedding))
	return err
}

// SimilarEntities performs a KNN search over entity embeddings within one
// graph, returning the top-k nearest entities by cosine distance.
func (s *Store) SimilarEntities(ctx context.Context, graphID string, queryEmbedding []float32, k int) ([]EntityMatch, error) {
	if k <= 0 {
		k = 5
	}
	// Overfetch: the KNN runs across all graphs, the graph filter is
	// applied afterwards.
	fetch := k * 4
	if fetch < 16 {
		fetch = 16
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.entity_id, e.text, e.entity_type, v.distance
		FROM (
			SELECT entity_rowid, distance FROM vec_entities
			WHERE embedding MATCH ? AND k = ?
		) v
		JOIN entities e ON e.id = v.entity_rowid
		WHERE e.graph_id = ?
		ORDER BY v.distance
		LIMIT ?
	`, serializeFloat32(queryEmbedding), fetch, graphID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []EntityMatch
	for rows.Next() {
		var m EntityMatch
		var distance float64
		if err := rows.Scan(&m.EntityID, &m.Text, &m.EntityType, &distance); err != nil {
			return nil, err
		}
		// Convert distance to similarity score (1 - distance for cosine)
		m.Score = 1.0 - distance
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Comparison audit log ---

// LogComparison writes an entry to the comparison audit log.
func (s *Store) LogComparison(ctx context.Context, c ComparisonLog) error {
	resultJSON, _ := json.Marshal(c.Result)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comparison_log (manual_graph_id, client_graph_id, applicable_rules, gaps, confidence, as_of, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ManualGraphID, c.ClientGraphID, c.ApplicableRules, c.Gaps, c.Confidence,
		nullableString(c.AsOf), string(resultJSON))
	return err
}

// RecentComparisons returns the most recent audit log entries, newest first.
func (s *Store) RecentComparisons(ctx context.Context, limit int) ([]ComparisonLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT manual_graph_id, client_graph_id, applicable_rules, gaps, confidence, as_of, result, created_at
		FROM comparison_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []ComparisonLog
	for rows.Next() {
		var c ComparisonLog
		var asOf, result sql.NullString
		if err := rows.Scan(&c.ManualGraphID, &c.ClientGraphID,
			&c.ApplicableRules, &c.Gaps, &c.Confidence,
			&asOf, &result, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.AsOf = asOf.String
		if result.Valid && result.String != "" && result.String != "null" {
			c.Result = json.RawMessage(result.String)
		}
		logs = append(logs, c)
	}
	return logs, rows.Err()
}

// --- Diagnostics ---

// DBStats holds counts of key database objects.
type DBStats struct {
	Graphs        int `json:"graphs"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Embeddings    int `json:"embeddings"`
	Comparisons   int `json:"comparisons"`
}

// Stats returns counts of graphs, entities, relationships, embeddings,
// and logged comparisons.
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM graphs", &stats.Graphs},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM relationships", &stats.Relationships},
		{"SELECT COUNT(*) FROM vec_entities", &stats.Embeddings},
		{"SELECT COUNT(*) FROM comparison_log", &stats.Comparisons},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- loading ---

func (s *Store) loadGraph(ctx context.Context, id string) (*graph.Graph, error) {
	var gtStr, sources, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT graph_type, source_documents, created_at, updated_at
		FROM graphs WHERE id = ?
	`, id).Scan(&gtStr, &sources, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	gt, err := graph.ParseGraphType(gtStr)
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", id, err)
	}

	var docs []string
	if err := json.Unmarshal([]byte(sources), &docs); err != nil {
		return nil, fmt.Errorf("decoding source documents for %s: %w", id, err)
	}

	g := graph.New(id, gt, docs)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		g.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		g.UpdatedAt = t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, text, entity_type, confidence, source, provenance, properties
		FROM entities WHERE graph_id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		g.Entities[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	relRows, err := s.db.QueryContext(ctx, `
		SELECT relationship_id, source_entity_id, target_entity_id, relation_type,
			confidence, condition, effective_date, expiry_date, logic_gate
		FROM relationships WHERE graph_id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer relRows.Close()
	for relRows.Next() {
		var r graph.Relationship
		var condition, effective, expiry, gate sql.NullString
		if err := relRows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID,
			&r.RelationType, &r.Confidence, &condition,
			&effective, &expiry, &gate); err != nil {
			return nil, err
		}
		r.Condition = condition.String
		if effective.Valid || expiry.Valid || (gate.Valid && gate.String != "") {
			t := &graph.Temporal{LogicGate: graph.Gate(gate.String)}
			if effective.Valid {
				if parsed, err := time.Parse(time.RFC3339, effective.String); err == nil {
					t.EffectiveDate = &parsed
				}
			}
			if expiry.Valid {
				if parsed, err := time.Parse(time.RFC3339, expiry.String); err == nil {
					t.ExpiryDate = &parsed
				}
			}
			r.Temporal = t
		}
		g.Relationships[r.ID] = r
	}
	if err := relRows.Err(); err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("graph %s failed integrity check: %w", id, err)
	}
	return g, nil
}

func scanEntity(rows *sql.Rows) (graph.Entity, error) {
	var e graph.Entity
	var source, prov, props sql.NullString
	if err := rows.Scan(&e.ID, &e.Text, &e.EntityType, &e.Confidence,
		&source, &prov, &props); err != nil {
		return e, err
	}
	e.Source = source.String
	if prov.Valid && prov.String != "" && prov.String != "null" {
		if err := json.Unmarshal([]byte(prov.String), &e.Provenance); err != nil {
			return e, fmt.Errorf("decoding provenance for %s: %w", e.ID, err)
		}
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
			return e, fmt.Errorf("decoding properties for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sortedEntityIDs(g *graph.Graph) []string {
	ids := make([]string, 0, len(g.Entities))
	for id := range g.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedRelationshipIDs(g *graph.Graph) []string {
	ids := make([]string, 0, len(g.Relationships))
	for id := range g.Relationships {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
