package graph

import (
	"fmt"
	"sort"
	"time"
)

// Provenance records where an entity was found.
type Provenance struct {
	Source    string `json:"source"`
	Paragraph int    `json:"paragraph"`
}

// Entity is a typed fact or concept extracted from a source document.
// Entities are created once by the extractor and immutable thereafter; they
// are owned exclusively by the graph that contains them.
type Entity struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	EntityType string         `json:"entity_type"`
	// Confidence is the extractor's certainty, in [0,1]. It is never reused
	// as a match-quality score; comparison scores live on EntityMatch.
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
	Provenance []Provenance   `json:"provenance,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Temporal bounds a relationship's validity and optionally attaches a logic
// gate folded across a rule's incoming relationships.
type Temporal struct {
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	LogicGate     Gate       `json:"logic_gate,omitempty"`
}

// Relationship is a typed directed edge between two entities of the same
// graph. Both endpoint ids must resolve within that graph.
type Relationship struct {
	ID             string    `json:"id"`
	SourceEntityID string    `json:"source_entity_id"`
	TargetEntityID string    `json:"target_entity_id"`
	RelationType   string    `json:"relation_type"`
	Confidence     float64   `json:"confidence"`
	Condition      string    `json:"condition,omitempty"`
	Temporal       *Temporal `json:"temporal,omitempty"`
}

// Stats are derived counts recomputed from the entity and relationship sets.
// They are a view over the sets, never a source of truth.
type Stats struct {
	EntityCount        int            `json:"entity_count"`
	RelationshipCount  int            `json:"relationship_count"`
	EntitiesByType     map[string]int `json:"entities_by_type"`
	RelationsByType    map[string]int `json:"relations_by_type"`
	AverageConfidence  float64        `json:"average_confidence"`
}

// Graph is the unit of storage and comparison.
type Graph struct {
	ID              string                  `json:"id"`
	GraphType       GraphType               `json:"graph_type"`
	SourceDocuments []string                `json:"source_documents"`
	Entities        map[string]Entity       `json:"entities"`
	Relationships   map[string]Relationship `json:"relationships"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// ValidationError reports malformed input: an unknown vocabulary value or a
// relationship endpoint that does not resolve within its graph.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// New returns an empty graph of the given type.
func New(id string, gt GraphType, sources []string) *Graph {
	now := time.Now().UTC()
	return &Graph{
		ID:              id,
		GraphType:       gt,
		SourceDocuments: sources,
		Entities:        make(map[string]Entity),
		Relationships:   make(map[string]Relationship),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AddEntity validates and inserts an entity.
func (g *Graph) AddEntity(e Entity) error {
	if e.ID == "" {
		return &ValidationError{Field: "entity.id", Value: "", Reason: "empty id"}
	}
	if !ValidEntityType(e.EntityType) {
		return &ValidationError{Field: "entity_type", Value: e.EntityType, Reason: "not in closed vocabulary"}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &ValidationError{Field: "entity.confidence", Value: fmt.Sprintf("%v", e.Confidence), Reason: "outside [0,1]"}
	}
	g.Entities[e.ID] = e
	g.UpdatedAt = time.Now().UTC()
	return nil
}

// AddRelationship validates and inserts a relationship. Both endpoints must
// already exist in this graph; a relationship never crosses graphs.
func (g *Graph) AddRelationship(r Relationship) error {
	if r.ID == "" {
		return &ValidationError{Field: "relationship.id", Value: "", Reason: "empty id"}
	}
	if !ValidRelationType(r.RelationType) {
		return &ValidationError{Field: "relation_type", Value: r.RelationType, Reason: "not in closed vocabulary"}
	}
	if _, ok := g.Entities[r.SourceEntityID]; !ok {
		return &ValidationError{Field: "source_entity_id", Value: r.SourceEntityID, Reason: "entity not in graph"}
	}
	if _, ok := g.Entities[r.TargetEntityID]; !ok {
		return &ValidationError{Field: "target_entity_id", Value: r.TargetEntityID, Reason: "entity not in graph"}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "relationship.confidence", Value: fmt.Sprintf("%v", r.Confidence), Reason: "outside [0,1]"}
	}
	g.Relationships[r.ID] = r
	g.UpdatedAt = time.Now().UTC()
	return nil
}

// Validate checks graph-wide integrity: every relationship endpoint resolves
// to an entity in this graph and every type is in its closed vocabulary.
func (g *Graph) Validate() error {
	for _, e := range g.Entities {
		if !ValidEntityType(e.EntityType) {
			return &ValidationError{Field: "entity_type", Value: e.EntityType, Reason: "not in closed vocabulary"}
		}
	}
	for _, r := range g.Relationships {
		if !ValidRelationType(r.RelationType) {
			return &ValidationError{Field: "relation_type", Value: r.RelationType, Reason: "not in closed vocabulary"}
		}
		if _, ok := g.Entities[r.SourceEntityID]; !ok {
			return &ValidationError{Field: "source_entity_id", Value: r.SourceEntityID, Reason: "entity not in graph"}
		}
		if _, ok := g.Entities[r.TargetEntityID]; !ok {
			return &ValidationError{Field: "target_entity_id", Value: r.TargetEntityID, Reason: "entity not in graph"}
		}
	}
	return nil
}

// Stats recomputes derived statistics from the current sets.
func (g *Graph) Stats() Stats {
	s := Stats{
		EntityCount:       len(g.Entities),
		RelationshipCount: len(g.Relationships),
		EntitiesByType:    make(map[string]int),
		RelationsByType:   make(map[string]int),
	}
	var sum float64
	var n int
	for _, e := range g.Entities {
		s.EntitiesByType[e.EntityType]++
		sum += e.Confidence
		n++
	}
	for _, r := range g.Relationships {
		s.RelationsByType[r.RelationType]++
		sum += r.Confidence
		n++
	}
	if n > 0 {
		s.AverageConfidence = sum / float64(n)
	}
	return s
}

// EntitiesOfType returns entities of the given type sorted by id for
// deterministic iteration.
func (g *Graph) EntitiesOfType(entityType string) []Entity {
	var out []Entity
	for _, e := range g.Entities {
		if e.EntityType == entityType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RelationshipsOf returns relationships touching the given entity, split into
// outgoing and incoming, each sorted by id.
func (g *Graph) RelationshipsOf(entityID string) (outgoing, incoming []Relationship) {
	for _, r := range g.Relationships {
		if r.SourceEntityID == entityID {
			outgoing = append(outgoing, r)
		}
		if r.TargetEntityID == entityID {
			incoming = append(incoming, r)
		}
	}
	sort.Slice(outgoing, func(i, j int) bool { return outgoing[i].ID < outgoing[j].ID })
	sort.Slice(incoming, func(i, j int) bool { return incoming[i].ID < incoming[j].ID })
	return outgoing, incoming
}

// Clone returns a deep copy. The store hands out clones so callers can never
// mutate a shared snapshot.
func (g *Graph) Clone() *Graph {
	cp := &Graph{
		ID:              g.ID,
		GraphType:       g.GraphType,
		SourceDocuments: append([]string(nil), g.SourceDocuments...),
		Entities:        make(map[string]Entity, len(g.Entities)),
		Relationships:   make(map[string]Relationship, len(g.Relationships)),
		CreatedAt:       g.CreatedAt,
		UpdatedAt:       g.UpdatedAt,
	}
	for id, e := range g.Entities {
		if e.Properties != nil {
			props := make(map[string]any, len(e.Properties))
			for k, v := range e.Properties {
				props[k] = v
			}
			e.Properties = props
		}
		e.Provenance = append([]Provenance(nil), e.Provenance...)
		cp.Entities[id] = e
	}
	for id, r := range g.Relationships {
		if r.Temporal != nil {
			t := *r.Temporal
			r.Temporal = &t
		}
		cp.Relationships[id] = r
	}
	return cp
}
