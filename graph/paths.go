package graph

import (
	"context"
	"errors"
	"sort"
)

// ErrSearchCancelled is returned when a path search is aborted by the
// caller's deadline or cancellation signal. It is distinct from the empty
// result that means "no paths found".
var ErrSearchCancelled = errors.New("graph: path search cancelled")

// Path is an ordered list of entity ids from a start entity to a target.
type Path struct {
	EntityIDs  []string `json:"entity_ids"`
	// Confidence is the sum of edge confidences along the path, used only to
	// break ties between equal-length paths.
	Confidence float64 `json:"confidence"`
}

// edge is one directed adjacency entry. Parallel relationships between the
// same pair collapse to the highest-confidence one.
type edge struct {
	to         string
	confidence float64
}

func adjacency(g *Graph) map[string][]edge {
	best := make(map[[2]string]float64)
	for _, r := range g.Relationships {
		key := [2]string{r.SourceEntityID, r.TargetEntityID}
		if c, ok := best[key]; !ok || r.Confidence > c {
			best[key] = r.Confidence
		}
	}
	adj := make(map[string][]edge)
	for key, c := range best {
		adj[key[0]] = append(adj[key[0]], edge{to: key[1], confidence: c})
	}
	for _, edges := range adj {
		sort.Slice(edges, func(i, j int) bool { return edges[i].to < edges[j].to })
	}
	return adj
}

// FindPaths performs a breadth-first search over the relationship graph,
// treating relationships as directed edges from source to target. It returns
// every shortest path from start to each entity matching targetType, or, when
// targetType is empty, to each reachable terminal (out-degree zero) entity.
//
// The search terminates on cyclic graphs: shortest paths never revisit an
// entity, and the frontier is bounded by a visited set. Cancellation is
// checked once per BFS level; an aborted search returns ErrSearchCancelled.
func FindPaths(ctx context.Context, g *Graph, startID, targetType string) ([]Path, error) {
	start, ok := g.Entities[startID]
	if !ok {
		return nil, &ValidationError{Field: "start_entity_id", Value: startID, Reason: "entity not in graph"}
	}
	if targetType != "" && !ValidEntityType(targetType) {
		return nil, &ValidationError{Field: "target_type", Value: targetType, Reason: "not in closed vocabulary"}
	}

	adj := adjacency(g)

	isTarget := func(id string) bool {
		if id == start.ID {
			return false
		}
		if targetType != "" {
			return g.Entities[id].EntityType == targetType
		}
		return len(adj[id]) == 0
	}

	// BFS recording, for each node, its shortest distance and every
	// predecessor that reaches it at that distance. Reconstructing through
	// the predecessor sets yields all shortest paths without ever revisiting
	// an entity within a path.
	dist := map[string]int{start.ID: 0}
	preds := make(map[string][]string)
	frontier := []string{start.ID}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, ErrSearchCancelled
		}
		var next []string
		for _, u := range frontier {
			for _, e := range adj[u] {
				d, seen := dist[e.to]
				switch {
				case !seen:
					dist[e.to] = dist[u] + 1
					preds[e.to] = []string{u}
					next = append(next, e.to)
				case d == dist[u]+1:
					preds[e.to] = append(preds[e.to], u)
				}
			}
		}
		frontier = next
	}

	confOf := func(from, to string) float64 {
		for _, e := range adj[from] {
			if e.to == to {
				return e.confidence
			}
		}
		return 0
	}

	var paths []Path
	var build func(id string, suffix []string, conf float64)
	build = func(id string, suffix []string, conf float64) {
		if id == start.ID {
			ids := make([]string, 0, len(suffix)+1)
			ids = append(ids, start.ID)
			for i := len(suffix) - 1; i >= 0; i-- {
				ids = append(ids, suffix[i])
			}
			paths = append(paths, Path{EntityIDs: ids, Confidence: conf})
			return
		}
		for _, p := range preds[id] {
			build(p, append(suffix, id), conf+confOf(p, id))
		}
	}

	var targets []string
	for id := range dist {
		if isTarget(id) {
			targets = append(targets, id)
		}
	}
	sort.Strings(targets)
	for _, t := range targets {
		build(t, nil, 0)
	}

	// Deterministic order: shorter paths first, then higher total confidence,
	// then lexicographic on the entity sequence.
	sort.Slice(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if len(a.EntityIDs) != len(b.EntityIDs) {
			return len(a.EntityIDs) < len(b.EntityIDs)
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		for k := range a.EntityIDs {
			if a.EntityIDs[k] != b.EntityIDs[k] {
				return a.EntityIDs[k] < b.EntityIDs[k]
			}
		}
		return false
	})

	return paths, nil
}
