// Package depgraph builds the directed graph of SQL construction units
// from a discovered mapping and computes a safe build order.
//
// Nodes are named construction units ("cte:customers", "join:customers-orders",
// "select:output"); edges mean "must be built before". A cycle is a fatal,
// non-retryable condition — the resolver names the participating nodes and
// the builder is never invoked.
package depgraph

import (
	"fmt"
	"strings"

	"github.com/queryforge/queryforge/pkg/models"
)

// Node is one construction unit in the graph.
type Node struct {
	ID   string
	Kind models.NodeKind

	// Deps are node IDs that must reach passed or skipped-with-comment
	// status before this node may be built.
	Deps []string

	// Exactly one of these is set, matching Kind.
	Table *models.TableMapping
	Rel   *models.Relationship
}

// Graph is a directed acyclic (once verified) dependency graph with
// stable declaration order for deterministic scheduling.
type Graph struct {
	nodes map[string]*Node
	order []string // declaration order, used as the topological tie-break
}

// CycleError reports a dependency cycle. It is fatal: cycles are never
// retried or silently broken.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Members, " -> "))
}

// CTEID returns the node ID for a table's CTE unit.
func CTEID(table string) string { return "cte:" + table }

// JoinID returns the node ID for a relationship's join unit.
func JoinID(left, right string) string { return "join:" + left + "-" + right }

// SelectID is the single output-projection node.
const SelectID = "select:output"

// FromMapping derives the construction graph from discovery output:
//
//   - one CTE node per table; relationship direction adds a CTE-level
//     edge (left table's CTE is built after the right table's)
//   - one join node per relationship, depending on both CTE nodes
//   - one select node depending on every join (or every CTE when the
//     mapping has no relationships)
//
// Relationships that reference tables absent from the mapping are
// skipped and reported back as diagnostics rather than failing the run.
func FromMapping(m *models.MappingSpec) (*Graph, []string, error) {
	if m == nil || len(m.Tables) == 0 {
		return nil, nil, fmt.Errorf("mapping contains no tables")
	}

	g := &Graph{nodes: make(map[string]*Node)}
	var skipped []string

	for i := range m.Tables {
		t := &m.Tables[i]
		g.add(&Node{ID: CTEID(t.Name), Kind: models.NodeCTE, Table: t})
	}

	var joinIDs []string
	for i := range m.Relationships {
		rel := &m.Relationships[i]
		leftCTE, rightCTE := CTEID(rel.LeftTable), CTEID(rel.RightTable)
		if g.nodes[leftCTE] == nil || g.nodes[rightCTE] == nil {
			skipped = append(skipped, fmt.Sprintf(
				"relationship %s-%s references a table missing from the mapping",
				rel.LeftTable, rel.RightTable))
			continue
		}

		// The original document's join direction orders the CTEs too.
		g.nodes[leftCTE].Deps = append(g.nodes[leftCTE].Deps, rightCTE)

		id := JoinID(rel.LeftTable, rel.RightTable)
		if g.nodes[id] != nil {
			skipped = append(skipped, fmt.Sprintf("duplicate relationship %s ignored", id))
			continue
		}
		g.add(&Node{ID: id, Kind: models.NodeJoin, Deps: []string{leftCTE, rightCTE}, Rel: rel})
		joinIDs = append(joinIDs, id)
	}

	selectDeps := joinIDs
	if len(selectDeps) == 0 {
		for _, id := range g.order {
			selectDeps = append(selectDeps, id)
		}
	}
	g.add(&Node{ID: SelectID, Kind: models.NodeSelect, Deps: selectDeps})

	return g, skipped, nil
}

func (g *Graph) add(n *Node) {
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *Node { return g.nodes[id] }

// Len returns the node count.
func (g *Graph) Len() int { return len(g.order) }

// Nodes returns node IDs in declaration order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// DetectCycle runs a depth-first search with recursion-stack marking and
// returns the cycle members, or nil when the graph is acyclic.
func (g *Graph) DetectCycle() *CycleError {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		state[id] = inStack
		stack = append(stack, id)

		for _, dep := range g.nodes[id].Deps {
			switch state[dep] {
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			case inStack:
				// Slice the stack from the first occurrence of dep to
				// report the actual loop, not the whole path.
				for i, member := range stack {
					if member == dep {
						members := append([]string{}, stack[i:]...)
						return &CycleError{Members: append(members, dep)}
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopoOrder returns a build order in which every node follows all of its
// dependencies. Ties are broken by declaration order so the schedule is
// deterministic. Returns a *CycleError if the graph has a cycle.
func (g *Graph) TopoOrder() ([]string, error) {
	if err := g.DetectCycle(); err != nil {
		return nil, err
	}

	placed := make(map[string]bool, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	for len(order) < len(g.nodes) {
		progressed := false
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range g.nodes[id].Deps {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[id] = true
				order = append(order, id)
				progressed = true
			}
		}
		if !progressed {
			// Unreachable after DetectCycle, kept as a guard.
			return nil, &CycleError{Members: g.unplaced(placed)}
		}
	}
	return order, nil
}

func (g *Graph) unplaced(placed map[string]bool) []string {
	var out []string
	for _, id := range g.order {
		if !placed[id] {
			out = append(out, id)
		}
	}
	return out
}
