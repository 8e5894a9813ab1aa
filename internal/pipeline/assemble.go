package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/queryforge/queryforge/internal/builder"
	"github.com/queryforge/queryforge/internal/depgraph"
	"github.com/queryforge/queryforge/internal/strategy"
	"github.com/queryforge/queryforge/pkg/models"
)

// Assemble composes the final SQL statement from settled build units:
// a WITH clause from the passed CTEs, the surviving joins, the select
// list, and WHERE/GROUP BY/HAVING derived from the mapping. Skipped
// units appear as placeholder comments so a reviewer sees exactly what
// could not be generated and why.
func Assemble(mapping *models.MappingSpec, graph *depgraph.Graph, res *builder.Result, density strategy.CommentDensity) string {
	var b strings.Builder

	if density == strategy.CommentsVerbose && mapping.Metadata.Description != "" {
		fmt.Fprintf(&b, "-- %s\n", mapping.Metadata.Description)
	}

	// Placeholder comments for everything that was skipped, up front
	// where a reviewer will see them.
	for _, id := range res.Order {
		if unit := res.Units[id]; unit != nil && unit.Status == models.UnitSkipped {
			b.WriteString(unit.Comment)
			b.WriteString("\n")
		}
	}

	var cteNames []string
	var cteClauses []string
	for _, id := range res.Order {
		unit := res.Units[id]
		if unit == nil || unit.Kind != models.NodeCTE || unit.Status != models.UnitPassed {
			continue
		}
		node := graph.Node(id)
		cteNames = append(cteNames, node.Table.Name)
		cteClauses = append(cteClauses, fmt.Sprintf("%s AS (\n    %s\n)", node.Table.Name, indent(unit.Fragment)))
	}

	if len(cteNames) == 0 {
		b.WriteString("SELECT 1 -- placeholder: no construction unit survived validation\n")
		return b.String()
	}

	fmt.Fprintf(&b, "WITH %s\n", strings.Join(cteClauses, ",\n"))

	selectList := "*"
	if sel := res.Units[depgraph.SelectID]; sel != nil && sel.Status == models.UnitPassed {
		selectList = strings.TrimSpace(sel.Fragment)
	}
	fmt.Fprintf(&b, "SELECT %s\n", selectList)

	var joins []string
	for _, id := range res.Order {
		unit := res.Units[id]
		if unit != nil && unit.Kind == models.NodeJoin && unit.Status == models.UnitPassed {
			joins = append(joins, id)
		}
	}

	anchor := fromAnchor(graph, joins, cteNames)
	fmt.Fprintf(&b, "FROM %s\n", anchor)

	// Chain joins outward from the anchor. Join fragments attach their
	// right table, so a join is emitted once its left side is already in
	// the chain, and no table is joined in twice.
	inChain := map[string]bool{anchor: true}
	for len(joins) > 0 {
		var rest []string
		for _, id := range joins {
			rel := graph.Node(id).Rel
			switch {
			case inChain[rel.RightTable]:
				// Already reachable; a second join would duplicate it.
			case inChain[rel.LeftTable]:
				b.WriteString(res.Units[id].Fragment)
				b.WriteString("\n")
				inChain[rel.RightTable] = true
			default:
				rest = append(rest, id)
			}
		}
		if len(rest) == len(joins) {
			// Disconnected from the anchor. Keep the fragments visible
			// rather than dropping them silently.
			for _, id := range rest {
				b.WriteString(res.Units[id].Fragment)
				b.WriteString("\n")
			}
			break
		}
		joins = rest
	}

	if where := filterClause(mapping.Filters, "WHERE"); where != "" {
		fmt.Fprintf(&b, "WHERE %s\n", where)
	}

	if groupBy := groupByClause(mapping.OutputColumns); groupBy != "" {
		fmt.Fprintf(&b, "GROUP BY %s\n", groupBy)
		if having := filterClause(mapping.Filters, "HAVING"); having != "" {
			fmt.Fprintf(&b, "HAVING %s\n", having)
		}
	}

	return b.String()
}

// fromAnchor picks the table the FROM clause starts from: the join
// root — a table that appears on the left of a passed join but never on
// the right — or the first built CTE when no join survived. Relationship
// direction builds the right table's CTE first, so the first CTE is the
// wrong anchor whenever joins exist.
func fromAnchor(graph *depgraph.Graph, joins []string, cteNames []string) string {
	rightSides := make(map[string]bool, len(joins))
	for _, id := range joins {
		rightSides[graph.Node(id).Rel.RightTable] = true
	}
	for _, id := range joins {
		if left := graph.Node(id).Rel.LeftTable; !rightSides[left] {
			return left
		}
	}
	return cteNames[0]
}

func indent(fragment string) string {
	return strings.ReplaceAll(strings.TrimSpace(fragment), "\n", "\n    ")
}

// filterClause renders the filters for one condition kind (WHERE is the
// default when a filter does not say).
func filterClause(filters []models.Filter, condition string) string {
	var parts []string
	for _, f := range filters {
		cond := f.Condition
		if cond == "" {
			cond = "WHERE"
		}
		if !strings.EqualFold(cond, condition) {
			continue
		}
		ref := f.Column
		if f.Table != "" {
			ref = f.Table + "." + f.Column
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", ref, f.Operator, sqlLiteral(f.Value)))
	}
	return strings.Join(parts, "\n  AND ")
}

// groupByClause lists the non-aggregated output columns when any output
// column aggregates; otherwise the statement has no GROUP BY.
func groupByClause(cols []models.OutputColumn) string {
	hasAggregation := false
	for _, c := range cols {
		if c.Aggregation != "" {
			hasAggregation = true
			break
		}
	}
	if !hasAggregation {
		return ""
	}

	var parts []string
	for _, c := range cols {
		if c.Aggregation != "" {
			continue
		}
		ref := c.Column
		if c.Table != "" {
			ref = c.Table + "." + c.Column
		}
		parts = append(parts, ref)
	}
	return strings.Join(parts, ", ")
}

// sqlLiteral quotes a filter value unless it is numeric, a boolean, or
// already quoted in the mapping document.
func sqlLiteral(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "''"
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return trimmed
	}
	switch strings.ToUpper(trimmed) {
	case "TRUE", "FALSE", "NULL":
		return strings.ToUpper(trimmed)
	}
	if strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") {
		return trimmed
	}
	return "'" + strings.ReplaceAll(trimmed, "'", "''") + "'"
}
