package pipeline_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryforge/queryforge/internal/builder"
	"github.com/queryforge/queryforge/internal/depgraph"
	"github.com/queryforge/queryforge/internal/pipeline"
	"github.com/queryforge/queryforge/internal/strategy"
	"github.com/queryforge/queryforge/pkg/models"
)

// passedResult settles every graph node as a passed unit with the given
// fragment, in topological order.
func passedResult(t *testing.T, graph *depgraph.Graph, fragments map[string]string) *builder.Result {
	t.Helper()
	order, err := graph.TopoOrder()
	require.NoError(t, err)

	res := &builder.Result{Units: make(map[string]*models.BuildUnit, len(order)), Order: order}
	for _, id := range order {
		res.Units[id] = &models.BuildUnit{
			NodeID:   id,
			Kind:     graph.Node(id).Kind,
			Fragment: fragments[id],
			Status:   models.UnitPassed,
		}
	}
	return res
}

func TestAssemble_AnchorsFromOnJoinRoot(t *testing.T) {
	var mapping models.MappingSpec
	require.NoError(t, json.Unmarshal([]byte(discoveryJSON), &mapping))

	graph, skipped, err := depgraph.FromMapping(&mapping)
	require.NoError(t, err)
	require.Empty(t, skipped)

	res := passedResult(t, graph, map[string]string{
		depgraph.CTEID("orders"):               "SELECT order_id, customer_id, amount FROM sales.orders",
		depgraph.CTEID("customers"):            "SELECT id, name FROM sales.customers",
		depgraph.JoinID("orders", "customers"): "INNER JOIN customers ON orders.customer_id = customers.id",
		depgraph.SelectID:                      "customers.name AS customer, SUM(orders.amount) AS total",
	})

	sql := pipeline.Assemble(&mapping, graph, res, strategy.CommentsNormal)

	// The join fragment attaches customers, so the chain must start from
	// orders even though customers' CTE builds first.
	assert.Contains(t, sql, "FROM orders\nINNER JOIN customers ON orders.customer_id = customers.id")
	assert.NotContains(t, sql, "\nFROM customers\n")

	// Each joined table enters the FROM/JOIN chain exactly once.
	assert.Equal(t, 1, strings.Count(sql, "JOIN customers"))
	assert.Equal(t, 1, strings.Count(sql, "\nFROM orders\n"))
}

func TestAssemble_ChainOfJoinsFollowsTheAnchor(t *testing.T) {
	mapping := &models.MappingSpec{
		Tables: []models.TableMapping{{Name: "orders"}, {Name: "customers"}, {Name: "regions"}},
		Relationships: []models.Relationship{
			{LeftTable: "orders", RightTable: "customers", JoinCondition: "orders.customer_id = customers.id"},
			{LeftTable: "customers", RightTable: "regions", JoinCondition: "customers.region_id = regions.id"},
		},
		OutputColumns: []models.OutputColumn{{Table: "orders", Column: "amount", Alias: "amount"}},
	}

	graph, skipped, err := depgraph.FromMapping(mapping)
	require.NoError(t, err)
	require.Empty(t, skipped)

	res := passedResult(t, graph, map[string]string{
		depgraph.CTEID("orders"):                "SELECT customer_id, amount FROM orders",
		depgraph.CTEID("customers"):             "SELECT id, region_id FROM customers",
		depgraph.CTEID("regions"):               "SELECT id FROM regions",
		depgraph.JoinID("orders", "customers"):  "INNER JOIN customers ON orders.customer_id = customers.id",
		depgraph.JoinID("customers", "regions"): "INNER JOIN regions ON customers.region_id = regions.id",
		depgraph.SelectID:                       "orders.amount AS amount",
	})

	sql := pipeline.Assemble(mapping, graph, res, strategy.CommentsNormal)

	// regions' join builds before orders' in topological order, but the
	// chain must still grow outward from the anchor: orders, then
	// customers, then regions.
	idxFrom := strings.Index(sql, "\nFROM orders\n")
	idxCustomers := strings.Index(sql, "INNER JOIN customers")
	idxRegions := strings.Index(sql, "INNER JOIN regions")
	require.GreaterOrEqual(t, idxFrom, 0)
	require.Greater(t, idxCustomers, idxFrom)
	require.Greater(t, idxRegions, idxCustomers)

	for _, table := range []string{"customers", "regions"} {
		assert.Equal(t, 1, strings.Count(sql, "JOIN "+table), "table %s joined more than once", table)
	}
}
