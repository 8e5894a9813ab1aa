// Package prompts builds the prompt text sent through the provider
// gateway and extracts machine-readable payloads from model replies.
package prompts

import (
	"fmt"
	"strings"

	"github.com/queryforge/queryforge/pkg/models"
)

// Discovery asks the model to normalize a raw mapping document into the
// strict JSON shape of models.MappingSpec. The document is often vague
// and incomplete; the instructions tell the model to infer reasonable
// defaults and leave gaps as nulls rather than invent schema.
func Discovery(specText, targetEnv string) string {
	dialect := targetEnv
	if dialect == "" {
		dialect = "ANSI SQL"
	}

	var b strings.Builder
	b.WriteString(`You are a SQL expert analyzing mapping information extracted from a business mapping document with multiple sheets.

The document contains vague, unstructured information about how to construct a SQL query. This can include table names and column mappings, join relationships described in natural language, business logic and transformation rules, output requirements, and filters scattered across sheets.

Extract and return ONLY a valid JSON object with this exact structure:
{
  "tables": [{"name": "", "alias": "", "schema": "", "columns": [], "description": ""}],
  "relationships": [{"left_table": "", "right_table": "", "join_type": "INNER|LEFT|RIGHT|FULL", "join_condition": "", "description": ""}],
  "output_columns": [{"table": "", "column": "", "alias": "", "aggregation": "SUM|COUNT|AVG or null", "transformation": ""}],
  "filters": [{"table": "", "column": "", "operator": "", "value": "", "condition": "WHERE|HAVING", "description": ""}],
  "business_logic": [{"rule": "", "implementation": "", "applies_to": ""}],
  "metadata": {"description": "", "complexity": "SIMPLE|MEDIUM|COMPLEX", "business_domain": ""}
}

IMPORTANT INSTRUCTIONS:
- The content is often vague and incomplete - infer reasonable defaults
- Join conditions might be described in business terms - translate to `)
	b.WriteString(dialect)
	b.WriteString(`
- Column mappings might be in separate sections - connect them logically
- If information is missing, use null or empty arrays
- Business rules might be scattered - consolidate them logically

CONTENT TO ANALYZE:
`)
	b.WriteString(specText)
	b.WriteString("\n\nReturn only the JSON object, no other text:\n")
	return b.String()
}

// BuildCTE scopes a prompt to one table's CTE.
func BuildCTE(table *models.TableMapping, rules []models.BusinessRule, targetEnv string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the body of a SQL common table expression selecting from table %s", qualified(table))
	if len(table.Columns) > 0 {
		fmt.Fprintf(&b, " with columns %s", strings.Join(table.Columns, ", "))
	}
	b.WriteString(".\n")
	if table.Description != "" {
		fmt.Fprintf(&b, "The table represents: %s\n", table.Description)
	}
	writeRules(&b, rules, table.Name)
	writeFragmentRules(&b, targetEnv)
	return b.String()
}

// BuildJoin scopes a prompt to one relationship, including the already
// built CTE fragments so the model sees the columns it may join on.
func BuildJoin(rel *models.Relationship, leftFragment, rightFragment, targetEnv string) string {
	var b strings.Builder
	joinType := rel.JoinType
	if joinType == "" {
		joinType = "INNER"
	}
	fmt.Fprintf(&b, "Write a single SQL %s JOIN clause joining %s to %s.\n", joinType, rel.LeftTable, rel.RightTable)
	if rel.JoinCondition != "" {
		fmt.Fprintf(&b, "The mapping document specifies the condition: %s\n", rel.JoinCondition)
	} else if rel.Description != "" {
		fmt.Fprintf(&b, "The mapping document describes the relationship as: %s\n", rel.Description)
	}
	fmt.Fprintf(&b, "\nAlready built CTE for %s:\n%s\n", rel.LeftTable, leftFragment)
	fmt.Fprintf(&b, "\nAlready built CTE for %s:\n%s\n", rel.RightTable, rightFragment)
	b.WriteString("\nReturn only the JOIN clause starting with the join keyword.\n")
	writeFragmentRules(&b, targetEnv)
	return b.String()
}

// BuildSelect scopes a prompt to the output projection.
func BuildSelect(m *models.MappingSpec, targetEnv string) string {
	var b strings.Builder
	b.WriteString("Write the SQL select list for the following output columns:\n")
	for _, col := range m.OutputColumns {
		fmt.Fprintf(&b, "- %s.%s", col.Table, col.Column)
		if col.Aggregation != "" {
			fmt.Fprintf(&b, " aggregated with %s", col.Aggregation)
		}
		if col.Alias != "" {
			fmt.Fprintf(&b, " aliased as %s", col.Alias)
		}
		if col.Transformation != "" {
			fmt.Fprintf(&b, " (%s)", col.Transformation)
		}
		b.WriteString("\n")
	}
	writeRules(&b, m.BusinessRules, "")
	b.WriteString("\nReturn only the comma-separated select list, no SELECT keyword.\n")
	writeFragmentRules(&b, targetEnv)
	return b.String()
}

// Repair adjusts a build prompt with the validation failure so the next
// attempt can correct it.
func Repair(original, fragment, failureReason string, attempt int) string {
	var b strings.Builder
	b.WriteString(original)
	fmt.Fprintf(&b, "\nAttempt %d produced:\n%s\n", attempt, fragment)
	fmt.Fprintf(&b, "\nIt failed validation with: %s\nFix the fragment and return only the corrected SQL.\n", failureReason)
	return b.String()
}

func writeRules(b *strings.Builder, rules []models.BusinessRule, appliesTo string) {
	wrote := false
	for _, r := range rules {
		if appliesTo != "" && r.AppliesTo != "" && !strings.Contains(r.AppliesTo, appliesTo) {
			continue
		}
		if !wrote {
			b.WriteString("Apply these business rules where relevant:\n")
			wrote = true
		}
		fmt.Fprintf(b, "- %s", r.Rule)
		if r.Implementation != "" {
			fmt.Fprintf(b, " (%s)", r.Implementation)
		}
		b.WriteString("\n")
	}
}

func writeFragmentRules(b *strings.Builder, targetEnv string) {
	dialect := targetEnv
	if dialect == "" {
		dialect = "ANSI SQL"
	}
	fmt.Fprintf(b, "Use %s syntax. Return only SQL, no prose, no markdown fences.\n", dialect)
}

func qualified(table *models.TableMapping) string {
	if table.Schema != "" {
		return table.Schema + "." + table.Name
	}
	return table.Name
}

// ExtractPayload strips markdown code fences and surrounding prose from
// a model reply, returning the raw payload. Models frequently wrap JSON
// or SQL in ```json / ```sql fences despite instructions not to.
func ExtractPayload(reply string) string {
	s := strings.TrimSpace(reply)

	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		// Drop the language tag on the fence line.
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			first := strings.TrimSpace(s[:nl])
			if len(first) <= 10 && !strings.ContainsAny(first, "{}();,") {
				s = s[nl+1:]
			}
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	return strings.TrimSpace(s)
}

// ExtractJSON returns the outermost JSON object in a model reply,
// tolerating prose before and after it.
func ExtractJSON(reply string) string {
	s := ExtractPayload(reply)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
