// Package sql compiles data model definitions into executable queries and
// validates query text and parameters before anything reaches the database.
package sql

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

// Compiled is the output of compiling a data model: one statement with
// positional parameters. Compiling the same definition twice yields
// byte-identical SQL.
type Compiled struct {
	SQL    string
	Params []any
}

// ColumnSet is the set of column names known to exist on the base table,
// resolved from table metadata and the connector-reported schema. Identifier
// resolution happens at compile time so an unknown column never reaches
// execution.
type ColumnSet map[string]struct{}

// NewColumnSet builds a ColumnSet from a list of column names.
func NewColumnSet(names []string) ColumnSet {
	set := make(ColumnSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

var allowedOperators = map[string]struct{}{
	models.OpEqual:        {},
	models.OpNotEqual:     {},
	models.OpIn:           {},
	models.OpNotIn:        {},
	models.OpBetween:      {},
	models.OpGreater:      {},
	models.OpLess:         {},
	models.OpGreaterEqual: {},
	models.OpLessEqual:    {},
}

var allowedAggregates = map[string]struct{}{
	models.AggSum:   {},
	models.AggAvg:   {},
	models.AggCount: {},
	models.AggMin:   {},
	models.AggMax:   {},
}

// Compile turns a data model definition into a single parameterized SELECT.
// All predicate values are bound as parameters; identifiers are quoted and
// resolved against known. Fails with UnknownColumnError for unresolvable
// identifiers and never emits more than one statement.
func Compile(m *models.DataModel, known ColumnSet) (*Compiled, error) {
	if len(m.Columns) == 0 && len(m.Options.GroupBy) == 0 {
		return nil, fmt.Errorf("data model %s has no columns and no aggregates", m.Name)
	}

	resolve := func(name string) error {
		if _, ok := known[name]; !ok {
			return &apperrors.UnknownColumnError{Identifier: name, Table: m.BaseTable}
		}
		return nil
	}

	// Aliases are valid ORDER BY targets alongside base columns.
	aliases := make(map[string]struct{})

	var selects []string
	for _, col := range m.Columns {
		if err := resolve(col.Name); err != nil {
			return nil, err
		}
		expr := quoteIdent(col.Name)
		if col.Alias != "" {
			expr += " AS " + quoteIdent(col.Alias)
			aliases[col.Alias] = struct{}{}
		}
		selects = append(selects, expr)
	}

	grouped := len(m.Options.GroupBy) > 0
	for _, agg := range m.Options.GroupBy {
		fn := strings.ToUpper(agg.Function)
		if _, ok := allowedAggregates[fn]; !ok {
			return nil, fmt.Errorf("unsupported aggregate function %q", agg.Function)
		}
		if err := resolve(agg.Column); err != nil {
			return nil, err
		}
		if agg.Alias == "" {
			return nil, fmt.Errorf("aggregate %s(%s) requires an alias", fn, agg.Column)
		}
		arg := quoteIdent(agg.Column)
		if agg.Distinct {
			arg = "DISTINCT " + arg
		}
		selects = append(selects, fmt.Sprintf("%s(%s) AS %s", fn, arg, quoteIdent(agg.Alias)))
		aliases[agg.Alias] = struct{}{}
	}

	var sb strings.Builder
	var params []any

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selects, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(pgx.Identifier{m.SchemaName, m.BaseTable}.Sanitize())

	if len(m.Options.Where) > 0 {
		sb.WriteString(" WHERE ")
		for i, pred := range m.Options.Where {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			clause, err := compilePredicate(pred, resolve, &params)
			if err != nil {
				return nil, err
			}
			sb.WriteString(clause)
		}
	}

	if grouped {
		var keys []string
		for _, col := range m.Columns {
			keys = append(keys, quoteIdent(col.Name))
		}
		if len(keys) > 0 {
			sb.WriteString(" GROUP BY ")
			sb.WriteString(strings.Join(keys, ", "))
		}
	}

	if len(m.Options.OrderBy) > 0 {
		var terms []string
		for _, ord := range m.Options.OrderBy {
			if _, isAlias := aliases[ord.Column]; !isAlias {
				if err := resolve(ord.Column); err != nil {
					return nil, err
				}
			}
			term := quoteIdent(ord.Column)
			if ord.Descending {
				term += " DESC"
			} else {
				term += " ASC"
			}
			terms = append(terms, term)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(terms, ", "))
	}

	result := ValidateAndNormalize(sb.String())
	if result.Error != nil {
		return nil, result.Error
	}

	if findings := CheckParameters(m.Name, params); len(findings) > 0 {
		f := findings[0]
		return nil, fmt.Errorf("predicate value for %s rejected by injection screen (fingerprint %s)",
			f.ParamName, f.Fingerprint)
	}

	return &Compiled{SQL: result.NormalizedSQL, Params: params}, nil
}

func compilePredicate(pred models.Predicate, resolve func(string) error, params *[]any) (string, error) {
	op := strings.ToUpper(strings.TrimSpace(pred.Operator))
	if _, ok := allowedOperators[op]; !ok {
		return "", fmt.Errorf("unsupported operator %q", pred.Operator)
	}
	if err := resolve(pred.Column); err != nil {
		return "", err
	}
	col := quoteIdent(pred.Column)

	switch op {
	case models.OpIn, models.OpNotIn:
		values, ok := asList(pred.Value)
		if !ok || len(values) == 0 {
			return "", fmt.Errorf("%s on %s requires a non-empty value list", op, pred.Column)
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			*params = append(*params, v)
			placeholders[i] = fmt.Sprintf("$%d", len(*params))
		}
		return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(placeholders, ", ")), nil

	case models.OpBetween:
		values, ok := asList(pred.Value)
		if !ok || len(values) != 2 {
			return "", fmt.Errorf("BETWEEN on %s requires exactly two values", pred.Column)
		}
		*params = append(*params, values[0])
		low := len(*params)
		*params = append(*params, values[1])
		return fmt.Sprintf("%s BETWEEN $%d AND $%d", col, low, low+1), nil

	default:
		*params = append(*params, pred.Value)
		return fmt.Sprintf("%s %s $%d", col, op, len(*params)), nil
	}
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
