package sql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
)

func testModel() *models.DataModel {
	return &models.DataModel{
		Name:       "us_revenue",
		SchemaName: "public",
		BaseTable:  "src_ab12cd34_orders",
		Columns: models.ModelColumns{
			{Name: "region"},
			{Name: "channel", Alias: "sales_channel"},
		},
	}
}

func testColumns() ColumnSet {
	return NewColumnSet([]string{"region", "channel", "revenue", "ordered_at"})
}

func TestCompile_SimpleProjection(t *testing.T) {
	c, err := Compile(testModel(), testColumns())
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "region", "channel" AS "sales_channel" FROM "public"."src_ab12cd34_orders"`,
		c.SQL)
	assert.Empty(t, c.Params)
}

func TestCompile_WhereBindsParameters(t *testing.T) {
	m := testModel()
	m.Options.Where = []models.Predicate{
		{Column: "region", Operator: "=", Value: "US"},
		{Column: "revenue", Operator: ">", Value: 100},
	}

	c, err := Compile(m, testColumns())
	require.NoError(t, err)

	assert.Contains(t, c.SQL, `WHERE "region" = $1 AND "revenue" > $2`)
	assert.Equal(t, []any{"US", 100}, c.Params)
}

func TestCompile_InAndBetween(t *testing.T) {
	m := testModel()
	m.Options.Where = []models.Predicate{
		{Column: "region", Operator: "IN", Value: []any{"US", "CA", "MX"}},
		{Column: "ordered_at", Operator: "BETWEEN", Value: []any{"2026-01-01", "2026-06-30"}},
	}

	c, err := Compile(m, testColumns())
	require.NoError(t, err)

	assert.Contains(t, c.SQL, `"region" IN ($1, $2, $3)`)
	assert.Contains(t, c.SQL, `"ordered_at" BETWEEN $4 AND $5`)
	assert.Len(t, c.Params, 5)
}

func TestCompile_GroupByAggregates(t *testing.T) {
	m := testModel()
	m.Columns = models.ModelColumns{{Name: "region"}}
	m.Options.GroupBy = []models.AggregateSpec{
		{Function: "SUM", Column: "revenue", Alias: "total_revenue"},
		{Function: "COUNT", Column: "channel", Distinct: true, Alias: "channels"},
	}
	m.Options.OrderBy = []models.OrderSpec{{Column: "total_revenue", Descending: true}}

	c, err := Compile(m, testColumns())
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "region", SUM("revenue") AS "total_revenue", COUNT(DISTINCT "channel") AS "channels"`+
			` FROM "public"."src_ab12cd34_orders" GROUP BY "region" ORDER BY "total_revenue" DESC`,
		c.SQL)
}

func TestCompile_Deterministic(t *testing.T) {
	m := testModel()
	m.Options.Where = []models.Predicate{
		{Column: "region", Operator: "=", Value: "US"},
	}
	m.Options.OrderBy = []models.OrderSpec{{Column: "region"}}

	first, err := Compile(m, testColumns())
	require.NoError(t, err)
	second, err := Compile(m, testColumns())
	require.NoError(t, err)

	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, first.Params, second.Params)
}

func TestCompile_UnknownColumn(t *testing.T) {
	m := testModel()
	m.Columns = models.ModelColumns{{Name: "nonexistent"}}

	_, err := Compile(m, testColumns())

	var uce *apperrors.UnknownColumnError
	require.True(t, errors.As(err, &uce))
	assert.Equal(t, "nonexistent", uce.Identifier)
	assert.Equal(t, "src_ab12cd34_orders", uce.Table)
}

func TestCompile_UnknownColumnInPredicate(t *testing.T) {
	m := testModel()
	m.Options.Where = []models.Predicate{
		{Column: "no_such_col", Operator: "=", Value: 1},
	}

	_, err := Compile(m, testColumns())
	assert.True(t, apperrors.IsUnknownColumn(err))
}

func TestCompile_RejectsUnsupportedOperator(t *testing.T) {
	m := testModel()
	m.Options.Where = []models.Predicate{
		{Column: "region", Operator: "LIKE", Value: "%US%"},
	}

	_, err := Compile(m, testColumns())
	assert.Error(t, err)
}

func TestCompile_BetweenRequiresTwoValues(t *testing.T) {
	m := testModel()
	m.Options.Where = []models.Predicate{
		{Column: "revenue", Operator: "BETWEEN", Value: []any{100}},
	}

	_, err := Compile(m, testColumns())
	assert.Error(t, err)
}

func TestCompile_QuotesHostileIdentifiers(t *testing.T) {
	m := testModel()
	m.Columns = models.ModelColumns{{Name: `region"; DROP TABLE x --`}}

	// Unknown identifiers are rejected before quoting even matters.
	_, err := Compile(m, testColumns())
	assert.True(t, apperrors.IsUnknownColumn(err))
}
