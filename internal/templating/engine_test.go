package templating

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() Context {
	return Context{
		Var: map[string]any{
			"name":  "ingest",
			"count": 3,
			"report": map[string]any{
				"rows": []any{
					map[string]any{"id": "r-0"},
					map[string]any{"id": "r-1"},
				},
			},
			"enabled": true,
		},
	}
}

func TestRender_PlainString(t *testing.T) {
	e := NewEngine()
	got, err := e.Render("no references here", testContext())
	require.NoError(t, err)
	assert.Equal(t, "no references here", got)
}

func TestRender_WholeStringReferencePreservesType(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		in   string
		want any
	}{
		{"var.count", 3},
		{"var.enabled", true},
		{"var.report.rows[1].id", "r-1"},
		{"var.report", map[string]any{
			"rows": []any{
				map[string]any{"id": "r-0"},
				map[string]any{"id": "r-1"},
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := e.Render(tt.in, testContext())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_EmbeddedReference(t *testing.T) {
	e := NewEngine()
	got, err := e.Render("run var.name with var.count workers", testContext())
	require.NoError(t, err)
	assert.Equal(t, "run ingest with 3 workers", got)
}

func TestRender_UnassignedReferenceLeftUntouched(t *testing.T) {
	e := NewEngine()
	got, err := e.Render("var.not_yet_assigned", testContext())
	require.NoError(t, err)
	assert.Equal(t, "var.not_yet_assigned", got)
}

func TestRender_TemplateExpression(t *testing.T) {
	e := NewEngine()
	got, err := e.Render(`{{ .var.name | upper }}`, testContext())
	require.NoError(t, err)
	assert.Equal(t, "INGEST", got)
}

func TestRender_ItemReference(t *testing.T) {
	e := NewEngine()
	ctx := testContext()
	ctx.Item = map[string]any{"id": "item-7"}

	got, err := e.Render("item.id", ctx)
	require.NoError(t, err)
	assert.Equal(t, "item-7", got)
}

func TestRender_ItemOutsideIteration(t *testing.T) {
	e := NewEngine()
	_, err := e.Render("item.id", testContext())
	assert.Error(t, err)
}

func TestRenderAny_Deep(t *testing.T) {
	e := NewEngine()
	in := map[string]any{
		"name":  "task for var.name",
		"count": "var.count",
		"nested": []any{
			map[string]any{"ref": "var.report.rows[0].id"},
			42,
		},
	}

	got, err := e.RenderAny(in, testContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":  "task for ingest",
		"count": 3,
		"nested": []any{
			map[string]any{"ref": "r-0"},
			42,
		},
	}, got)
}

func TestRenderAny_Idempotent(t *testing.T) {
	e := NewEngine()
	in := map[string]any{
		"name": "task for var.name",
		"ref":  "var.report.rows[0].id",
	}

	once, err := e.RenderAny(in, testContext())
	require.NoError(t, err)
	twice, err := e.RenderAny(once, testContext())
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestEvaluateBool(t *testing.T) {
	e := NewEngine()
	ctx := testContext()

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"true", true},
		{"false", false},
		{"var.enabled", true},
		{`{{ eq .var.name "ingest" }}`, true},
		{`{{ eq .var.name "other" }}`, false},
		{`{{ gt .var.count 1 }}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.EvaluateBool(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateBool_Errors(t *testing.T) {
	e := NewEngine()
	ctx := testContext()

	exprs := []string{
		`{{ eq .var.missing_key "x" }}`,
		`{{ .var.name }}`, // renders a non-boolean
		`{{ bogus syntax`,
	}
	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			_, err := e.EvaluateBool(expr, ctx)
			assert.Error(t, err)
		})
	}
}
