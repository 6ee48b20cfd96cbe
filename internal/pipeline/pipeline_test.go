package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-jobs/internal/ids"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

const issuesJSON = `{
  "items": [
    {"id": "i1", "title": "fix parser",   "priority": 5, "severity": "high",   "file": "a.go"},
    {"id": "i2", "title": "docs",         "priority": 1, "severity": "low",    "file": "b.go"},
    {"id": "i3", "title": "flaky test",   "priority": 8, "severity": "high",   "file": "a.go"},
    {"id": "i4", "title": "refactor",     "priority": 3, "severity": "medium", "file": null},
    {"id": "i5", "title": "memory leak",  "priority": 9, "severity": "high"}
  ]
}`

func mustProcess(t *testing.T, cfg Config, raw string) []interface{} {
	t.Helper()
	input, err := DecodeInput([]byte(raw))
	require.NoError(t, err)
	p, err := Compile(cfg, nil)
	require.NoError(t, err)
	out, err := p.Process(input)
	require.NoError(t, err)
	return out
}

func TestPipeline_FilterSortLimit(t *testing.T) {
	out := mustProcess(t, Config{
		JSONPath: "$.items",
		Filter:   "priority > 2",
		SortBy:   "priority DESC",
		Limit:    3,
	}, issuesJSON)

	assert.Equal(t, []string{"i5", "i3", "i1"}, itemIDs(out))
}

func TestPipeline_Offset(t *testing.T) {
	out := mustProcess(t, Config{
		JSONPath: "$.items",
		SortBy:   "priority",
		Offset:   1,
		Limit:    2,
	}, issuesJSON)
	assert.Equal(t, []string{"i4", "i1"}, itemIDs(out))

	out = mustProcess(t, Config{JSONPath: "$.items", Offset: 10}, issuesJSON)
	assert.Empty(t, out)
}

func TestPipeline_DebtmapScores(t *testing.T) {
	raw := `{
	  "items": [
	    {"location": {"file": "src/a.rs", "function": "parse"},  "unified_score": {"final_score": 42.5}},
	    {"location": {"file": "src/b.rs", "function": "lex"},    "unified_score": {"final_score": 87.1}},
	    {"location": {"file": "src/c.rs", "function": "emit"},   "unified_score": {"final_score": 12.0}},
	    {"location": {"file": "src/d.rs", "function": "check"},  "unified_score": {"final_score": 65.3}}
	  ]
	}`

	out := mustProcess(t, Config{
		JSONPath: "$.items",
		Filter:   "unified_score.final_score >= 40",
		SortBy:   "unified_score.final_score DESC",
		FieldMapping: map[string]string{
			"path": "location.file",
		},
	}, raw)

	require.Len(t, out, 3)
	var paths []string
	for _, item := range out {
		v, ok := Lookup(item, "path")
		require.True(t, ok)
		paths = append(paths, v.(string))
	}
	assert.Equal(t, []string{"src/b.rs", "src/d.rs", "src/a.rs"}, paths)
}

func TestPipeline_Distinct(t *testing.T) {
	out := mustProcess(t, Config{
		JSONPath: "$.items",
		SortBy:   "priority DESC",
		Distinct: "file",
	}, issuesJSON)

	// i5 沒有 file、i4 的 file 為 null，兩者視為同一個值，保留排序後第一個
	assert.Equal(t, []string{"i5", "i3", "i2"}, itemIDs(out))
}

func TestPipeline_WildcardPathKeepsArrays(t *testing.T) {
	out := mustProcess(t, Config{JSONPath: "$.groups[*]"}, `{"groups": [[1, 2]]}`)
	require.Len(t, out, 1)
	assert.Equal(t, []interface{}{float64(1), float64(2)}, out[0])

	out = mustProcess(t, Config{JSONPath: "$.items[*].id"}, issuesJSON)
	assert.Equal(t, []interface{}{"i1", "i2", "i3", "i4", "i5"}, out)
}

func TestPipeline_NoPath(t *testing.T) {
	out := mustProcess(t, Config{}, `[{"id": "x"}, {"id": "y"}]`)
	assert.Equal(t, []string{"x", "y"}, itemIDs(out))

	out = mustProcess(t, Config{}, `{"id": "solo"}`)
	assert.Equal(t, []string{"solo"}, itemIDs(out))
}

func TestPipeline_MissingPathSelectsNothing(t *testing.T) {
	out := mustProcess(t, Config{JSONPath: "$.nope"}, issuesJSON)
	assert.Empty(t, out)
}

func TestPipeline_Deterministic(t *testing.T) {
	cfg := Config{
		JSONPath: "$.items",
		Filter:   "severity in ['high', 'medium']",
		SortBy:   "severity, priority DESC",
		FieldMapping: map[string]string{
			"name":  "title",
			"level": "severity",
		},
	}

	input, err := DecodeInput([]byte(issuesJSON))
	require.NoError(t, err)
	p, err := Compile(cfg, nil)
	require.NoError(t, err)

	first, err := p.Process(input)
	require.NoError(t, err)
	second, err := p.Process(input)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"i5", "i3", "i1", "i4"}, itemIDs(first))

	// 輸入資料不會被修改
	original, ok := Lookup(input, "items[0]")
	require.True(t, ok)
	_, mapped := Lookup(original, "name")
	assert.False(t, mapped)
}

func TestCompile_FailFast(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"bad path", Config{JSONPath: "$.items["}, ErrInvalidPath},
		{"bad filter", Config{Filter: "priority >"}, ErrInvalidFilter},
		{"unknown function", Config{Filter: "frobnicate(x)"}, ErrInvalidFilter},
		{"bad sort", Config{SortBy: "priority SIDEWAYS"}, ErrInvalidSort},
		{"negative limit", Config{Limit: -1}, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.cfg, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeInput_Invalid(t *testing.T) {
	_, err := DecodeInput([]byte(`{"items": [`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestToWorkItems(t *testing.T) {
	p, err := Compile(Config{IDField: "id"}, nil)
	require.NoError(t, err)

	values := []interface{}{
		map[string]interface{}{"id": "alpha"},
		map[string]interface{}{"id": float64(42)},
		map[string]interface{}{"name": "no id"},
	}

	items, err := p.ToWorkItems(values, ids.NewCorrelationID)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, types.ItemID("alpha"), items[0].ID)
	assert.Equal(t, types.ItemID("42"), items[1].ID)
	assert.Equal(t, types.ItemID("item-2"), items[2].ID)
	for _, item := range items {
		assert.Equal(t, types.StatusPending, item.Status)
		assert.NotEmpty(t, item.CorrelationID)
	}
	assert.NotEqual(t, items[0].CorrelationID, items[1].CorrelationID)
}

func TestToWorkItems_DuplicateID(t *testing.T) {
	p, err := Compile(Config{IDField: "id"}, nil)
	require.NoError(t, err)

	_, err = p.ToWorkItems([]interface{}{
		map[string]interface{}{"id": "dup"},
		map[string]interface{}{"id": "dup"},
	}, nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
}
