package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "$$step1_Amount_In", InKey("step1", "Amount"))
	assert.Equal(t, "$$step1_Amount_Out", OutKey("step1", "Amount"))
	assert.True(t, IsStateKey("$$step1_Amount_Out"))
	assert.True(t, IsStateKey("$$a_b_In"))
	assert.False(t, IsStateKey("step1_Amount_Out"))
	assert.False(t, IsStateKey("$step1_Amount_Out"))
	assert.False(t, IsStateKey("$$step1_Amount"))
}

func TestDocumentCorrelation(t *testing.T) {
	d := New()
	d.SetCorrelation("trace-1", "svc-1", "user-1", "inst-1")

	assert.Equal(t, "trace-1", d.TraceID())
	assert.Equal(t, "svc-1", d.ServiceID())
	assert.Equal(t, "user-1", d.UserID())
	assert.Equal(t, "inst-1", d.InstitutionID())
}

func TestDocumentCloneIsIndependent(t *testing.T) {
	d := New()
	d.Set("$$s_A_Out", map[string]any{"total": 10.0})

	c := d.Clone()
	c.Set("$$s_A_Out", "changed")

	v, ok := d.Get("$$s_A_Out")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"total": 10.0}, v)
}

func TestWalkPath(t *testing.T) {
	value := map[string]any{
		"total": 42.0,
		"customer": map[string]any{
			"name": "ada",
		},
	}

	tests := []struct {
		name string
		path []string
		want any
	}{
		{"single segment", []string{"total"}, 42.0},
		{"nested segment", []string{"customer", "name"}, "ada"},
		{"first letter folded", []string{"Total"}, 42.0},
		{"nested folded", []string{"Customer", "Name"}, "ada"},
		{"empty path returns value", nil, value},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WalkPath(value, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWalkPathMissingSegment(t *testing.T) {
	_, err := WalkPath(map[string]any{"a": 1.0}, []string{"missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINDING_ERROR")
}

func TestCoerce(t *testing.T) {
	parsed, err := time.Parse(time.RFC3339, "2026-03-01T10:00:00Z")
	require.NoError(t, err)

	tests := []struct {
		name     string
		value    any
		declared string
		want     any
	}{
		{"string passthrough", "hello", "string", "hello"},
		{"float to string drops tail", 42.0, "string", "42"},
		{"integer", 42.0, "integer", int32(42)},
		{"integer from string", "42", "integer", int32(42)},
		{"integer from trailing zero string", "42.0", "integer", int32(42)},
		{"long", 42.0, "long", int64(42)},
		{"short", 7.0, "short", int16(7)},
		{"double", "3.5", "double", 3.5},
		{"number", 3.0, "number", 3.0},
		{"decimal", "1.25", "decimal", 1.25},
		{"bool from string", "true", "boolean", true},
		{"bool passthrough", false, "bool", false},
		{"datetime", "2026-03-01T10:00:00Z", "datetime", parsed},
		{"unknown passthrough", map[string]any{"a": 1.0}, "object", map[string]any{"a": 1.0}},
		{"nil stays nil", nil, "string", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.value, tt.declared)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceFailure(t *testing.T) {
	_, err := Coerce("not a number", "integer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINDING_ERROR")
}

func TestTypePredicates(t *testing.T) {
	assert.True(t, IntegralType("integer"))
	assert.True(t, IntegralType("Long"))
	assert.False(t, IntegralType("double"))

	assert.True(t, NullableType("string"))
	assert.True(t, NullableType("object"))
	assert.False(t, NullableType("integer"))
	assert.False(t, NullableType("boolean"))
}

func TestLowerFirst(t *testing.T) {
	assert.Equal(t, "total", LowerFirst("Total"))
	assert.Equal(t, "total", LowerFirst("total"))
	assert.Equal(t, "", LowerFirst(""))
}
