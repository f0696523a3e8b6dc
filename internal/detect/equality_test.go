// equality_test.go — Deep equality semantics: null-ish equivalence, positional
// arrays, cross-type numerics.
package detect

import "testing"

func TestValuesEqualNullish(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil vs nil", nil, nil, true},
		{"nil vs empty string", nil, "", true},
		{"nil vs empty slice", nil, []any{}, true},
		{"nil vs empty map", nil, map[string]any{}, true},
		{"empty string vs empty slice", "", []any{}, true},
		{"nil vs zero number", nil, 0.0, false},
		{"nil vs non-empty", nil, "x", false},
		{"empty vs non-empty slice", []any{}, []any{"a"}, false},
	}
	for _, tc := range cases {
		if got := valuesEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("%s: valuesEqual = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestValuesEqualArraysArePositional(t *testing.T) {
	t.Parallel()

	if valuesEqual([]any{"a", "b"}, []any{"b", "a"}) {
		t.Error("reordered arrays compared equal; comparison must be positional")
	}
	if !valuesEqual([]any{"a", "b"}, []any{"a", "b"}) {
		t.Error("identical arrays compared unequal")
	}
	if !valuesEqual([]string{"a"}, []any{"a"}) {
		t.Error("[]string vs []any with same content compared unequal")
	}
}

func TestValuesEqualNumericCrossType(t *testing.T) {
	t.Parallel()

	if !valuesEqual(32990, 32990.0) {
		t.Error("int vs float64 with same value compared unequal")
	}
	if !valuesEqual(int64(5), 5) {
		t.Error("int64 vs int compared unequal")
	}
	if valuesEqual(5, 5.5) {
		t.Error("different numbers compared equal")
	}
}

func TestValuesEqualNestedMaps(t *testing.T) {
	t.Parallel()

	a := map[string]any{"variants": []any{map[string]any{"name": "GX", "price": 30000}}}
	b := map[string]any{"variants": []any{map[string]any{"name": "GX", "price": 30000.0}}}
	c := map[string]any{"variants": []any{map[string]any{"name": "GXL", "price": 30000.0}}}

	if !valuesEqual(a, b) {
		t.Error("equivalent nested maps compared unequal")
	}
	if valuesEqual(a, c) {
		t.Error("different nested maps compared equal")
	}
}
