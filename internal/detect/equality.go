// equality.go — Deep value equality for field maps.
// Arrays compare positionally; maps compare by key set. Null-ish values
// (nil, empty string, empty slice/map) are mutually equal so a column
// flipping between NULL and "" never registers as a change. Numeric values
// compare by value across int/int64/float64, since field maps mix typed
// columns with JSON-decoded numbers.
package detect

import "encoding/json"

// valuesEqual is the detector's deep equality.
func valuesEqual(a, b any) bool {
	if isNullish(a) && isNullish(b) {
		return true
	}
	if isNullish(a) != isNullish(b) {
		return false
	}
	if fa, aok := toFloat(a); aok {
		fb, bok := toFloat(b)
		return bok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !valuesEqual(v, bvv) {
				return false
			}
		}
		return true
	case []string:
		return valuesEqual(strsAny(av), b)
	default:
		return a == b
	}
}

// isNullish reports whether v counts as an equivalent empty.
func isNullish(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func strsAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
