package store

// deepCopy performs a deep copy of an arbitrary value. Maps and slices are
// copied recursively; scalars are immutable and returned as is. Other types
// are assumed immutable by convention (agents hand over ownership of results).
func deepCopy(v any) any {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		newSlice := make([]any, len(val))
		for i, item := range val {
			newSlice[i] = deepCopy(item)
		}
		return newSlice
	case string, int, int64, float64, bool:
		return val
	default:
		return val
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}
