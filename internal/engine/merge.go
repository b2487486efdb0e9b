package engine

// Merge applies a caller-supplied partial change set to a full resource
// representation fetched from upstream:
//
//   - scalar fields in changes overwrite the original value
//   - an explicit JSON null removes the field entirely
//   - array-valued fields are replaced wholesale, never element-merged
//   - fields absent from changes are preserved untouched
//
// Neither input map is mutated; the result is a fresh top-level map.
func Merge(original, changes map[string]any) map[string]any {
	merged := make(map[string]any, len(original)+len(changes))
	for k, v := range original {
		merged[k] = v
	}
	for k, v := range changes {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}
