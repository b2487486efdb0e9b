package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		original map[string]any
		changes  map[string]any
		want     map[string]any
	}{
		{
			name:     "scalar overwrite, null removal, array replacement",
			original: map[string]any{"a": 1, "b": 2, "c": []any{1, 2}},
			changes:  map[string]any{"b": nil, "c": []any{9}},
			want:     map[string]any{"a": 1, "c": []any{9}},
		},
		{
			name:     "absent fields preserved",
			original: map[string]any{"email": "a@b.c", "status": "open"},
			changes:  map[string]any{"status": "closed"},
			want:     map[string]any{"email": "a@b.c", "status": "closed"},
		},
		{
			name:     "nested objects replaced wholesale",
			original: map[string]any{"shipping": map[string]any{"city": "Berlin", "zip": "10115"}},
			changes:  map[string]any{"shipping": map[string]any{"city": "Hamburg"}},
			want:     map[string]any{"shipping": map[string]any{"city": "Hamburg"}},
		},
		{
			name:     "empty changes is identity",
			original: map[string]any{"a": 1},
			changes:  map[string]any{},
			want:     map[string]any{"a": 1},
		},
		{
			name:     "new fields added",
			original: map[string]any{"a": 1},
			changes:  map[string]any{"b": "new"},
			want:     map[string]any{"a": 1, "b": "new"},
		},
		{
			name:     "null on absent field is a no-op",
			original: map[string]any{"a": 1},
			changes:  map[string]any{"missing": nil},
			want:     map[string]any{"a": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.original, tt.changes)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	original := map[string]any{"a": 1, "b": 2}
	changes := map[string]any{"b": nil, "c": 3}

	_ = Merge(original, changes)

	assert.Equal(t, map[string]any{"a": 1, "b": 2}, original)
	assert.Equal(t, map[string]any{"b": nil, "c": 3}, changes)
}
