package filter

import (
	"testing"

	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	md := map[string]any{
		"author":          "alice",
		"expiration_date": "2025-06-30",
		"ai_tags":         []any{"hr", "policy"},
		"page":            float64(3),
		"source_file":     "handbook.txt",
	}
	text := "Vacation Policy applies to all staff"

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"expires after earlier cutoff", ExpirationAfter{Cutoff: "2025-01-01"}, true},
		{"expires on cutoff is excluded", ExpirationAfter{Cutoff: "2025-06-30"}, false},
		{"start before expiry", ExpirationStart{Start: "2025-06-30"}, true},
		{"start after expiry", ExpirationStart{Start: "2025-07-01"}, false},
		{"end after expiry", ExpirationEnd{End: "2025-12-31"}, true},
		{"end before expiry", ExpirationEnd{End: "2025-06-29"}, false},
		{"author matches", Author{Name: "alice"}, true},
		{"author differs", Author{Name: "bob"}, false},
		{"tag any of", Tag{Any: []string{"finance", "hr"}}, true},
		{"tag none of", Tag{Any: []string{"finance"}}, false},
		{"keyword case insensitive", Keyword{Text: "vacation policy"}, true},
		{"keyword missing", Keyword{Text: "overtime"}, false},
		{"metadata number across types", MetadataEquals{Key: "page", Value: 3}, true},
		{"metadata string", MetadataEquals{Key: "source_file", Value: "handbook.txt"}, true},
		{"metadata list", MetadataEquals{Key: "ai_tags", Value: []string{"hr", "policy"}}, true},
		{"metadata missing key", MetadataEquals{Key: "department", Value: "ops"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.filter, text, md))
		})
	}
}

// A chunk without expiration_date is dropped by the "after" filter but kept
// by the start/end window. Callers rely on this difference.
func TestExpirationAsymmetry(t *testing.T) {
	for _, md := range []map[string]any{{}, {"expiration_date": ""}} {
		after := Spec{ExpirationAfter{Cutoff: "2024-01-01"}}
		window := Spec{ExpirationStart{Start: "2024-01-01"}, ExpirationEnd{End: "2024-12-31"}}

		assert.False(t, after.Match("text", md))
		assert.True(t, window.Match("text", md))
	}
}

func TestSpecMatchIsConjunction(t *testing.T) {
	md := map[string]any{"author": "alice", "ai_tags": []string{"hr"}}

	assert.True(t, Spec{}.Match("anything", nil))
	assert.True(t, Spec{Author{Name: "alice"}, Tag{Any: []string{"hr"}}}.Match("x", md))
	assert.False(t, Spec{Author{Name: "alice"}, Tag{Any: []string{"it"}}}.Match("x", md))
}

func TestSpecHas(t *testing.T) {
	spec := Spec{Author{Name: "a"}, ExpirationStart{Start: "2024-01-01"}}
	assert.True(t, spec.Has(ExpirationStart{}))
	assert.False(t, spec.Has(ExpirationEnd{}))
}

func TestParse(t *testing.T) {
	t.Run("all keys", func(t *testing.T) {
		spec, err := Parse(map[string]any{
			"expiration_date_gt":    "2024-01-01",
			"expiration_date_start": "2024-02-01",
			"expiration_date_end":   "2024-12-31",
			"author":                "alice",
			"tag":                   []any{"hr", "policy"},
			"keyword":               "leave",
			"metadata.department":   "ops",
			"page":                  float64(2),
		})
		require.NoError(t, err)
		assert.Equal(t, Spec{
			Author{Name: "alice"},
			ExpirationEnd{End: "2024-12-31"},
			ExpirationAfter{Cutoff: "2024-01-01"},
			ExpirationStart{Start: "2024-02-01"},
			Keyword{Text: "leave"},
			MetadataEquals{Key: "department", Value: "ops"},
			MetadataEquals{Key: "page", Value: float64(2)},
			Tag{Any: []string{"hr", "policy"}},
		}, spec)
	})

	t.Run("single tag string", func(t *testing.T) {
		spec, err := Parse(map[string]any{"tag": "hr"})
		require.NoError(t, err)
		assert.Equal(t, Spec{Tag{Any: []string{"hr"}}}, spec)
	})

	t.Run("empty", func(t *testing.T) {
		spec, err := Parse(nil)
		require.NoError(t, err)
		assert.Empty(t, spec)
	})

	invalid := map[string]map[string]any{
		"unknown key":     {"athor": "alice"},
		"bad date":        {"expiration_date_gt": "31/12/2024"},
		"non-string date": {"expiration_date_end": 20241231},
		"empty author":    {"author": ""},
		"empty tag list":  {"tag": []any{}},
		"mixed tag list":  {"tag": []any{"hr", 3}},
		"empty meta key":  {"metadata.": "x"},
	}
	for name, params := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(params)
			require.Error(t, err)
			assert.ErrorIs(t, err, kberr.ErrInvalidFilter)
		})
	}
}

func TestValidDate(t *testing.T) {
	assert.True(t, ValidDate("2024-02-29"))
	assert.False(t, ValidDate("2023-02-29"))
	assert.False(t, ValidDate("2024-1-1"))
}
