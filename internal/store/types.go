// Package store keeps documents on disk: one directory per document holding
// its chunks, the original file and an optional thumbnail.
package store

import (
	"maps"
	"slices"
)

// Metadata is the string-keyed metadata of a chunk. Values are scalars
// (string, number, bool) or lists of strings.
type Metadata map[string]any

// Chunk is a piece of a document's text with its metadata.
type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// String returns the metadata value for key if it is a string.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Strings returns the metadata value for key as a list of strings.
func (m Metadata) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Clone returns a shallow copy; list values are copied too.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := maps.Clone(m)
	for k, v := range out {
		switch l := v.(type) {
		case []string:
			out[k] = slices.Clone(l)
		case []any:
			out[k] = slices.Clone(l)
		}
	}
	return out
}

// Merge copies every key of other into m, overwriting.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}
