// Package filter implements the fixed set of metadata filters that can be
// applied to search results.
package filter

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// DateLayout is the format of expiration_date values and date filter bounds.
const DateLayout = "2006-01-02"

// Reserved metadata keys.
const (
	KeySourceFile     = "source_file"
	KeyPage           = "page"
	KeyType           = "type"
	KeyAuthor         = "author"
	KeyExpirationDate = "expiration_date"
	KeyAISummary      = "ai_summary"
	KeyAITags         = "ai_tags"
	KeySourceHash     = "source_hash"
	KeySourcePath     = "source_path"
)

// Filter is one condition a chunk must satisfy. The set of implementations
// is closed; see Match.
type Filter interface {
	filter()
	String() string
}

// ExpirationAfter keeps chunks whose expiration_date is strictly after
// Cutoff. Chunks with no expiration_date are excluded.
type ExpirationAfter struct{ Cutoff string }

// ExpirationStart drops chunks that expire before Start. Chunks with no
// expiration_date pass.
type ExpirationStart struct{ Start string }

// ExpirationEnd drops chunks that expire after End. Chunks with no
// expiration_date pass.
type ExpirationEnd struct{ End string }

// Author keeps chunks whose author equals Name.
type Author struct{ Name string }

// Tag keeps chunks tagged (ai_tags) with at least one of Any.
type Tag struct{ Any []string }

// Keyword keeps chunks whose text contains Text, ignoring case.
type Keyword struct{ Text string }

// MetadataEquals keeps chunks where metadata[Key] equals Value exactly.
type MetadataEquals struct {
	Key   string
	Value any
}

func (ExpirationAfter) filter() {}
func (ExpirationStart) filter() {}
func (ExpirationEnd) filter()   {}
func (Author) filter()          {}
func (Tag) filter()             {}
func (Keyword) filter()         {}
func (MetadataEquals) filter()  {}

func (f ExpirationAfter) String() string { return "expiration_date > " + f.Cutoff }
func (f ExpirationStart) String() string { return "expiration_date >= " + f.Start }
func (f ExpirationEnd) String() string   { return "expiration_date <= " + f.End }
func (f Author) String() string          { return "author = " + f.Name }
func (f Tag) String() string             { return "tag in [" + strings.Join(f.Any, ", ") + "]" }
func (f Keyword) String() string         { return "text contains " + f.Text }
func (f MetadataEquals) String() string  { return fmt.Sprintf("%s = %v", f.Key, f.Value) }

// Spec is a conjunction of filters. The zero value matches everything.
type Spec []Filter

// Match reports whether a chunk with the given text and metadata satisfies
// every filter in the spec.
func (s Spec) Match(text string, metadata map[string]any) bool {
	for _, f := range s {
		if !Match(f, text, metadata) {
			return false
		}
	}
	return true
}

// Has reports whether the spec contains a filter of the same variant as f.
func (s Spec) Has(f Filter) bool {
	want := fmt.Sprintf("%T", f)
	for _, existing := range s {
		if fmt.Sprintf("%T", existing) == want {
			return true
		}
	}
	return false
}

func (s Spec) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.String()
	}
	return strings.Join(parts, " AND ")
}

// Match evaluates a single filter.
func Match(f Filter, text string, metadata map[string]any) bool {
	switch f := f.(type) {
	case ExpirationAfter:
		exp, ok := expiration(metadata)
		return ok && exp > f.Cutoff
	case ExpirationStart:
		exp, ok := expiration(metadata)
		return !ok || exp >= f.Start
	case ExpirationEnd:
		exp, ok := expiration(metadata)
		return !ok || exp <= f.End
	case Author:
		author, _ := metadata[KeyAuthor].(string)
		return author == f.Name
	case Tag:
		tags := stringList(metadata[KeyAITags])
		for _, want := range f.Any {
			if slices.Contains(tags, want) {
				return true
			}
		}
		return false
	case Keyword:
		return strings.Contains(strings.ToLower(text), strings.ToLower(f.Text))
	case MetadataEquals:
		got, ok := metadata[f.Key]
		return ok && Equal(got, f.Value)
	default:
		panic(fmt.Sprintf("filter: unhandled variant %T", f))
	}
}

func expiration(metadata map[string]any) (string, bool) {
	v, ok := metadata[KeyExpirationDate].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Equal compares two metadata values. Numbers compare by value regardless
// of their Go type, and lists compare element-wise.
func Equal(a, b any) bool {
	if an, ok := number(a); ok {
		bn, ok := number(b)
		return ok && an == bn
	}
	if al, ok := list(a); ok {
		bl, ok := list(b)
		return ok && slices.Equal(al, bl)
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func list(v any) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func stringList(v any) []string {
	if s, ok := v.(string); ok {
		return []string{s}
	}
	l, _ := list(v)
	return l
}
