package filter

import (
	"fmt"
	"slices"
	"strings"
	"time"

	kberr "github.com/nickcecere/kbase/internal/errors"
)

// Parse keys that are not metadata equality filters.
const (
	ParamExpirationAfter = "expiration_date_gt"
	ParamExpirationStart = "expiration_date_start"
	ParamExpirationEnd   = "expiration_date_end"
	ParamAuthor          = "author"
	ParamTag             = "tag"
	ParamKeyword         = "keyword"

	metadataPrefix = "metadata."
)

// bareMetadataKeys may be used without the metadata. prefix.
var bareMetadataKeys = []string{
	KeySourceFile, KeyPage, KeyType, KeyAISummary, KeySourceHash, KeySourcePath,
}

// Parse builds a Spec from a loosely typed map such as a decoded JSON
// request body. Keys are applied in sorted order so the result is
// deterministic.
func Parse(params map[string]any) (Spec, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	spec := make(Spec, 0, len(keys))
	for _, key := range keys {
		f, err := parseOne(key, params[key])
		if err != nil {
			return nil, err
		}
		spec = append(spec, f)
	}
	return spec, nil
}

func parseOne(key string, value any) (Filter, error) {
	switch key {
	case ParamExpirationAfter:
		d, err := parseDate(key, value)
		return ExpirationAfter{Cutoff: d}, err
	case ParamExpirationStart:
		d, err := parseDate(key, value)
		return ExpirationStart{Start: d}, err
	case ParamExpirationEnd:
		d, err := parseDate(key, value)
		return ExpirationEnd{End: d}, err
	case ParamAuthor:
		s, err := parseString(key, value)
		return Author{Name: s}, err
	case ParamKeyword:
		s, err := parseString(key, value)
		return Keyword{Text: s}, err
	case ParamTag:
		if s, ok := value.(string); ok && s != "" {
			return Tag{Any: []string{s}}, nil
		}
		tags, ok := list(value)
		if !ok || len(tags) == 0 {
			return nil, invalid(key, "must be a string or a non-empty list of strings")
		}
		return Tag{Any: tags}, nil
	}

	if name, ok := strings.CutPrefix(key, metadataPrefix); ok {
		if name == "" {
			return nil, invalid(key, "metadata key is empty")
		}
		return MetadataEquals{Key: name, Value: value}, nil
	}
	if slices.Contains(bareMetadataKeys, key) {
		return MetadataEquals{Key: key, Value: value}, nil
	}
	return nil, invalid(key, "unknown filter key")
}

// ValidDate reports whether s is a YYYY-MM-DD date.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

func parseDate(key string, value any) (string, error) {
	s, err := parseString(key, value)
	if err != nil {
		return "", err
	}
	if !ValidDate(s) {
		return "", invalid(key, fmt.Sprintf("%q is not a YYYY-MM-DD date", s))
	}
	return s, nil
}

func parseString(key string, value any) (string, error) {
	s, ok := value.(string)
	if !ok || s == "" {
		return "", invalid(key, "must be a non-empty string")
	}
	return s, nil
}

func invalid(key, msg string) error {
	return kberr.Classify(kberr.ErrInvalidFilter, kberr.CodeFilterParseInvalid, nil,
		fmt.Sprintf("filter %q: %s", key, msg), kberr.Field("key", key))
}
