package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/store"
)

// filterFlags are the search filter flags shared by search and ask.
type filterFlags struct {
	author       string
	tags         []string
	keyword      string
	expiresAfter string
	expiresFrom  string
	expiresTo    string
	meta         []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.author, "author", "", "only chunks by this author")
	cmd.Flags().StringSliceVar(&f.tags, "tag", nil, "only chunks tagged with any of these tags")
	cmd.Flags().StringVar(&f.keyword, "keyword", "", "only chunks whose text contains this")
	cmd.Flags().StringVar(&f.expiresAfter, "expires-after", "", "only chunks expiring after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.expiresFrom, "expires-from", "", "only chunks expiring on or after this date")
	cmd.Flags().StringVar(&f.expiresTo, "expires-to", "", "only chunks expiring on or before this date")
	cmd.Flags().StringArrayVar(&f.meta, "meta", nil, "only chunks with metadata key=value (repeatable)")
}

// params returns the flags as the loosely typed map filter.Parse accepts.
func (f *filterFlags) params() (map[string]any, error) {
	p := map[string]any{}
	set := func(key, v string) {
		if v != "" {
			p[key] = v
		}
	}
	set(filter.ParamAuthor, f.author)
	set(filter.ParamKeyword, f.keyword)
	set(filter.ParamExpirationAfter, f.expiresAfter)
	set(filter.ParamExpirationStart, f.expiresFrom)
	set(filter.ParamExpirationEnd, f.expiresTo)
	if len(f.tags) > 0 {
		p[filter.ParamTag] = f.tags
	}

	md, err := parseKeyValues(f.meta)
	if err != nil {
		return nil, err
	}
	for k, v := range md {
		p["metadata."+k] = v
	}
	return p, nil
}

func (f *filterFlags) spec() (filter.Spec, error) {
	p, err := f.params()
	if err != nil {
		return nil, err
	}
	return filter.Parse(p)
}

// parseKeyValues turns key=value pairs into metadata. Values that read as
// integers, floats or booleans keep that type.
func parseKeyValues(pairs []string) (store.Metadata, error) {
	md := store.Metadata{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}
		md[key] = scalar(value)
	}
	return md, nil
}

func scalar(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
