package indexer

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/fs"
	"github.com/nickcecere/kbase/internal/store"
)

// LoadSidecar reads <path>.meta.yaml (or .meta.yml) when present. A missing
// sidecar yields empty metadata.
func LoadSidecar(path string) (store.Metadata, error) {
	for _, suffix := range []string{fs.SidecarSuffix, fs.SidecarSuffixAlt} {
		data, err := os.ReadFile(path + suffix)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, kberr.Wrap(err, kberr.CodeStoreReadFailure, "reading sidecar", kberr.FieldPath(path+suffix))
		}
		return parseSidecar(path+suffix, data)
	}
	return store.Metadata{}, nil
}

func parseSidecar(name string, data []byte) (store.Metadata, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, kberr.Classify(kberr.ErrUnsupportedInput, kberr.CodeIngestInputInvalid, err,
			"malformed sidecar", kberr.FieldPath(name))
	}

	md := make(store.Metadata, len(raw))
	for k, v := range raw {
		if n := normalize(v); n != nil {
			md[k] = n
		}
	}
	return md, nil
}

// normalize maps YAML values onto the kinds chunk metadata allows. Nested
// mappings are dropped.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(filter.DateLayout)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := normalize(item).(string); ok {
				out = append(out, s)
			}
		}
		return out
	case map[string]any:
		return nil
	}
	return v
}
